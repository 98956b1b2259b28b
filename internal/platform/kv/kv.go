// Package kv is the durable local state used to mirror the session snapshot
// across restarts. Values are opaque bytes addressed by a fixed key.
package kv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"
)

// ErrNotFound is returned by Get for a key that has never been written or
// has been deleted.
var ErrNotFound = errors.New("key not found")

// Store persists small values by key. Put must be durable when it returns.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Options selects and configures a driver.
type Options struct {
	Driver      string
	Dir         string
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
}

// Open returns the Store selected by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverFile, "":
		return NewFileStore(afero.NewOsFs(), opts.Dir)
	case DriverSQLite:
		return NewSQLiteStore(ctx, filepath.Join(opts.Dir, "state.db"))
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.MaxConns, opts.MinConns)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state driver %q", opts.Driver)
	}
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

func checkKey(key string) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
