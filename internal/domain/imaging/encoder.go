// Package imaging turns local image files into backend payloads and submits
// them for analysis.
package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxBytes is the per-file size limit when none is configured.
const DefaultMaxBytes int64 = 64 << 20

// ErrTooLarge is returned for a file over the encoder's size limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// Encoder reads files into FileData. A batch succeeds only if every file
// does.
type Encoder struct {
	fs       afero.Fs
	maxBytes int64
	workers  int
}

// NewEncoder returns an Encoder over fs. maxBytes <= 0 uses DefaultMaxBytes.
func NewEncoder(fs afero.Fs, maxBytes int64) *Encoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Encoder{fs: fs, maxBytes: maxBytes, workers: 4}
}

// Encode reads paths concurrently. The result is in input order.
func (e *Encoder) Encode(ctx context.Context, paths []string) ([]FileData, error) {
	out := make([]FileData, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fd, err := e.encodeFile(path)
			if err != nil {
				return err
			}
			out[i] = fd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Encoder) encodeFile(path string) (FileData, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return FileData{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileData{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return FileData{}, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > e.maxBytes {
		return FileData{}, fmt.Errorf("%s: %w (%d > %d bytes)", path, ErrTooLarge, info.Size(), e.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(f, e.maxBytes+1))
	if err != nil {
		return FileData{}, fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(data)) > e.maxBytes {
		return FileData{}, fmt.Errorf("%s: %w", path, ErrTooLarge)
	}

	name := filepath.Base(path)
	return FileData{
		Filename:  name,
		Extension: Extension(name),
		Data:      ByteSeq(data),
	}, nil
}

// Extension returns the text after the last dot of name. A name without a
// dot is returned whole, which is what the analysis backend expects.
func Extension(name string) string {
	return name[strings.LastIndexByte(name, '.')+1:]
}
