// Package app assembles the stores, pipelines, session and image analysis
// into the single Client a shell or CLI drives.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/scanlytics/scanlytics/internal/domain/clinical"
	"github.com/scanlytics/scanlytics/internal/domain/diagnostics"
	"github.com/scanlytics/scanlytics/internal/domain/identity"
	"github.com/scanlytics/scanlytics/internal/domain/imaging"
	"github.com/scanlytics/scanlytics/internal/platform/auth"
	"github.com/scanlytics/scanlytics/internal/platform/gateway"
	"github.com/scanlytics/scanlytics/internal/platform/kv"
	"github.com/scanlytics/scanlytics/internal/platform/notification"
	"github.com/scanlytics/scanlytics/internal/platform/store"
	"github.com/scanlytics/scanlytics/internal/platform/syncer"
	"github.com/scanlytics/scanlytics/internal/platform/telemetry"
)

// ErrSessionRequired is returned by Sync calls when a validated session is
// required and absent.
var ErrSessionRequired = errors.New("a validated session is required")

// Collection names accepted by Sync.
const (
	Patients = "patients"
	Notes    = "notes"
	Reports  = "reports"
	Users    = "users"
)

// Collections lists every syncable collection in display order.
var Collections = []string{Patients, Notes, Reports, Users}

// Deps are the external collaborators of a Client.
type Deps struct {
	Gateway  gateway.Caller
	State    kv.Store
	FS       afero.Fs
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
	Notifier notification.Notifier
}

// Options tunes a Client. Zero values fall back to package defaults.
type Options struct {
	SyncTimeout    time.Duration
	MaxImageBytes  int64
	RequireSession bool
}

// Client is the composition root.
type Client struct {
	Patients *store.Store[identity.Patient]
	Notes    *store.Store[clinical.Note]
	Reports  *store.Store[diagnostics.Report]
	Users    *store.Store[identity.User]

	Session  *auth.Store
	Analyzer *imaging.Analyzer

	pipelines      map[string]syncer.Fetcher
	requireSession bool
	logger         zerolog.Logger
}

// New builds every store and pipeline once and rehydrates the session.
func New(ctx context.Context, deps Deps, opts Options) *Client {
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.Nop{}
	}
	syncOpts := syncer.Options{
		Timeout: opts.SyncTimeout,
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
	}

	c := &Client{
		Patients:       store.New[identity.Patient](),
		Notes:          store.New[clinical.Note](),
		Reports:        store.New[diagnostics.Report](),
		Users:          store.New[identity.User](),
		requireSession: opts.RequireSession,
		logger:         deps.Logger.With().Str("component", "app").Logger(),
	}

	c.pipelines = map[string]syncer.Fetcher{
		Patients: syncer.New(identity.PatientSource, deps.Gateway, c.Patients, syncOpts),
		Notes:    syncer.New(clinical.NoteSource, deps.Gateway, c.Notes, syncOpts),
		Reports:  syncer.New(diagnostics.ReportSource, deps.Gateway, c.Reports, syncOpts),
		Users:    syncer.New(identity.UserSource, deps.Gateway, c.Users, syncOpts),
	}

	c.Session = auth.New(ctx, deps.State, deps.Gateway, auth.Options{
		Logger:   deps.Logger,
		Metrics:  deps.Metrics,
		Notifier: deps.Notifier,
	})
	c.Analyzer = imaging.NewAnalyzer(
		imaging.NewEncoder(deps.FS, opts.MaxImageBytes),
		deps.Gateway,
		deps.Notifier,
		deps.Metrics,
		deps.Logger,
	)
	return c
}

func (c *Client) gate() error {
	if c.requireSession && !c.Session.Current().IsValidated() {
		return ErrSessionRequired
	}
	return nil
}

// Sync runs the pipeline for one collection. Pipeline failures are
// contained; read them from Status.
func (c *Client) Sync(ctx context.Context, collection string) error {
	p, ok := c.pipelines[collection]
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}
	if err := c.gate(); err != nil {
		return err
	}
	p.Fetch(ctx)
	return nil
}

func (c *Client) SyncPatients(ctx context.Context) error { return c.Sync(ctx, Patients) }
func (c *Client) SyncNotes(ctx context.Context) error    { return c.Sync(ctx, Notes) }
func (c *Client) SyncReports(ctx context.Context) error  { return c.Sync(ctx, Reports) }
func (c *Client) SyncUsers(ctx context.Context) error    { return c.Sync(ctx, Users) }

// SyncAll runs every pipeline concurrently and waits for all of them.
func (c *Client) SyncAll(ctx context.Context) error {
	if err := c.gate(); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, name := range Collections {
		p := c.pipelines[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Fetch(ctx)
		}()
	}
	wg.Wait()
	return nil
}

// Status returns the pipeline status of one collection.
func (c *Client) Status(collection string) (syncer.Status, bool) {
	p, ok := c.pipelines[collection]
	if !ok {
		return syncer.Status{}, false
	}
	return p.Status(), true
}

// Statuses returns the status of every pipeline in Collections order.
func (c *Client) Statuses() []syncer.Status {
	out := make([]syncer.Status, 0, len(Collections))
	for _, name := range Collections {
		out = append(out, c.pipelines[name].Status())
	}
	return out
}

// Login starts a validated session for email.
func (c *Client) Login(ctx context.Context, email string) error {
	return c.Session.Login(ctx, email)
}

// Validate confirms the current session with the backend.
func (c *Client) Validate(ctx context.Context) error {
	return c.Session.Validate(ctx)
}

// Logout ends the session and empties every collection, so no data from
// the previous user stays visible. Syncs still in flight are discarded.
func (c *Client) Logout(ctx context.Context) error {
	err := c.Session.Logout(ctx)
	for _, p := range c.pipelines {
		p.Invalidate()
	}
	c.logger.Info().Msg("collections cleared on logout")
	return err
}

// ProcessImages submits paths for analysis. An empty userName uses the
// session email.
func (c *Client) ProcessImages(ctx context.Context, paths []string, userName, modelName string) (*imaging.AnalysisResult, error) {
	if userName == "" {
		userName = c.Session.Current().Email
	}
	if userName == "" {
		return nil, auth.ErrNoActiveSession
	}
	return c.Analyzer.ProcessImages(ctx, paths, userName, modelName)
}
