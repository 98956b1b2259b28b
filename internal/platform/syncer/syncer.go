// Package syncer runs the fetch pipelines: call the gateway, map every raw
// record, sort newest first and publish the result to a store.
//
// A run either publishes a complete, consistent snapshot or leaves the store
// untouched. Failures are logged, counted and kept in the pipeline Status;
// Fetch never returns them.
package syncer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanlytics/scanlytics/internal/platform/gateway"
	"github.com/scanlytics/scanlytics/internal/platform/store"
	"github.com/scanlytics/scanlytics/internal/platform/telemetry"
)

// DefaultTimeout bounds a run when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Source describes one entity: which command returns it and how each raw
// record maps to its canonical form.
type Source[R, T any] struct {
	Entity    string
	Command   string
	Map       func(R) (T, error)
	CreatedAt func(T) time.Time
}

// Options carries the ambient dependencies of a pipeline.
type Options struct {
	Timeout time.Duration
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Status is the last known state of a pipeline.
type Status struct {
	Entity      string    `json:"entity"`
	Loading     bool      `json:"loading"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	Items       int       `json:"items"`
}

// Fetcher is the type-erased view of a pipeline used by callers that drive
// several entities at once.
type Fetcher interface {
	Entity() string
	Fetch(ctx context.Context)
	Run(ctx context.Context) error
	Invalidate()
	Status() Status
}

// Pipeline fetches one entity collection into a store.
type Pipeline[R, T any] struct {
	src     Source[R, T]
	gw      gateway.Caller
	target  *store.Store[T]
	timeout time.Duration
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	started  uint64
	inflight int
	status   Status

	// pubMu serializes publication; it is never held while p.mu is.
	pubMu     sync.Mutex
	published uint64
}

// New builds a pipeline publishing into target.
func New[R, T any](src Source[R, T], gw gateway.Caller, target *store.Store[T], opts Options) *Pipeline[R, T] {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pipeline[R, T]{
		src:     src,
		gw:      gw,
		target:  target,
		timeout: timeout,
		logger:  opts.Logger.With().Str("entity", src.Entity).Str("command", src.Command).Logger(),
		metrics: opts.Metrics,
		status:  Status{Entity: src.Entity},
	}
}

func (p *Pipeline[R, T]) Entity() string { return p.src.Entity }

// Store returns the store this pipeline publishes to.
func (p *Pipeline[R, T]) Store() *store.Store[T] { return p.target }

// Status returns a copy of the pipeline status.
func (p *Pipeline[R, T]) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Invalidate empties the store and discards the result of every run that
// started before the call, even if it has not finished yet.
func (p *Pipeline[R, T]) Invalidate() {
	p.mu.Lock()
	p.started++
	epoch := p.started
	p.status.Items = 0
	p.mu.Unlock()

	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	if epoch > p.published {
		p.published = epoch
	}
	p.target.Reset()
	p.logger.Debug().Uint64("epoch", epoch).Msg("pipeline invalidated")
}

// Fetch runs the pipeline and swallows the outcome; see Status for it.
func (p *Pipeline[R, T]) Fetch(ctx context.Context) {
	_ = p.Run(ctx)
}

// Run executes one fetch → map → sort → publish cycle. The returned error is
// already logged and recorded in Status.
func (p *Pipeline[R, T]) Run(ctx context.Context) error {
	start := time.Now()
	seq := p.begin(start)

	items, err := p.load(ctx)
	if err != nil {
		p.finish(start, err, false, 0)
		p.logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("sync failed, keeping previous snapshot")
		p.metrics.SyncRun(p.src.Entity, telemetry.OutcomeFailure, time.Since(start))
		return err
	}

	if !p.publish(seq, items) {
		p.finish(start, nil, false, len(items))
		p.logger.Debug().Uint64("run", seq).Msg("run superseded, discarding result")
		p.metrics.SyncRun(p.src.Entity, telemetry.OutcomeDiscarded, time.Since(start))
		return nil
	}

	p.finish(start, nil, true, len(items))
	p.logger.Debug().Int("items", len(items)).Dur("elapsed", time.Since(start)).Msg("sync complete")
	p.metrics.SyncRun(p.src.Entity, telemetry.OutcomeSuccess, time.Since(start))
	p.metrics.SyncItems(p.src.Entity, len(items))
	return nil
}

func (p *Pipeline[R, T]) load(ctx context.Context) ([]T, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var raws []R
	if err := p.gw.Call(ctx, p.src.Command, nil, &raws); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", p.src.Entity, err)
	}

	items := make([]T, 0, len(raws))
	for i, raw := range raws {
		item, err := p.src.Map(raw)
		if err != nil {
			return nil, fmt.Errorf("map %s record %d: %w", p.src.Entity, i, err)
		}
		items = append(items, item)
	}

	SortNewestFirst(items, p.src.CreatedAt)
	return items, nil
}

// SortNewestFirst orders items by created-at descending, keeping the
// original relative order of items with equal timestamps.
func SortNewestFirst[T any](items []T, createdAt func(T) time.Time) {
	slices.SortStableFunc(items, func(a, b T) int {
		return createdAt(b).Compare(createdAt(a))
	})
}

func (p *Pipeline[R, T]) begin(now time.Time) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
	p.inflight++
	p.status.Loading = true
	p.status.LastAttempt = now
	return p.started
}

// publish replaces the store contents unless a run that started later has
// already published or the pipeline was invalidated after seq started.
func (p *Pipeline[R, T]) publish(seq uint64, items []T) bool {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	if seq < p.published {
		return false
	}
	p.published = seq
	p.target.Set(items)
	return true
}

func (p *Pipeline[R, T]) finish(start time.Time, err error, published bool, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight--
	p.status.Loading = p.inflight > 0
	if err != nil {
		p.status.LastError = err.Error()
		return
	}
	if published {
		p.status.LastError = ""
		p.status.LastSuccess = start
		p.status.Items = n
	}
}
