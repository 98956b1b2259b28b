package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanlytics/scanlytics/internal/platform/gateway"
	"github.com/scanlytics/scanlytics/internal/platform/gateway/gatewaytest"
	"github.com/scanlytics/scanlytics/internal/platform/store"
	"github.com/scanlytics/scanlytics/internal/platform/telemetry"
)

type rawItem struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

type item struct {
	ID        string
	CreatedAt time.Time
}

var errBadItem = errors.New("bad item")

func mapItem(r rawItem) (item, error) {
	if r.ID == "" {
		return item{}, errBadItem
	}
	ts, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return item{}, err
	}
	return item{ID: r.ID, CreatedAt: ts}, nil
}

var itemSource = Source[rawItem, item]{
	Entity:    "item",
	Command:   "get_items",
	Map:       mapItem,
	CreatedAt: func(i item) time.Time { return i.CreatedAt },
}

func ids(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func newPipeline(gw gateway.Caller, opts Options) (*Pipeline[rawItem, item], *store.Store[item]) {
	st := store.New[item]()
	opts.Logger = zerolog.Nop()
	return New(itemSource, gw, st, opts), st
}

func TestRun_SortsNewestFirstStable(t *testing.T) {
	fake := gatewaytest.New()
	fake.Respond("get_items", []rawItem{
		{ID: "a", CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "b", CreatedAt: "2024-03-01T00:00:00Z"},
		{ID: "c", CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "d", CreatedAt: "2024-02-01T00:00:00Z"},
		{ID: "e", CreatedAt: "2024-01-01T00:00:00Z"},
	})
	p, st := newPipeline(fake, Options{})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := fmt.Sprint(ids(st.Get()))
	if got != "[b d a c e]" {
		t.Errorf("expected [b d a c e], got %s", got)
	}
	if p.Status().Items != 5 || p.Status().LastError != "" {
		t.Errorf("unexpected status: %+v", p.Status())
	}
}

func TestRun_MappingFailureKeepsPreviousSnapshot(t *testing.T) {
	fake := gatewaytest.New()
	fake.Respond("get_items", []rawItem{{ID: "a", CreatedAt: "2024-01-01T00:00:00Z"}})
	p, st := newPipeline(fake, Options{})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := st.Get()
	gen := st.Generation()

	fake.Respond("get_items", []rawItem{
		{ID: "x", CreatedAt: "2024-05-01T00:00:00Z"},
		{ID: "", CreatedAt: "2024-05-02T00:00:00Z"},
	})
	err := p.Run(context.Background())
	if !errors.Is(err, errBadItem) {
		t.Fatalf("expected mapping error, got %v", err)
	}

	if st.Generation() != gen {
		t.Error("store must not be republished on mapping failure")
	}
	if fmt.Sprint(ids(st.Get())) != fmt.Sprint(ids(before)) {
		t.Errorf("store changed: before %v after %v", ids(before), ids(st.Get()))
	}
	if p.Status().LastError == "" {
		t.Error("expected status to record the failure")
	}
}

func TestRun_GatewayFailureKeepsStore(t *testing.T) {
	fake := gatewaytest.New()
	fake.Fail("get_items", gateway.Transport("get_items", errors.New("connection refused")))
	p, st := newPipeline(fake, Options{})

	err := p.Run(context.Background())
	if !errors.Is(err, gateway.ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if st.Generation() != 0 || st.Len() != 0 {
		t.Error("store must stay untouched")
	}
}

func TestFetch_DoesNotSurfaceErrors(t *testing.T) {
	fake := gatewaytest.New()
	fake.Reject("get_items", "nope")
	p, _ := newPipeline(fake, Options{})

	p.Fetch(context.Background())

	st := p.Status()
	if st.Loading {
		t.Error("expected loading to be cleared")
	}
	if st.LastError == "" {
		t.Error("expected last error to be recorded")
	}
	if !st.LastSuccess.IsZero() {
		t.Error("expected no recorded success")
	}
}

func TestRun_Timeout(t *testing.T) {
	fake := gatewaytest.New()
	fake.Respond("get_items", []rawItem{})
	release := fake.Hold("get_items")
	defer release()

	p, _ := newPipeline(fake, Options{Timeout: 30 * time.Millisecond})
	err := p.Run(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if p.Status().Loading {
		t.Error("timed out run must clear loading")
	}
}

func TestRun_StaleRunIsDiscarded(t *testing.T) {
	var calls atomic.Int32
	slow := make(chan struct{})
	slowStarted := make(chan struct{})

	gw := gateway.CallerFunc(func(ctx context.Context, command string, payload, out any) error {
		if calls.Add(1) == 1 {
			close(slowStarted)
			<-slow
			return gateway.Decode(command, []byte(`[{"id":"old","created_at":"2024-01-01T00:00:00Z"}]`), out)
		}
		return gateway.Decode(command, []byte(`[{"id":"new","created_at":"2024-01-02T00:00:00Z"}]`), out)
	})
	p, st := newPipeline(gw, Options{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(context.Background())
	}()
	<-slowStarted

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(slow)
	wg.Wait()

	got := ids(st.Get())
	if len(got) != 1 || got[0] != "new" {
		t.Errorf("expected the newer run to win, got %v", got)
	}
	if st.Generation() != 1 {
		t.Errorf("expected exactly one publication, got %d", st.Generation())
	}
}

func TestInvalidate_DiscardsRunsStartedBefore(t *testing.T) {
	fake := gatewaytest.New()
	fake.Respond("get_items", []rawItem{{ID: "a", CreatedAt: "2024-01-01T00:00:00Z"}})
	p, st := newPipeline(fake, Options{})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	release := fake.Hold("get_items")
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	deadline := time.Now().Add(2 * time.Second)
	for fake.CallCount("get_items") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the second call")
		}
		time.Sleep(time.Millisecond)
	}

	p.Invalidate()
	if st.Len() != 0 {
		t.Fatalf("expected an empty store after invalidate, got %v", ids(st.Get()))
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Len() != 0 {
		t.Errorf("run started before invalidate published %v", ids(st.Get()))
	}
	if p.Status().Items != 0 || p.Status().Loading {
		t.Errorf("unexpected status: %+v", p.Status())
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ids(st.Get()); len(got) != 1 || got[0] != "a" {
		t.Errorf("run after invalidate should publish, got %v", got)
	}
}

func TestRun_ObserversSeeOnlyWholeSnapshots(t *testing.T) {
	fake := gatewaytest.New()
	fake.Respond("get_items", json.RawMessage(`[
		{"id":"a","created_at":"2024-01-01T00:00:00Z"},
		{"id":"b","created_at":"2024-01-02T00:00:00Z"}
	]`))
	p, st := newPipeline(fake, Options{})

	var seen [][]string
	st.Subscribe(func(v []item) { seen = append(seen, ids(v)) })

	p.Run(context.Background())

	if len(seen) != 2 {
		t.Fatalf("expected initial + one publication, got %v", seen)
	}
	if fmt.Sprint(seen[1]) != "[b a]" {
		t.Errorf("expected [b a], got %v", seen[1])
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	fake := gatewaytest.New()
	fake.Respond("get_items", []rawItem{{ID: "a", CreatedAt: "2024-01-01T00:00:00Z"}})
	m := telemetry.NewMetrics()
	p, _ := newPipeline(fake, Options{Metrics: m})
	p.Run(context.Background())

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "scanlytics_sync_runs_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected sync runs counter to be exported")
	}
}

func TestSortNewestFirst_EmptyAndSingle(t *testing.T) {
	var empty []item
	SortNewestFirst(empty, func(i item) time.Time { return i.CreatedAt })
	one := []item{{ID: "x"}}
	SortNewestFirst(one, func(i item) time.Time { return i.CreatedAt })
	if one[0].ID != "x" {
		t.Error("single element changed")
	}
}
