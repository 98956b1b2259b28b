package auth

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/scanlytics/scanlytics/internal/platform/gateway"
	"github.com/scanlytics/scanlytics/internal/platform/gateway/gatewaytest"
	"github.com/scanlytics/scanlytics/internal/platform/kv"
	"github.com/scanlytics/scanlytics/internal/platform/notification"
	"github.com/scanlytics/scanlytics/internal/platform/telemetry"
)

// =========== Helpers ===========

type recordingNotifier struct {
	mu       sync.Mutex
	success  []string
	failures []string
}

func (r *recordingNotifier) Success(m string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success = append(r.success, m)
}

func (r *recordingNotifier) Error(m string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, m)
}

// failingKV fails writes once armed.
type failingKV struct {
	*kv.MemoryStore
	fail bool
}

func (f *failingKV) Put(ctx context.Context, key string, value []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Put(ctx, key, value)
}

func newTestStore(t *testing.T, state kv.Store, gw gateway.Caller) (*Store, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	s := New(context.Background(), state, gw, Options{Logger: zerolog.Nop(), Notifier: n})
	return s, n
}

func persisted(t *testing.T, state kv.Store) (snapshot, bool) {
	t.Helper()
	data, err := state.Get(context.Background(), SnapshotKey)
	if errors.Is(err, kv.ErrNotFound) {
		return snapshot{}, false
	}
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot %s: %v", data, err)
	}
	return snap, true
}

// assertMirrored checks that the persisted snapshot equals in-memory state.
func assertMirrored(t *testing.T, s *Store, state kv.Store) {
	t.Helper()
	cur := s.Current()
	snap, ok := persisted(t, state)
	if cur.State == Anonymous {
		if ok {
			t.Errorf("anonymous session should have no snapshot, found %+v", snap)
		}
		return
	}
	if !ok {
		t.Fatalf("expected snapshot for %+v", cur)
	}
	if snap != cur.snapshot() {
		t.Errorf("persisted %+v does not match memory %+v", snap, cur.snapshot())
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "a@x.com",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// =========== Rehydration ===========

func TestNew_Rehydrates(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Session
	}{
		{"validated", `{"email":"a@x.com","isValidated":true}`, Session{State: Validated, Email: "a@x.com"}},
		{"pending", `{"email":"a@x.com","isValidated":false}`, Session{State: PendingValidation, Email: "a@x.com"}},
		{"empty email", `{"email":"","isValidated":true}`, Session{State: Anonymous}},
		{"malformed", `{"email":`, Session{State: Anonymous}},
		{"wrong types", `{"email":42}`, Session{State: Anonymous}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := kv.NewMemoryStore()
			_ = state.Put(context.Background(), SnapshotKey, []byte(tt.data))
			s, _ := newTestStore(t, state, gatewaytest.New())
			if got := s.Current(); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestNew_NoSnapshotIsAnonymous(t *testing.T) {
	s, _ := newTestStore(t, kv.NewMemoryStore(), gatewaytest.New())
	if s.Current().State != Anonymous {
		t.Errorf("expected anonymous, got %v", s.Current().State)
	}
}

// =========== Login / Logout ===========

func TestLogin(t *testing.T) {
	state := kv.NewMemoryStore()
	s, _ := newTestStore(t, state, gatewaytest.New())

	if err := s.Login(context.Background(), "a@x.com"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	want := Session{State: Validated, Email: "a@x.com"}
	if got := s.Current(); got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	assertMirrored(t, s, state)
}

func TestLogin_EmptyEmail(t *testing.T) {
	state := kv.NewMemoryStore()
	s, _ := newTestStore(t, state, gatewaytest.New())

	if err := s.Login(context.Background(), "  "); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("expected ErrNoActiveSession, got %v", err)
	}
	if state.Writes() != 0 {
		t.Errorf("expected no writes, got %d", state.Writes())
	}
}

func TestLogin_PersistFailureLeavesMemoryUnchanged(t *testing.T) {
	state := &failingKV{MemoryStore: kv.NewMemoryStore(), fail: true}
	s, n := newTestStore(t, state, gatewaytest.New())

	err := s.Login(context.Background(), "a@x.com")
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected persist error, got %v", err)
	}
	if s.Current().State != Anonymous {
		t.Errorf("memory should not change when persisting fails, got %+v", s.Current())
	}
	if len(n.failures) != 1 {
		t.Errorf("expected a failure notification, got %v", n.failures)
	}
}

func TestLogout_ClearsMemoryAndSnapshot(t *testing.T) {
	for _, start := range []string{"", `{"email":"a@x.com","isValidated":true}`, `{"email":"a@x.com","isValidated":false}`} {
		state := kv.NewMemoryStore()
		if start != "" {
			_ = state.Put(context.Background(), SnapshotKey, []byte(start))
		}
		s, _ := newTestStore(t, state, gatewaytest.New())

		if err := s.Logout(context.Background()); err != nil {
			t.Fatalf("Logout: %v", err)
		}
		if got := s.Current(); got != (Session{State: Anonymous}) {
			t.Errorf("start %q: expected anonymous, got %+v", start, got)
		}
		if _, ok := persisted(t, state); ok {
			t.Errorf("start %q: snapshot should be deleted", start)
		}
	}
}

// =========== Validate ===========

func TestValidate_Success(t *testing.T) {
	state := kv.NewMemoryStore()
	gw := gatewaytest.New()
	gw.Respond(CommandValidateToken, nil)
	s, _ := newTestStore(t, state, gw)
	ctx := context.Background()

	if err := s.Login(ctx, "a@x.com"); err != nil {
		t.Fatal(err)
	}
	if err := s.Validate(ctx); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := s.Current(); got.State != Validated || got.Email != "a@x.com" {
		t.Errorf("expected Validated{a@x.com}, got %+v", got)
	}
	assertMirrored(t, s, state)

	calls := gw.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	if string(calls[0].Payload) != `{"user_email":"a@x.com"}` {
		t.Errorf("unexpected payload %s", calls[0].Payload)
	}
}

func TestValidate_PendingToValidated(t *testing.T) {
	state := kv.NewMemoryStore()
	_ = state.Put(context.Background(), SnapshotKey, []byte(`{"email":"a@x.com","isValidated":false}`))
	gw := gatewaytest.New()
	gw.Respond(CommandValidateToken, TokenResponse{AccessToken: "opaque", TokenType: "Bearer"})
	s, _ := newTestStore(t, state, gw)

	if err := s.Validate(context.Background()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := s.Current(); got.State != Validated || !got.TokenExpiry.IsZero() {
		t.Errorf("expected Validated with unknown expiry, got %+v", got)
	}
	assertMirrored(t, s, state)
}

func TestValidate_NoEmail(t *testing.T) {
	gw := gatewaytest.New()
	s, n := newTestStore(t, kv.NewMemoryStore(), gw)

	if err := s.Validate(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("expected ErrNoActiveSession, got %v", err)
	}
	if gw.CallCount(CommandValidateToken) != 0 {
		t.Error("expected no remote call without an email")
	}
	if len(n.failures) != 1 {
		t.Errorf("expected one failure notification, got %v", n.failures)
	}
}

func TestValidate_RejectedExpired(t *testing.T) {
	state := kv.NewMemoryStore()
	gw := gatewaytest.New()
	gw.Reject(CommandValidateToken, "expired")
	s, n := newTestStore(t, state, gw)
	ctx := context.Background()

	if err := s.Login(ctx, "a@x.com"); err != nil {
		t.Fatal(err)
	}

	err := s.Validate(ctx)
	if !errors.Is(err, ErrValidationRejected) {
		t.Fatalf("expected ErrValidationRejected, got %v", err)
	}
	if !errors.Is(err, gateway.ErrRejected) {
		t.Errorf("expected the gateway rejection to stay in the chain, got %v", err)
	}
	if msg := gateway.Message(err); msg != "expired" {
		t.Errorf("expected backend message %q, got %q", "expired", msg)
	}

	want := Session{State: PendingValidation, Email: "a@x.com"}
	if got := s.Current(); got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	assertMirrored(t, s, state)

	if len(n.failures) != 1 || !strings.Contains(n.failures[0], "expired") {
		t.Errorf("expected a failure notification mentioning expired, got %v", n.failures)
	}
}

func TestValidate_TransportFailure(t *testing.T) {
	state := kv.NewMemoryStore()
	gw := gatewaytest.New()
	gw.Fail(CommandValidateToken, gateway.Transport(CommandValidateToken, errors.New("connection refused")))
	s, _ := newTestStore(t, state, gw)
	ctx := context.Background()
	_ = s.Login(ctx, "a@x.com")

	err := s.Validate(ctx)
	if !errors.Is(err, gateway.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if errors.Is(err, ErrValidationRejected) {
		t.Error("transport failure must not be reported as a rejection")
	}
	if s.Current().State != PendingValidation {
		t.Errorf("expected PendingValidation, got %v", s.Current().State)
	}
	assertMirrored(t, s, state)
}

func TestValidate_TokenExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("future exp is published", func(t *testing.T) {
		exp := now.Add(time.Hour)
		gw := gatewaytest.New()
		gw.Respond(CommandValidateToken, TokenResponse{AccessToken: signedToken(t, exp), TokenType: "Bearer"})
		s := New(context.Background(), kv.NewMemoryStore(), gw, Options{Logger: zerolog.Nop(), Now: func() time.Time { return now }})
		_ = s.Login(context.Background(), "a@x.com")

		if err := s.Validate(context.Background()); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if got := s.Current().TokenExpiry; !got.Equal(exp) {
			t.Errorf("expected expiry %v, got %v", exp, got)
		}
	})

	t.Run("past exp is a rejection", func(t *testing.T) {
		gw := gatewaytest.New()
		gw.Respond(CommandValidateToken, TokenResponse{AccessToken: signedToken(t, now.Add(-time.Minute)), TokenType: "Bearer"})
		s := New(context.Background(), kv.NewMemoryStore(), gw, Options{Logger: zerolog.Nop(), Now: func() time.Time { return now }})
		_ = s.Login(context.Background(), "a@x.com")

		err := s.Validate(context.Background())
		if !errors.Is(err, ErrValidationRejected) {
			t.Fatalf("expected ErrValidationRejected, got %v", err)
		}
		if s.Current().State != PendingValidation {
			t.Errorf("expected PendingValidation, got %v", s.Current().State)
		}
	})
}

// =========== Race handling ===========

func waitForCall(t *testing.T, gw *gatewaytest.Fake, command string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for gw.CallCount(command) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", command)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestValidate_LogoutDuringCallDiscardsResult(t *testing.T) {
	state := kv.NewMemoryStore()
	gw := gatewaytest.New()
	gw.Respond(CommandValidateToken, nil)
	release := gw.Hold(CommandValidateToken)
	s, _ := newTestStore(t, state, gw)
	ctx := context.Background()
	_ = s.Login(ctx, "a@x.com")

	done := make(chan error, 1)
	go func() { done <- s.Validate(ctx) }()
	waitForCall(t, gw, CommandValidateToken)

	if err := s.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	release()

	if err := <-done; !errors.Is(err, ErrSessionChanged) {
		t.Errorf("expected ErrSessionChanged, got %v", err)
	}
	if got := s.Current(); got != (Session{State: Anonymous}) {
		t.Errorf("stale validation must not resurrect the session, got %+v", got)
	}
	assertMirrored(t, s, state)
}

func TestValidate_DeadlineStillRecordsPending(t *testing.T) {
	ctx := context.Background()
	state, err := kv.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer state.Close()

	gw := gatewaytest.New()
	gw.Respond(CommandValidateToken, nil)
	release := gw.Hold(CommandValidateToken)
	defer release()
	s, n := newTestStore(t, state, gw)
	if err := s.Login(ctx, "a@x.com"); err != nil {
		t.Fatal(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = s.Validate(callCtx)
	if !errors.Is(err, gateway.ErrTransport) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline transport failure, got %v", err)
	}
	if strings.Contains(err.Error(), "persist session") {
		t.Errorf("recording the failure must not reuse the expired context: %v", err)
	}

	want := Session{State: PendingValidation, Email: "a@x.com"}
	if got := s.Current(); got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	assertMirrored(t, s, state)
	if len(n.failures) != 1 {
		t.Errorf("expected one failure notification, got %v", n.failures)
	}
}

func TestValidate_CanceledStillRecordsPending(t *testing.T) {
	state := kv.NewMemoryStore()
	gw := gatewaytest.New()
	gw.Respond(CommandValidateToken, nil)
	release := gw.Hold(CommandValidateToken)
	defer release()
	s, _ := newTestStore(t, state, gw)
	if err := s.Login(context.Background(), "a@x.com"); err != nil {
		t.Fatal(err)
	}

	callCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Validate(callCtx) }()
	waitForCall(t, gw, CommandValidateToken)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := s.Current().State; got != PendingValidation {
		t.Errorf("expected pending validation, got %v", got)
	}
	assertMirrored(t, s, state)
}

func TestValidate_LoginAsOtherUserDuringCall(t *testing.T) {
	state := kv.NewMemoryStore()
	gw := gatewaytest.New()
	gw.Reject(CommandValidateToken, "expired")
	release := gw.Hold(CommandValidateToken)
	s, _ := newTestStore(t, state, gw)
	ctx := context.Background()
	_ = s.Login(ctx, "a@x.com")

	done := make(chan error, 1)
	go func() { done <- s.Validate(ctx) }()
	waitForCall(t, gw, CommandValidateToken)

	_ = s.Login(ctx, "b@x.com")
	release()

	if err := <-done; !errors.Is(err, ErrSessionChanged) {
		t.Errorf("expected ErrSessionChanged, got %v", err)
	}
	want := Session{State: Validated, Email: "b@x.com"}
	if got := s.Current(); got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	assertMirrored(t, s, state)
}

// =========== Subscribe / metrics ===========

func TestSubscribe(t *testing.T) {
	s, _ := newTestStore(t, kv.NewMemoryStore(), gatewaytest.New())
	ctx := context.Background()

	var seen []Session
	cancel := s.Subscribe(func(sess Session) { seen = append(seen, sess) })
	_ = s.Login(ctx, "a@x.com")
	_ = s.Logout(ctx)
	cancel()
	_ = s.Login(ctx, "b@x.com")

	want := []State{Anonymous, Validated, Anonymous}
	if len(seen) != len(want) {
		t.Fatalf("expected %d notifications, got %d: %+v", len(want), len(seen), seen)
	}
	for i, st := range want {
		if seen[i].State != st {
			t.Errorf("notification %d: expected %v, got %v", i, st, seen[i].State)
		}
	}
}

func TestSubscribe_SeesPersistedState(t *testing.T) {
	state := kv.NewMemoryStore()
	s, _ := newTestStore(t, state, gatewaytest.New())

	var mismatch bool
	s.Subscribe(func(sess Session) {
		snap, ok := persisted(t, state)
		if sess.State == Anonymous {
			mismatch = mismatch || ok
			return
		}
		mismatch = mismatch || !ok || snap != sess.snapshot()
	})
	_ = s.Login(context.Background(), "a@x.com")
	_ = s.Logout(context.Background())
	if mismatch {
		t.Error("subscriber observed memory ahead of persisted state")
	}
}

func TestMetrics(t *testing.T) {
	m := telemetry.NewMetrics()
	gw := gatewaytest.New()
	gw.Reject(CommandValidateToken, "expired")
	s := New(context.Background(), kv.NewMemoryStore(), gw, Options{Logger: zerolog.Nop(), Metrics: m, Notifier: notification.Nop{}})
	ctx := context.Background()

	_ = s.Login(ctx, "a@x.com")
	_ = s.Validate(ctx)
	_ = s.Logout(ctx)

	for _, tc := range []struct{ op, state string }{
		{"login", "validated"},
		{"validate", "pending_validation"},
		{"logout", "anonymous"},
	} {
		if got := transitionCount(t, m, tc.op, tc.state); got != 1 {
			t.Errorf("%s/%s: expected 1, got %v", tc.op, tc.state, got)
		}
	}
}

func transitionCount(t *testing.T, m *telemetry.Metrics, op, state string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "scanlytics_session_transitions_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["operation"] == op && labels["state"] == state {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestStateString(t *testing.T) {
	if Validated.String() != "validated" || State(9).String() != "state(9)" {
		t.Errorf("unexpected names %q %q", Validated.String(), State(9).String())
	}
}
