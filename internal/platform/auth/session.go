// Package auth owns the client session: who is signed in and whether the
// backend has confirmed that identity.
//
// The session moves between three states:
//
//	Anonymous ──Login──▶ Validated ──Validate fails──▶ PendingValidation
//	    ▲                    │  ▲                             │
//	    └──────Logout────────┘  └──────Validate succeeds──────┘
//
// Every transition is written to the kv store before it becomes visible in
// memory, so a restart right after a transition rehydrates the same state.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/scanlytics/scanlytics/internal/platform/gateway"
	"github.com/scanlytics/scanlytics/internal/platform/kv"
	"github.com/scanlytics/scanlytics/internal/platform/notification"
	"github.com/scanlytics/scanlytics/internal/platform/telemetry"
)

// SnapshotKey is the kv key holding the persisted session.
const SnapshotKey = "scanlytics.auth"

// CommandValidateToken asks the backend to confirm the session email.
const CommandValidateToken = "validate_token"

// commitTimeout bounds the write that records a validation outcome. That
// write runs after the remote call and must not share its deadline.
const commitTimeout = 5 * time.Second

var (
	// ErrNoActiveSession is returned when an operation needs an email and
	// the session has none.
	ErrNoActiveSession = errors.New("no active session")
	// ErrValidationRejected wraps an explicit refusal from validate_token.
	ErrValidationRejected = errors.New("validation rejected")
	// ErrSessionChanged is returned by Validate when Login or Logout ran
	// while the backend call was in flight. The result is not applied.
	ErrSessionChanged = errors.New("session changed during validation")
)

// State is the position of the session in its state machine.
type State int

const (
	Anonymous State = iota
	PendingValidation
	Validated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case PendingValidation:
		return "pending_validation"
	case Validated:
		return "validated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is an immutable view of the current session.
type Session struct {
	State State
	Email string
	// TokenExpiry is the exp claim of the last token returned by
	// validate_token, zero when unknown.
	TokenExpiry time.Time
}

// IsValidated reports whether the backend accepted the session.
func (s Session) IsValidated() bool { return s.State == Validated }

// snapshot is the persisted form.
type snapshot struct {
	Email       string `json:"email"`
	IsValidated bool   `json:"isValidated"`
}

func (s Session) snapshot() snapshot {
	return snapshot{Email: s.Email, IsValidated: s.State == Validated}
}

func fromSnapshot(snap snapshot) Session {
	switch {
	case snap.Email == "":
		return Session{State: Anonymous}
	case snap.IsValidated:
		return Session{State: Validated, Email: snap.Email}
	default:
		return Session{State: PendingValidation, Email: snap.Email}
	}
}

// TokenResponse is the success body of validate_token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type validateRequest struct {
	UserEmail string `json:"user_email"`
}

// Options configures a Store. Zero values are usable.
type Options struct {
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
	Notifier notification.Notifier
	Now      func() time.Time
}

// Store is the session state machine.
type Store struct {
	kv       kv.Store
	gw       gateway.Caller
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	notifier notification.Notifier
	now      func() time.Time

	// mu serializes transitions and subscriber notification.
	mu  sync.Mutex
	gen uint64

	stateMu sync.RWMutex
	state   Session

	subsMu sync.Mutex
	subs   map[uint64]func(Session)
	nextID uint64
}

// New rehydrates the session from state. A missing or unreadable snapshot
// starts the session as Anonymous.
func New(ctx context.Context, state kv.Store, gw gateway.Caller, opts Options) *Store {
	if opts.Notifier == nil {
		opts.Notifier = notification.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		kv:       state,
		gw:       gw,
		logger:   opts.Logger.With().Str("component", "session").Logger(),
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		now:      opts.Now,
		subs:     make(map[uint64]func(Session)),
	}
	s.state = s.rehydrate(ctx)
	return s
}

func (s *Store) rehydrate(ctx context.Context) Session {
	data, err := s.kv.Get(ctx, SnapshotKey)
	if errors.Is(err, kv.ErrNotFound) {
		return Session{State: Anonymous}
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read persisted session")
		return Session{State: Anonymous}
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn().Err(err).Msg("ignoring malformed persisted session")
		return Session{State: Anonymous}
	}
	sess := fromSnapshot(snap)
	s.logger.Debug().Str("state", sess.State.String()).Str("email", sess.Email).Msg("session restored")
	return sess
}

// Current returns the session as last published.
func (s *Store) Current() Session {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Login signs in as email and marks the session validated.
func (s *Store) Login(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrNoActiveSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commit(ctx, "login", Session{State: Validated, Email: email}); err != nil {
		s.notifier.Error("Sign-in failed: " + err.Error())
		return err
	}
	s.gen++
	return nil
}

// Logout clears the session in memory and in persisted state.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commit(ctx, "logout", Session{State: Anonymous}); err != nil {
		s.notifier.Error("Sign-out failed: " + err.Error())
		return err
	}
	s.gen++
	return nil
}

// Validate asks the backend to confirm the current email. On success the
// session becomes Validated; on any failure it becomes PendingValidation and
// the failure is returned. A result that arrives after Login or Logout has
// changed the session is dropped and ErrSessionChanged is returned.
func (s *Store) Validate(ctx context.Context) error {
	s.mu.Lock()
	email := s.Current().Email
	gen := s.gen
	s.mu.Unlock()

	if email == "" {
		s.notifier.Error("Session validation failed: no user is signed in")
		return ErrNoActiveSession
	}

	var resp *TokenResponse
	err := s.gw.Call(ctx, CommandValidateToken, validateRequest{UserEmail: email}, &resp)
	var expiry time.Time
	if err == nil && resp != nil && resp.AccessToken != "" {
		expiry, err = s.checkToken(resp.AccessToken)
	}

	// A call that failed because ctx ran out must still record
	// PendingValidation.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		s.logger.Info().Str("email", email).Msg("discarding validation result for a session that has since changed")
		s.metrics.SessionTransition("validate", telemetry.OutcomeDiscarded)
		return ErrSessionChanged
	}

	if err != nil {
		if cerr := s.commit(commitCtx, "validate", Session{State: PendingValidation, Email: email}); cerr != nil {
			err = errors.Join(err, cerr)
		}
		if errors.Is(err, gateway.ErrRejected) {
			err = fmt.Errorf("%w: %w", ErrValidationRejected, err)
		}
		s.logger.Warn().Err(err).Str("email", email).Msg("session validation failed")
		s.notifier.Error("Session validation failed: " + gateway.Message(err))
		return err
	}

	if err := s.commit(commitCtx, "validate", Session{State: Validated, Email: email, TokenExpiry: expiry}); err != nil {
		s.notifier.Error("Session validation failed: " + err.Error())
		return err
	}
	return nil
}

// checkToken reads the exp claim without verifying the signature; the
// backend that issued it already did. An expired token counts as a
// rejection. A token that is not a JWT has no known expiry.
func (s *Store) checkToken(raw string) (time.Time, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	tok, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		s.logger.Debug().Err(err).Msg("access token is not a JWT; expiry unknown")
		return time.Time{}, nil
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, nil
	}
	if !exp.Time.After(s.now()) {
		return exp.Time, gateway.Rejection(CommandValidateToken, "token expired")
	}
	return exp.Time, nil
}

// commit persists next, publishes it and notifies subscribers. Callers hold mu.
func (s *Store) commit(ctx context.Context, op string, next Session) error {
	if next.State == Anonymous {
		if err := s.kv.Delete(ctx, SnapshotKey); err != nil {
			return fmt.Errorf("clear persisted session: %w", err)
		}
	} else {
		data, err := json.Marshal(next.snapshot())
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		if err := s.kv.Put(ctx, SnapshotKey, data); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	}

	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()

	s.metrics.SessionTransition(op, next.State.String())
	s.logger.Info().
		Str("operation", op).
		Str("from", prev.State.String()).
		Str("to", next.State.String()).
		Str("email", next.Email).
		Msg("session transition")

	s.notify(next)
	return nil
}

// Subscribe calls fn with the current session immediately and after every
// transition. fn must not call Login, Logout or Validate.
func (s *Store) Subscribe(fn func(Session)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	fn(s.Current())

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) notify(sess Session) {
	s.subsMu.Lock()
	fns := make([]func(Session), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn(sess)
	}
}
