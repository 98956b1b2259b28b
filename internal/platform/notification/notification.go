// Package notification carries user-facing messages (toasts) raised by
// session and image-analysis operations.
package notification

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scanlytics/scanlytics/internal/platform/store"
)

// ---------------------------------------------------------------------------
// Notification Types
// ---------------------------------------------------------------------------

// Level is the severity shown to the user.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a single message for the user.
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier receives user-facing messages.
type Notifier interface {
	Success(message string)
	Error(message string)
}

// Nop discards every message.
type Nop struct{}

func (Nop) Success(string) {}
func (Nop) Error(string)   {}

// ---------------------------------------------------------------------------
// Feed
// ---------------------------------------------------------------------------

// DefaultCapacity is the number of messages a Feed retains.
const DefaultCapacity = 50

// Feed is an observable, bounded list of the most recent notifications,
// newest last. It also mirrors every message to the logger.
type Feed struct {
	mu       sync.Mutex
	items    *store.Store[Notification]
	capacity int
	logger   zerolog.Logger
	now      func() time.Time
}

// NewFeed creates a Feed keeping at most capacity messages. A capacity of
// zero or less uses DefaultCapacity.
func NewFeed(capacity int, logger zerolog.Logger) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Feed{
		items:    store.New[Notification](),
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
	}
}

func (f *Feed) Success(message string) { f.push(LevelSuccess, message) }
func (f *Feed) Error(message string)   { f.push(LevelError, message) }

func (f *Feed) push(level Level, message string) {
	n := Notification{
		ID:        uuid.New().String(),
		Level:     level,
		Message:   message,
		CreatedAt: f.now().UTC(),
	}

	ev := f.logger.Info()
	if level == LevelError {
		ev = f.logger.Warn()
	}
	ev.Str("notification_id", n.ID).Str("kind", string(level)).Msg(message)

	f.mu.Lock()
	defer f.mu.Unlock()
	items := append(f.items.Get(), n)
	if len(items) > f.capacity {
		items = items[len(items)-f.capacity:]
	}
	f.items.Set(items)
}

// Recent returns the retained notifications, oldest first.
func (f *Feed) Recent() []Notification {
	return f.items.Get()
}

// Subscribe calls fn with the retained list now and after every new message.
func (f *Feed) Subscribe(fn func([]Notification)) (unsubscribe func()) {
	return f.items.Subscribe(fn)
}

// Clear drops every retained notification.
func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items.Reset()
}
