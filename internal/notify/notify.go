// Package notify carries "event stored" notifications from the ingestion
// path to background consumers.
//
// Notifications are hints, not a log: they may be dropped, and consumers
// must re-read the event store for the authoritative state. Publishing
// never blocks a write.
package notify

import (
	"context"
	"errors"
	"time"
)

// ErrDropped is returned when a notification could not be queued.
var ErrDropped = errors.New("notification dropped")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notification bus closed")

// StoredEvent announces that a new event reached the store. Duplicates are
// not announced. It carries no payload.
type StoredEvent struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	Agent     string    `json:"agent"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler consumes notifications. Handlers run on the bus's delivery
// goroutine and should return quickly.
type Handler func(ctx context.Context, ev StoredEvent)

// Publisher sends notifications.
type Publisher interface {
	Publish(ctx context.Context, ev StoredEvent) error
}

// Subscriber delivers notifications to a handler until the returned
// unsubscribe function is called.
type Subscriber interface {
	Subscribe(h Handler) (unsubscribe func() error, err error)
}

// Bus is both ends of a notification channel.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Publish(context.Context, StoredEvent) error { return nil }

func (Nop) Subscribe(Handler) (func() error, error) { return func() error { return nil }, nil }

func (Nop) Close() error { return nil }
