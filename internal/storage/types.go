package storage

import (
	"context"
	"errors"
	"time"

	"calnotify/internal/fanout"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Event is the persisted part of a calendar event the scheduler cares about.
type Event struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"starts_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RetiredTarget records when a target was dropped as permanently invalid.
type RetiredTarget struct {
	Target    fanout.Target `json:"target"`
	RetiredAt time.Time     `json:"retired_at"`
}

// Store is the persistence API. It doubles as the fan-out's target provider
// and retirement hook.
type Store interface {
	// SaveTarget registers addr; saving an existing target is a no-op.
	SaveTarget(ctx context.Context, addr string) error
	// DeleteTarget unregisters addr; no-op when absent.
	DeleteTarget(ctx context.Context, addr string) error
	Targets(ctx context.Context) ([]fanout.Target, error)
	Retire(ctx context.Context, t fanout.Target) error
	Retired(ctx context.Context) ([]RetiredTarget, error)

	PutEvent(ctx context.Context, e Event) error
	GetEvent(ctx context.Context, id string) (Event, error)
	// DeleteEvent reports ErrNotFound when id is unknown.
	DeleteEvent(ctx context.Context, id string) error
	// UpcomingEvents lists events starting at or after since, soonest first.
	UpcomingEvents(ctx context.Context, since time.Time) ([]Event, error)

	Close() error
}
