package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"calnotify/internal/eventbus"
	"calnotify/pkg/logx"
)

// ErrInvalidTarget marks a delivery failure that will never succeed for the
// target (unknown or revoked address). Transports wrap it; Dispatch retires
// the target when it sees it.
var ErrInvalidTarget = errors.New("invalid notification target")

// Target is an opaque delivery address.
type Target string

// Message is one reminder to deliver to every current target.
type Message struct {
	Key   string
	Title string
	Body  string
}

// TargetProvider returns the full current target set.
type TargetProvider interface {
	Targets(ctx context.Context) ([]Target, error)
}

// Transport delivers one message to one target.
type Transport interface {
	Deliver(ctx context.Context, target Target, title, body string) error
}

// Retirer drops a permanently invalid target from future resolutions.
type Retirer interface {
	Retire(ctx context.Context, target Target) error
}

type Config struct {
	// Workers caps concurrent deliveries per dispatch.
	Workers int
	// RatePerSec limits delivery starts across all dispatches; <=0 disables.
	RatePerSec float64
	// DeliveryTimeout bounds a single Deliver call.
	DeliveryTimeout time.Duration
}

const (
	defaultWorkers         = 8
	defaultDeliveryTimeout = 15 * time.Second
	maxReports             = 64
	maxFailuresPerReport   = 100
)

// Failure is one target that did not receive the message.
type Failure struct {
	Target    Target `json:"target"`
	Err       string `json:"err"`
	Permanent bool   `json:"permanent"`
}

// Report summarizes one dispatch.
type Report struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	Targets   int           `json:"targets"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Retired   int           `json:"retired"`
	Failures  []Failure     `json:"failures,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Took      time.Duration `json:"took"`
}

type Service struct {
	mu sync.Mutex

	cfg       Config
	provider  TargetProvider
	transport Transport
	retirer   Retirer
	limiter   *rate.Limiter

	log     logx.Logger
	sampler *logx.Sampler
	bus     eventbus.Bus

	reportsMu sync.Mutex
	reports   []Report
}

type result struct {
	target  Target
	err     error
	retired bool
}
