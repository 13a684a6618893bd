package push

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"calnotify/internal/fanout"
	"calnotify/pkg/logx"
)

// Log is a dry-run transport: it logs each delivery instead of sending it.
// Addresses containing whitespace are rejected as invalid.
type Log struct {
	log  logx.Logger
	sent atomic.Uint64
}

func NewLog(log logx.Logger) *Log { return &Log{log: log} }

func (l *Log) Deliver(ctx context.Context, t fanout.Target, title, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(string(t)) == "" || strings.ContainsAny(string(t), " \t\r\n") {
		return fmt.Errorf("log transport: %q: %w", t, fanout.ErrInvalidTarget)
	}
	l.sent.Add(1)
	l.log.Info("reminder delivered", logx.String("target", string(t)), logx.String("title", title), logx.String("body", body))
	return nil
}

// Sent returns how many deliveries succeeded.
func (l *Log) Sent() uint64 { return l.sent.Load() }
