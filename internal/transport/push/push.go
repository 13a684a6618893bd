// Package push holds the delivery sinks behind the reminder fan-out.
package push

import (
	"fmt"
	"strings"

	"calnotify/internal/fanout"
	"calnotify/pkg/logx"
)

// Config selects and configures the delivery sink.
type Config struct {
	Driver    string // "log" (default) or "telegram"
	Token     string
	ParseMode string // telegram: "", "HTML", "Markdown", "MarkdownV2"
}

// New builds the configured transport.
func New(cfg Config, log logx.Logger) (fanout.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLog(log), nil
	case "telegram":
		return NewTelegram(cfg, log)
	default:
		return nil, fmt.Errorf("unknown transport driver: %s", cfg.Driver)
	}
}
