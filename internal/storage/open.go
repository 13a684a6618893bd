package storage

import (
	"errors"
	"fmt"
	"strings"

	"calnotify/pkg/logx"
)

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func normalizeAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("target address required")
	}
	return addr, nil
}

func validateEvent(e Event) error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("event id required")
	}
	if e.StartsAt.IsZero() {
		return errors.New("event start time required")
	}
	return nil
}
