package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"calnotify/internal/fanout"
	"calnotify/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveTarget(ctx context.Context, addr string) error {
	addr, err := normalizeAddr(addr)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO targets(addr, created_at) VALUES(?, ?) ON CONFLICT(addr) DO NOTHING`,
		addr, time.Now().UnixMilli(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM retired_targets WHERE addr = ?`, addr); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteTarget(ctx context.Context, addr string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE addr = ?`, strings.TrimSpace(addr))
	return err
}

func (s *sqliteStore) Targets(ctx context.Context) ([]fanout.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT addr FROM targets ORDER BY addr`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fanout.Target
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, fanout.Target(addr))
	}
	return out, rows.Err()
}

func (s *sqliteStore) Retire(ctx context.Context, t fanout.Target) error {
	addr, err := normalizeAddr(string(t))
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE addr = ?`, addr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO retired_targets(addr, retired_at) VALUES(?, ?)
		 ON CONFLICT(addr) DO UPDATE SET retired_at = excluded.retired_at`,
		addr, time.Now().UnixMilli(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Retired(ctx context.Context) ([]RetiredTarget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT addr, retired_at FROM retired_targets ORDER BY addr`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RetiredTarget
	for rows.Next() {
		var (
			addr string
			ms   int64
		)
		if err := rows.Scan(&addr, &ms); err != nil {
			return nil, err
		}
		out = append(out, RetiredTarget{Target: fanout.Target(addr), RetiredAt: time.UnixMilli(ms).UTC()})
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutEvent(ctx context.Context, e Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id, title, starts_at, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, starts_at = excluded.starts_at, updated_at = excluded.updated_at`,
		e.ID, e.Title, e.StartsAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetEvent(ctx context.Context, id string) (Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, starts_at, updated_at FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return e, err
}

func (s *sqliteStore) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpcomingEvents(ctx context.Context, since time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, starts_at, updated_at FROM events WHERE starts_at >= ? ORDER BY starts_at, id`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (Event, error) {
	var (
		e                Event
		starts, modified int64
	)
	if err := sc.Scan(&e.ID, &e.Title, &starts, &modified); err != nil {
		return Event{}, err
	}
	e.StartsAt = time.UnixMilli(starts).UTC()
	e.UpdatedAt = time.UnixMilli(modified).UTC()
	return e, nil
}
