package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"calnotify/internal/fanout"
	"calnotify/pkg/logx"
)

// fileStore keeps the whole state in memory and persists it as:
//   - <prefix>.snapshot.json (compacted state)
//   - <prefix>.journal.jsonl (mutations since the snapshot)
//
// The journal is folded into the snapshot every compactEvery writes and on
// Close.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	st           *state
	snapshotPath string
	journal      *os.File
	writes       int
}

const compactEvery = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, st: newState(), snapshotPath: prefix + ".snapshot.json"}
	if err := loadSnapshot(s.snapshotPath, s.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	n, err := replayJournal(journalPath, s.st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("replayed", n), logx.Int("targets", len(s.st.Targets)), logx.Int("events", len(s.st.Events)))
	return s, nil
}

// commit journals rec and then applies it. State is left untouched when the
// journal write fails.
func (s *fileStore) commit(rec record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, errors.New("file store closed")
	}
	if !s.st.changes(rec) {
		return false, nil
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return false, fmt.Errorf("journal %s: %w", rec.Op, err)
	}
	s.st.apply(rec)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("file store compaction failed", logx.Err(err))
		}
	}
	return true, nil
}

func (s *fileStore) SaveTarget(_ context.Context, addr string) error {
	addr, err := normalizeAddr(addr)
	if err != nil {
		return err
	}
	_, err = s.commit(record{Op: opSaveTarget, Target: addr, At: time.Now().UTC()})
	return err
}

func (s *fileStore) DeleteTarget(_ context.Context, addr string) error {
	_, err := s.commit(record{Op: opDeleteTarget, Target: strings.TrimSpace(addr)})
	return err
}

func (s *fileStore) Targets(context.Context) ([]fanout.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.targets(), nil
}

func (s *fileStore) Retire(_ context.Context, t fanout.Target) error {
	addr, err := normalizeAddr(string(t))
	if err != nil {
		return err
	}
	_, err = s.commit(record{Op: opRetire, Target: addr, At: time.Now().UTC()})
	return err
}

func (s *fileStore) Retired(context.Context) ([]RetiredTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.retired(), nil
}

func (s *fileStore) PutEvent(_ context.Context, e Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := s.commit(record{Op: opPutEvent, Event: &e, At: e.UpdatedAt})
	return err
}

func (s *fileStore) GetEvent(_ context.Context, id string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.Events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return e, nil
}

func (s *fileStore) DeleteEvent(_ context.Context, id string) error {
	changed, err := s.commit(record{Op: opDeleteEvent, Target: id, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

func (s *fileStore) UpcomingEvents(_ context.Context, since time.Time) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.upcoming(since), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st *state) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap state
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for k, v := range snap.Targets {
		st.Targets[k] = v
	}
	for k, v := range snap.Retired {
		st.Retired[k] = v
	}
	for k, v := range snap.Events {
		st.Events[k] = v
	}
	return nil
}

// replayJournal applies every decodable record; a torn last line is skipped.
func replayJournal(path string, st *state) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		st.apply(rec)
		n++
	}
	return n, sc.Err()
}
