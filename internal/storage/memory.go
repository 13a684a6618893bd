package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"calnotify/internal/fanout"
)

// state is the in-memory model shared by the memory and file drivers.
type state struct {
	Targets map[string]time.Time `json:"targets"`
	Retired map[string]time.Time `json:"retired"`
	Events  map[string]Event     `json:"events"`
}

func newState() *state {
	return &state{
		Targets: map[string]time.Time{},
		Retired: map[string]time.Time{},
		Events:  map[string]Event{},
	}
}

// record is one mutation. The file driver journals them.
type record struct {
	Op     string    `json:"op"`
	Target string    `json:"target,omitempty"`
	Event  *Event    `json:"event,omitempty"`
	At     time.Time `json:"at"`
}

const (
	opSaveTarget   = "target.save"
	opDeleteTarget = "target.delete"
	opRetire       = "target.retire"
	opPutEvent     = "event.put"
	opDeleteEvent  = "event.delete"
)

// changes reports whether applying rec would modify s.
func (s *state) changes(rec record) bool {
	switch rec.Op {
	case opSaveTarget:
		_, ok := s.Targets[rec.Target]
		return !ok
	case opDeleteTarget:
		_, ok := s.Targets[rec.Target]
		return ok
	case opRetire:
		return true
	case opPutEvent:
		return rec.Event != nil
	case opDeleteEvent:
		_, ok := s.Events[rec.Target]
		return ok
	}
	return false
}

// apply reports whether rec changed anything.
func (s *state) apply(rec record) bool {
	switch rec.Op {
	case opSaveTarget:
		if _, ok := s.Targets[rec.Target]; ok {
			return false
		}
		s.Targets[rec.Target] = rec.At
		delete(s.Retired, rec.Target)
	case opDeleteTarget:
		if _, ok := s.Targets[rec.Target]; !ok {
			return false
		}
		delete(s.Targets, rec.Target)
	case opRetire:
		delete(s.Targets, rec.Target)
		s.Retired[rec.Target] = rec.At
	case opPutEvent:
		if rec.Event == nil {
			return false
		}
		s.Events[rec.Event.ID] = *rec.Event
	case opDeleteEvent:
		if _, ok := s.Events[rec.Target]; !ok {
			return false
		}
		delete(s.Events, rec.Target)
	default:
		return false
	}
	return true
}

func (s *state) targets() []fanout.Target {
	out := make([]fanout.Target, 0, len(s.Targets))
	for t := range s.Targets {
		out = append(out, fanout.Target(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *state) retired() []RetiredTarget {
	out := make([]RetiredTarget, 0, len(s.Retired))
	for t, at := range s.Retired {
		out = append(out, RetiredTarget{Target: fanout.Target(t), RetiredAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

func (s *state) upcoming(since time.Time) []Event {
	out := make([]Event, 0, len(s.Events))
	for _, e := range s.Events {
		if !e.StartsAt.Before(since) {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out
}

func sortEvents(evs []Event) {
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].StartsAt.Equal(evs[j].StartsAt) {
			return evs[i].StartsAt.Before(evs[j].StartsAt)
		}
		return evs[i].ID < evs[j].ID
	})
}

type memoryStore struct {
	mu sync.Mutex
	st *state
}

// NewMemory returns a process-local store.
func NewMemory() Store { return &memoryStore{st: newState()} }

func (m *memoryStore) SaveTarget(_ context.Context, addr string) error {
	addr, err := normalizeAddr(addr)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.apply(record{Op: opSaveTarget, Target: addr, At: time.Now().UTC()})
	return nil
}

func (m *memoryStore) DeleteTarget(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.apply(record{Op: opDeleteTarget, Target: strings.TrimSpace(addr)})
	return nil
}

func (m *memoryStore) Targets(context.Context) ([]fanout.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.targets(), nil
}

func (m *memoryStore) Retire(_ context.Context, t fanout.Target) error {
	addr, err := normalizeAddr(string(t))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.apply(record{Op: opRetire, Target: addr, At: time.Now().UTC()})
	return nil
}

func (m *memoryStore) Retired(context.Context) ([]RetiredTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.retired(), nil
}

func (m *memoryStore) PutEvent(_ context.Context, e Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.apply(record{Op: opPutEvent, Event: &e, At: e.UpdatedAt})
	return nil
}

func (m *memoryStore) GetEvent(_ context.Context, id string) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.st.Events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return e, nil
}

func (m *memoryStore) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.st.apply(record{Op: opDeleteEvent, Target: id}) {
		return ErrNotFound
	}
	return nil
}

func (m *memoryStore) UpcomingEvents(_ context.Context, since time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.upcoming(since), nil
}

func (m *memoryStore) Close() error { return nil }
