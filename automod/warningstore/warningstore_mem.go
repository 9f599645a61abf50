package warningstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemWarningStore struct {
	mu       *sync.RWMutex
	nextID   uint64
	Warnings []Warning
	Now      func() time.Time
}

var _ WarningStore = (*MemWarningStore)(nil)

func NewMemWarningStore() *MemWarningStore {
	return &MemWarningStore{
		mu:       &sync.RWMutex{},
		Warnings: []Warning{},
		Now:      time.Now,
	}
}

func (s *MemWarningStore) now() time.Time {
	return s.Now().UTC()
}

func (s *MemWarningStore) Put(ctx context.Context, w *Warning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	w.ID = s.nextID
	w.IssuedAt = w.IssuedAt.UTC()
	w.ExpiresAt = w.ExpiresAt.UTC()
	s.Warnings = append(s.Warnings, *w)
	return nil
}

func (s *MemWarningStore) filter(fn func(w *Warning) bool) []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Warning{}
	for i := range s.Warnings {
		if fn(&s.Warnings[i]) {
			out = append(out, s.Warnings[i])
		}
	}
	return out
}

func (s *MemWarningStore) GetAll(ctx context.Context, subject string) ([]Warning, error) {
	return s.filter(func(w *Warning) bool {
		return w.SubjectID == subject
	}), nil
}

func (s *MemWarningStore) GetActive(ctx context.Context, subject string) ([]Warning, error) {
	now := s.now()
	return s.filter(func(w *Warning) bool {
		return w.SubjectID == subject && w.ActiveAt(now)
	}), nil
}

func (s *MemWarningStore) GetAllGrouped(ctx context.Context) (map[string][]Warning, error) {
	return groupBySubject(s.filter(func(w *Warning) bool { return true })), nil
}

func (s *MemWarningStore) GetAllActiveGrouped(ctx context.Context) (map[string][]Warning, error) {
	now := s.now()
	return groupBySubject(s.filter(func(w *Warning) bool {
		return w.ActiveAt(now)
	})), nil
}

func (s *MemWarningStore) ListSubjects(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	out := []string{}
	for _, w := range s.Warnings {
		if !seen[w.SubjectID] {
			seen[w.SubjectID] = true
			out = append(out, w.SubjectID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemWarningStore) ForceExpire(ctx context.Context, subject string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for i := range s.Warnings {
		w := &s.Warnings[i]
		if w.SubjectID == subject && w.ActiveAt(now) {
			w.ExpiresAt = now
			n++
		}
	}
	return n, nil
}
