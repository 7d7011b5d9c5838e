package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/querydeck/querydeck/internal/cache"
	"github.com/querydeck/querydeck/internal/view"
)

const defaultMaxEntries = 512

type Config struct {
	// MaxEntries bounds the ephemeral namespace; the least recently used
	// entry is evicted when the bound is exceeded. Saved entries are not
	// counted against the bound.
	MaxEntries int
}

// Store is a process-local cache store. All mutation is serialized behind
// one mutex; entries are copied on the way in and out so callers can never
// mutate a cached result in place.
type Store struct {
	mu        sync.Mutex
	ephemeral map[string]*list.Element
	order     *list.List
	saved     map[string]cache.Entry
	max       int
	clock     view.Clock
}

type lruNode struct {
	key   string
	entry cache.Entry
}

func New(cfg Config, clock view.Clock) *Store {
	max := cfg.MaxEntries
	if max <= 0 {
		max = defaultMaxEntries
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		ephemeral: make(map[string]*list.Element),
		order:     list.New(),
		saved:     make(map[string]cache.Entry),
		max:       max,
		clock:     clock,
	}
}

func (s *Store) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.saved[key]; ok {
		if !cache.Valid(entry, s.clock()) {
			delete(s.saved, key)
			return cache.Entry{}, false, nil
		}
		return cloneEntry(entry), true, nil
	}

	elem, ok := s.ephemeral[key]
	if !ok {
		return cache.Entry{}, false, nil
	}
	node := elem.Value.(*lruNode)
	if !cache.Valid(node.entry, s.clock()) {
		s.removeEphemeral(key, elem)
		return cache.Entry{}, false, nil
	}
	s.order.MoveToFront(elem)
	return cloneEntry(node.entry), true, nil
}

func (s *Store) Put(_ context.Context, entry cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneEntry(entry)
	if entry.Saved {
		s.saved[entry.Key] = stored
		// The same key cannot live in both namespaces.
		if elem, ok := s.ephemeral[entry.Key]; ok {
			s.removeEphemeral(entry.Key, elem)
		}
		return nil
	}

	if elem, ok := s.ephemeral[entry.Key]; ok {
		elem.Value.(*lruNode).entry = stored
		s.order.MoveToFront(elem)
		return nil
	}
	elem := s.order.PushFront(&lruNode{key: entry.Key, entry: stored})
	s.ephemeral[entry.Key] = elem
	for len(s.ephemeral) > s.max {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.removeEphemeral(oldest.Value.(*lruNode).key, oldest)
	}
	return nil
}

func (s *Store) Invalidate(_ context.Context, resourceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, elem := range s.ephemeral {
		if elem.Value.(*lruNode).entry.ResourceID == resourceID {
			s.removeEphemeral(key, elem)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, elem := range s.ephemeral {
		if !cache.Valid(elem.Value.(*lruNode).entry, now) {
			s.removeEphemeral(key, elem)
			removed++
		}
	}
	for key, entry := range s.saved {
		if !cache.Valid(entry, now) {
			delete(s.saved, key)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) ListSaved(_ context.Context) ([]cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]cache.Entry, 0, len(s.saved))
	for _, entry := range s.saved {
		entries = append(entries, cloneEntry(entry))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.ephemeral[key]; ok {
		s.removeEphemeral(key, elem)
	}
	delete(s.saved, key)
	return nil
}

func (s *Store) MarkArchived(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.saved[key]
	if !ok {
		return nil
	}
	archivedAt := at
	entry.ArchivedAt = &archivedAt
	s.saved[key] = entry
	return nil
}

// Len reports the ephemeral entry count, for tests and metrics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ephemeral)
}

func (s *Store) removeEphemeral(key string, elem *list.Element) {
	s.order.Remove(elem)
	delete(s.ephemeral, key)
}

func cloneEntry(entry cache.Entry) cache.Entry {
	out := entry
	out.Parameters = append([]view.Parameter(nil), entry.Parameters...)
	if entry.Filters != nil {
		out.Filters = make(map[string]string, len(entry.Filters))
		for column, predicate := range entry.Filters {
			out.Filters[column] = predicate
		}
	}
	out.Result = entry.Result.Clone()
	if entry.ExpiresAt != nil {
		expiresAt := *entry.ExpiresAt
		out.ExpiresAt = &expiresAt
	}
	if entry.ArchivedAt != nil {
		archivedAt := *entry.ArchivedAt
		out.ArchivedAt = &archivedAt
	}
	return out
}
