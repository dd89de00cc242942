package scanner

import (
	"container/list"
	"sync"
)

// SeenSet is a bounded set that forgets the least recently touched key when
// full.
type SeenSet struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

// NewSeenSet creates a set holding at most capacity keys.
func NewSeenSet(capacity int) *SeenSet {
	if capacity < 1 {
		capacity = 1
	}
	return &SeenSet{cap: capacity, order: list.New(), items: make(map[string]*list.Element, capacity)}
}

// Add inserts key and reports whether it was new. A known key is refreshed.
func (s *SeenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.order.MoveToFront(el)
		return false
	}
	s.items[key] = s.order.PushFront(key)
	if s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
	return true
}

// Contains reports whether key is in the set without refreshing it.
func (s *SeenSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// Len returns the number of keys held.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
