package feed

import (
	"sync"

	"nft-pulse/internal/pipeline/monitor"
)

// Item is anything the feed can hold; Key is the dedup identity.
type Item interface {
	Key() string
}

// Window is the read-side view handed to the rendering layer.
type Window[T Item] struct {
	Visible   []T
	TotalSeen int
	HasMore   bool
}

// Store is a capped, newest-first sequence with a separate reveal window.
// The cap is the backpressure mechanism against long sessions and bursts;
// the reveal window only grows through Grow, so "load more" stays stable
// while live items keep arriving.
type Store[T Item] struct {
	mu        sync.Mutex
	cap       int
	display   int
	items     []T
	keys      map[string]struct{}
	totalSeen int
}

// NewStore 创建有界存储,pageSize 为初始展示条数
func NewStore[T Item](capacity, pageSize int) *Store[T] {
	if capacity <= 0 {
		capacity = 500
	}
	if pageSize <= 0 {
		pageSize = 25
	}
	return &Store[T]{
		cap:     capacity,
		display: pageSize,
		keys:    make(map[string]struct{}),
	}
}

// Append prepends rec unless its key already exists anywhere in the sequence.
// Returns true on a genuine insert.
func (s *Store[T]) Append(rec T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.keys[rec.Key()]; dup {
		return false
	}

	s.items = append([]T{rec}, s.items...)
	s.keys[rec.Key()] = struct{}{}
	s.totalSeen++
	s.evictLocked()
	return true
}

// Reset replaces the backing sequence with recs (deduplicated in order,
// truncated at the cap) and restarts the seen counter at the distinct count.
func (s *Store[T]) Reset(recs []T) {
	s.ResetWithTotal(recs, 0)
}

// ResetWithTotal is Reset with an authoritative total from the snapshot
// source; the seen counter takes the larger of the two.
func (s *Store[T]) ResetWithTotal(recs []T, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = s.items[:0]
	s.keys = make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if _, dup := s.keys[rec.Key()]; dup {
			continue
		}
		s.items = append(s.items, rec)
		s.keys[rec.Key()] = struct{}{}
	}

	s.totalSeen = len(s.items)
	if total > s.totalSeen {
		s.totalSeen = total
	}
	s.evictLocked()
}

// Grow reveals up to n more of the already-held sequence. It never extends the
// reveal past what is held: items arriving later stay behind the window until
// the next Grow.
func (s *Store[T]) Grow(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	grown := s.display + n
	if grown > len(s.items) {
		grown = len(s.items)
	}
	if grown > s.cap {
		grown = s.cap
	}
	if grown > s.display {
		s.display = grown
	}
}

// Window returns the currently revealed slice, newest first.
func (s *Store[T]) Window() Window[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	visible := s.display
	if visible > len(s.items) {
		visible = len(s.items)
	}

	out := make([]T, visible)
	copy(out, s.items[:visible])

	return Window[T]{
		Visible:   out,
		TotalSeen: s.totalSeen,
		HasMore:   visible < len(s.items),
	}
}

// Len 当前持有条数(非展示条数)
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store[T]) TotalSeen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSeen
}

// evictLocked drops the oldest entries beyond the cap. Caller holds s.mu.
func (s *Store[T]) evictLocked() {
	for len(s.items) > s.cap {
		last := s.items[len(s.items)-1]
		delete(s.keys, last.Key())
		s.items = s.items[:len(s.items)-1]
		monitor.FeedItemsEvicted.Inc()
	}
}
