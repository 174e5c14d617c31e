package eventstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore keeps events in per-session sorted slices. Each session has
// its own lock, so sessions never contend with each other.
type MemoryStore struct {
	opts Options

	mu         sync.RWMutex
	partitions map[string]*partition
	closed     atomic.Bool
}

type partition struct {
	mu     sync.RWMutex
	events []Event           // sorted by (Timestamp, ID)
	dedup  map[string]string // dedup key -> event ID
	keys   map[string]string // event ID -> dedup key
	dead   bool              // removed from the map; writers must re-resolve
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:       opts.withDefaults(),
		partitions: make(map[string]*partition),
	}
}

func (s *MemoryStore) partition(sessionID string, create bool) *partition {
	s.mu.RLock()
	p := s.partitions[sessionID]
	s.mu.RUnlock()
	if p != nil || !create {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p = s.partitions[sessionID]; p == nil {
		p = &partition{dedup: make(map[string]string), keys: make(map[string]string)}
		s.partitions[sessionID] = p
	}
	return p
}

func (s *MemoryStore) Append(ctx context.Context, e *Event) (AppendResult, error) {
	if s.closed.Load() {
		return AppendResult{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if err := s.opts.prepare(e); err != nil {
		return AppendResult{}, err
	}
	key := DedupKey(e, s.opts.DedupWindow)

	for {
		p := s.partition(e.SessionID, true)
		p.mu.Lock()
		if p.dead {
			// Wiped or swept away between lookup and lock.
			p.mu.Unlock()
			continue
		}
		if id, ok := p.dedup[key]; ok {
			p.mu.Unlock()
			return AppendResult{ID: id, Duplicate: true}, nil
		}
		p.insert(e.clone())
		p.dedup[key] = e.ID
		p.keys[e.ID] = key
		p.mu.Unlock()
		return AppendResult{ID: e.ID}, nil
	}
}

// insert places e in order. Appending in timestamp order is O(1) amortized.
func (p *partition) insert(e Event) {
	n := len(p.events)
	if n == 0 || !less(&e, &p.events[n-1]) {
		p.events = append(p.events, e)
		return
	}
	i := sort.Search(n, func(i int) bool { return less(&e, &p.events[i]) })
	p.events = append(p.events, Event{})
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = e
}

func (s *MemoryStore) QueryWindow(ctx context.Context, sessionID string, from, to time.Time) ([]Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := s.partition(sessionID, false)
	if p == nil {
		return []Event{}, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	start := 0
	if !from.IsZero() {
		start = sort.Search(len(p.events), func(i int) bool { return !p.events[i].Timestamp.Before(from) })
	}
	out := make([]Event, 0)
	for i := start; i < len(p.events); i++ {
		ev := &p.events[i]
		if !to.IsZero() && ev.Timestamp.After(to) {
			break
		}
		out = append(out, ev.clone())
	}
	return out, nil
}

// SweepExpired removes the expired prefix of each partition, at most
// SweepBatchSize events per lock acquisition.
func (s *MemoryStore) SweepExpired(ctx context.Context, retention time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	cutoff := s.opts.Now().Add(-retention)

	s.mu.RLock()
	ids := make([]string, 0, len(s.partitions))
	for id := range s.partitions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	total := 0
	for _, id := range ids {
		p := s.partition(id, false)
		if p == nil {
			continue
		}
		for {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			n, more := p.sweepBatch(cutoff, s.opts.SweepBatchSize)
			total += n
			if !more {
				break
			}
		}
		s.dropIfEmpty(id, p)
	}
	return total, nil
}

// sweepBatch deletes up to limit events older than cutoff. more reports
// whether another batch may be needed.
func (p *partition) sweepBatch(cutoff time.Time, limit int) (n int, more bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n = sort.Search(len(p.events), func(i int) bool { return !p.events[i].Timestamp.Before(cutoff) })
	if n > limit {
		n, more = limit, true
	}
	for i := 0; i < n; i++ {
		id := p.events[i].ID
		delete(p.dedup, p.keys[id])
		delete(p.keys, id)
	}
	remaining := copy(p.events, p.events[n:])
	clear(p.events[remaining:])
	p.events = p.events[:remaining]
	return n, more
}

func (s *MemoryStore) dropIfEmpty(id string, p *partition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partitions[id] != p {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		p.dead = true
		delete(s.partitions, id)
	}
}

func (s *MemoryStore) Wipe(ctx context.Context, sessionID string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partitions[sessionID]
	if p == nil {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.events)
	p.events = nil
	p.dedup = nil
	p.keys = nil
	p.dead = true
	delete(s.partitions, sessionID)
	return n, nil
}

func (s *MemoryStore) Count(ctx context.Context, sessionID string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if sessionID != "" {
		p := s.partition(sessionID, false)
		if p == nil {
			return 0, nil
		}
		p.mu.RLock()
		defer p.mu.RUnlock()
		return len(p.events), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, p := range s.partitions {
		p.mu.RLock()
		total += len(p.events)
		p.mu.RUnlock()
	}
	return total, nil
}

func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
