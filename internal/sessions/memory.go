package sessions

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps records in process. Suitable for a single daemon.
type MemoryBackend struct {
	mu       sync.Mutex
	sessions map[string]map[string]ClientRecord
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]map[string]ClientRecord)}
}

func (b *MemoryBackend) Upsert(_ context.Context, rec ClientRecord) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.sessions[rec.SessionID]
	if clients == nil {
		clients = make(map[string]ClientRecord)
		b.sessions[rec.SessionID] = clients
	}
	if cur, ok := clients[rec.ClientID]; ok {
		if cur.LastHeartbeat.After(rec.LastHeartbeat) {
			return false, nil
		}
		rec.FirstSeen = cur.FirstSeen
	}
	rec.IsActive = false
	clients[rec.ClientID] = rec
	return true, nil
}

func (b *MemoryBackend) List(_ context.Context, sessionID string) ([]ClientRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.sessions[sessionID]
	out := make([]ClientRecord, 0, len(clients))
	for _, rec := range clients {
		out = append(out, rec)
	}
	return out, nil
}

func (b *MemoryBackend) Delete(_ context.Context, sessionID, clientID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients := b.sessions[sessionID]; clients != nil {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(b.sessions, sessionID)
		}
	}
	return nil
}

func (b *MemoryBackend) Prune(_ context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for sid, clients := range b.sessions {
		for cid, rec := range clients {
			if rec.LastHeartbeat.Before(cutoff) {
				delete(clients, cid)
				n++
			}
		}
		if len(clients) == 0 {
			delete(b.sessions, sid)
		}
	}
	return n, nil
}

func (b *MemoryBackend) Close() error { return nil }
