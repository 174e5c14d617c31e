package ingest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long an unused per-session limiter is kept.
const limiterIdle = 10 * time.Minute

type sessionLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiters holds one token bucket per session.
type limiters struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	sessions  map[string]*sessionLimiter
	lastSweep time.Time
}

func newLimiters(perSecond float64, burst int) *limiters {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiters{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		sessions: make(map[string]*sessionLimiter),
	}
}

// allow takes one token for sessionID at now. A nil receiver allows everything.
func (l *limiters) allow(sessionID string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdle {
		for id, s := range l.sessions {
			if now.Sub(s.lastSeen) > limiterIdle {
				delete(l.sessions, id)
			}
		}
		l.lastSweep = now
	}

	s, ok := l.sessions[sessionID]
	if !ok {
		s = &sessionLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.sessions[sessionID] = s
	}
	s.lastSeen = now
	return s.lim.AllowN(now, 1)
}

func (l *limiters) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
