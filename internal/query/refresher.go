package query

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pulsed/internal/notify"
)

// Refreshable recomputes cached analytics for a session.
type Refreshable interface {
	Refresh(ctx context.Context, sessionID string) error
}

// Refresher recomputes analytics off the write path. Notifications for a
// session that is already queued coalesce into one refresh.
type Refresher struct {
	target  Refreshable
	workers int
	logger  *zap.Logger

	mu      sync.Mutex
	queue   []string
	pending map[string]bool
	wake    chan struct{}
}

// NewRefresher creates a refresher with the given number of workers.
func NewRefresher(target Refreshable, workers int, logger *zap.Logger) *Refresher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		target:  target,
		workers: workers,
		logger:  logger,
		pending: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

// Handle queues a refresh for the notification's session. It never blocks
// and can be passed directly to notify.Subscriber.Subscribe.
func (r *Refresher) Handle(_ context.Context, ev notify.StoredEvent) {
	r.Enqueue(ev.SessionID)
}

// Enqueue queues a refresh for sessionID unless one is already queued.
func (r *Refresher) Enqueue(sessionID string) {
	r.mu.Lock()
	if !r.pending[sessionID] {
		r.pending[sessionID] = true
		r.queue = append(r.queue, sessionID)
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Refresher) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued sessions.
func (r *Refresher) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run processes the queue until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}
	wg.Wait()
}

func (r *Refresher) work(ctx context.Context) {
	for {
		session, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := r.target.Refresh(ctx, session); err != nil && ctx.Err() == nil {
			r.logger.Warn("analytics refresh failed",
				zap.String("session_id", session),
				zap.Error(err))
		}
	}
}

// next pops the oldest queued session. The session leaves the pending set
// before its refresh runs, so a notification arriving mid-refresh queues
// another pass.
func (r *Refresher) next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", false
	}
	session := r.queue[0]
	r.queue = r.queue[1:]
	delete(r.pending, session)
	if len(r.queue) > 0 {
		r.signal()
	}
	return session, true
}
