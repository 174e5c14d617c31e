package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LocalBus is an in-process bus backed by a buffered channel. When the
// buffer is full new notifications are dropped.
type LocalBus struct {
	ch     chan StoredEvent
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewLocalBus starts a bus with the given buffer size.
func NewLocalBus(buffer int, logger *zap.Logger) *LocalBus {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &LocalBus{
		ch:       make(chan StoredEvent, buffer),
		logger:   logger,
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Publish queues ev without blocking.
func (b *LocalBus) Publish(_ context.Context, ev StoredEvent) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- ev:
		PublishedTotal.WithLabelValues("local").Inc()
		return nil
	default:
		DroppedTotal.WithLabelValues("local").Inc()
		return ErrDropped
	}
}

// Subscribe registers h for every subsequent notification.
func (b *LocalBus) Subscribe(h Handler) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return func() error {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
		return nil
	}, nil
}

// Close stops delivery. Queued notifications are discarded.
func (b *LocalBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}

func (b *LocalBus) run() {
	defer b.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.ch:
			b.mu.RLock()
			hs := make([]Handler, 0, len(b.handlers))
			for _, h := range b.handlers {
				hs = append(hs, h)
			}
			b.mu.RUnlock()
			for _, h := range hs {
				b.deliver(ctx, h, ev)
			}
		}
	}
}

func (b *LocalBus) deliver(ctx context.Context, h Handler, ev StoredEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notification handler panicked",
				zap.String("session_id", ev.SessionID),
				zap.Any("panic", r))
		}
	}()
	h(ctx, ev)
}
