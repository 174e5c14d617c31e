package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
	"github.com/fyrsmithlabs/pulsed/internal/logging"
	"github.com/fyrsmithlabs/pulsed/internal/notify"
)

type recordingTarget struct {
	mu    sync.Mutex
	calls []string
	gate  chan struct{}
	err   error
}

func (r *recordingTarget) Refresh(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	r.calls = append(r.calls, sessionID)
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	return r.err
}

func (r *recordingTarget) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func runRefresher(t *testing.T, r *Refresher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRefresher_Coalesces(t *testing.T) {
	target := &recordingTarget{}
	r := NewRefresher(target, 1, nil)

	r.Enqueue("a")
	r.Enqueue("a")
	r.Enqueue("b")
	r.Enqueue("a")
	assert.Equal(t, 2, r.Pending())

	runRefresher(t, r)
	require.Eventually(t, func() bool { return len(target.seen()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, target.seen())
	assert.Zero(t, r.Pending())
}

func TestRefresher_HandleNotification(t *testing.T) {
	target := &recordingTarget{}
	r := NewRefresher(target, 2, nil)
	runRefresher(t, r)

	r.Handle(context.Background(), notify.StoredEvent{EventID: "e1", SessionID: "sess_1"})
	require.Eventually(t, func() bool { return len(target.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "sess_1", target.seen()[0])
}

func TestRefresher_RequeuesDuringRefresh(t *testing.T) {
	target := &recordingTarget{gate: make(chan struct{})}
	r := NewRefresher(target, 1, nil)
	runRefresher(t, r)

	r.Enqueue("a")
	require.Eventually(t, func() bool { return len(target.seen()) == 1 }, time.Second, 5*time.Millisecond)

	// Arrives while "a" is being refreshed, so a second pass is needed.
	r.Enqueue("a")
	r.Enqueue("a")
	assert.Equal(t, 1, r.Pending())

	target.mu.Lock()
	gate := target.gate
	target.gate = nil
	target.mu.Unlock()
	close(gate)

	require.Eventually(t, func() bool { return len(target.seen()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "a"}, target.seen())
}

func TestRefresher_LogsFailures(t *testing.T) {
	logs := logging.NewTestLogger()
	target := &recordingTarget{err: errors.New("disk on fire")}
	r := NewRefresher(target, 1, logs.Underlying())
	runRefresher(t, r)

	r.Enqueue("sess_1")
	require.Eventually(t, func() bool {
		return logs.FilterMessage("analytics refresh failed").Len() == 1
	}, time.Second, 5*time.Millisecond)
	logs.AssertLogged(t, zapcore.WarnLevel, "analytics refresh failed")
}

func TestRefresher_StopsOnCancel(t *testing.T) {
	target := &recordingTarget{gate: make(chan struct{})}
	r := NewRefresher(target, 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	r.Enqueue("a")
	r.Enqueue("b")
	require.Eventually(t, func() bool { return len(target.seen()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRefresher_WarmsServiceCache(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "sess_1", eventstore.TypeFileModified, base.Add(-time.Minute), `{"n":1}`)

	bus := notify.NewLocalBus(16, nil)
	defer bus.Close()
	r := NewRefresher(f.svc, 1, nil)
	unsubscribe, err := bus.Subscribe(r.Handle)
	require.NoError(t, err)
	defer unsubscribe()
	runRefresher(t, r)

	require.NoError(t, bus.Publish(context.Background(), notify.StoredEvent{SessionID: "sess_1"}))
	require.Eventually(t, func() bool { return f.svc.energy.len() == 1 }, time.Second, 5*time.Millisecond)

	res, err := f.svc.GetEnergy(context.Background(), "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceCached, res.Source)
}
