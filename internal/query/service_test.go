package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
	"github.com/fyrsmithlabs/pulsed/internal/logging"
	"github.com/fyrsmithlabs/pulsed/internal/vault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// faultyStore fails or blocks QueryWindow on demand.
type faultyStore struct {
	*eventstore.MemoryStore

	mu    sync.Mutex
	err   error
	block bool
	reads atomic.Int32
}

func (s *faultyStore) fail(err error, block bool) {
	s.mu.Lock()
	s.err, s.block = err, block
	s.mu.Unlock()
}

func (s *faultyStore) QueryWindow(ctx context.Context, sessionID string, from, to time.Time) ([]eventstore.Event, error) {
	s.reads.Add(1)
	s.mu.Lock()
	err, block := s.err, s.block
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.QueryWindow(ctx, sessionID, from, to)
}

type fixture struct {
	svc   *Service
	store *faultyStore
	vault *vault.Vault
	clock *clock
	logs  *logging.TestLogger
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	c := &clock{t: base}

	ring, err := vault.GenerateKeyRing()
	require.NoError(t, err)
	v, err := vault.New(ring)
	require.NoError(t, err)

	f := &fixture{
		store: &faultyStore{MemoryStore: eventstore.NewMemoryStore(eventstore.Options{Now: c.now})},
		vault: v,
		clock: c,
		logs:  logging.NewTestLogger(),
	}
	opts := Options{
		AnalysisWindow: time.Hour,
		ReadTimeout:    50 * time.Millisecond,
		WriteTimeout:   time.Second,
		CacheTTL:       30 * time.Second,
		Now:            c.now,
		Logger:         f.logs.Underlying(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.svc, err = NewService(f.store, v, opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) add(t *testing.T, session, typ string, ts time.Time, payload string) {
	t.Helper()
	ct, err := f.vault.Encrypt([]byte(payload))
	require.NoError(t, err)
	_, err = f.store.Append(context.Background(), &eventstore.Event{
		SessionID:   session,
		Agent:       eventstore.AgentEditor,
		Type:        typ,
		Payload:     ct,
		Timestamp:   ts,
		FilePath:    "main.go",
		Fingerprint: f.vault.Fingerprint([]byte(payload)),
	})
	require.NoError(t, err)
}

func TestGetWindow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.add(t, "sess_1", eventstore.TypeFileModified, base.Add(-2*time.Hour), `{"old":true}`)
	f.add(t, "sess_1", eventstore.TypeFileModified, base.Add(-10*time.Minute), `{"n":1}`)
	f.add(t, "sess_1", eventstore.TypeTestPassed, base.Add(-5*time.Minute), `{"n":2}`)
	_, err := f.store.Append(ctx, &eventstore.Event{
		SessionID: "sess_1",
		Agent:     eventstore.AgentTerminal,
		Type:      eventstore.TypeCommandExecuted,
		Payload:   []byte("not ciphertext"),
		Timestamp: base.Add(-time.Minute),
	})
	require.NoError(t, err)

	w, err := f.svc.GetWindow(ctx, "sess_1", 60)
	require.NoError(t, err)
	require.Len(t, w.Events, 3)
	assert.Equal(t, base.Add(-time.Hour), w.From)
	assert.Equal(t, base, w.To)

	assert.JSONEq(t, `{"n":1}`, string(w.Events[0].Payload))
	assert.Equal(t, "main.go", w.Events[0].FilePath)
	assert.JSONEq(t, `{"n":2}`, string(w.Events[1].Payload))
	assert.Equal(t, eventstore.TypeTestPassed, w.Events[1].Type)

	assert.True(t, w.Events[2].PayloadUnavailable)
	assert.Nil(t, w.Events[2].Payload)
	assert.Equal(t, "terminal", w.Events[2].Agent)
	f.logs.AssertLogged(t, zapcore.WarnLevel, "payloads unavailable in window")
}

func TestGetWindow_Empty(t *testing.T) {
	f := newFixture(t, nil)
	w, err := f.svc.GetWindow(context.Background(), "nobody", 30)
	require.NoError(t, err)
	assert.NotNil(t, w.Events)
	assert.Empty(t, w.Events)
}

func TestGetWindow_Arguments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		session string
		minutes int
		field   string
	}{
		{"zero minutes", "sess_1", 0, "window_minutes"},
		{"over seven days", "sess_1", MaxWindowMinutes + 1, "window_minutes"},
		{"negative", "sess_1", -5, "window_minutes"},
		{"bad session", "sess.1", 10, "session_id"},
		{"empty session", "", 10, "session_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.GetWindow(ctx, tt.session, tt.minutes)
			require.ErrorIs(t, err, ErrInvalidArgument)
			var ae *ArgumentError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.field, ae.Field)
		})
	}

	_, err := f.svc.GetWindow(ctx, "sess_1", MaxWindowMinutes)
	assert.NoError(t, err)
}

func TestGetWindow_StoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.fail(&eventstore.TransientError{Op: "query", Err: errors.New("locked")}, false)

	_, err := f.svc.GetWindow(context.Background(), "sess_1", 10)
	require.Error(t, err)
	assert.True(t, eventstore.IsTransient(err))
}

func TestAnalytics_CachedWithinTTL(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.add(t, "sess_1", eventstore.TypeFileModified, base.Add(-time.Minute), `{"n":1}`)

	first, err := f.svc.GetFlowState(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, first.Source)
	assert.Equal(t, 1, first.EventCount)
	assert.Equal(t, base, first.ComputedAt)

	f.add(t, "sess_1", eventstore.TypeFileModified, base, `{"n":2}`)
	f.clock.advance(10 * time.Second)

	second, err := f.svc.GetFlowState(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceCached, second.Source)
	assert.Equal(t, 1, second.EventCount)
	assert.Equal(t, int32(1), f.store.reads.Load())

	f.clock.advance(30 * time.Second)
	third, err := f.svc.GetFlowState(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, third.Source)
	assert.Equal(t, 2, third.EventCount)
}

func TestAnalytics_NoCache(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CacheTTL = 0 })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.svc.GetEnergy(ctx, "sess_1")
		require.NoError(t, err)
		assert.Equal(t, SourceLive, res.Source)
	}
	assert.Equal(t, int32(3), f.store.reads.Load())
}

func TestAnalytics_DegradesToCached(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.add(t, "sess_1", eventstore.TypeFileModified, base.Add(-time.Minute), `{"n":1}`)

	live, err := f.svc.GetFlowState(ctx, "sess_1")
	require.NoError(t, err)
	require.Equal(t, SourceLive, live.Source)

	f.store.fail(&eventstore.TransientError{Op: "query", Err: errors.New("database is locked")}, false)
	f.clock.advance(time.Minute)

	res, err := f.svc.GetFlowState(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceCached, res.Source)
	assert.Equal(t, live.FlowSnapshot, res.FlowSnapshot)
	f.logs.AssertLogged(t, zapcore.WarnLevel, "analytics read degraded")
}

func TestAnalytics_DegradesToDefault(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.fail(nil, true)

	flow, err := f.svc.GetFlowState(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, flow.Source)
	assert.False(t, flow.IsInFlow)
	assert.Zero(t, flow.EventCount)
	assert.Equal(t, base, flow.ComputedAt)

	stuck, err := f.svc.GetStuckSignal(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, stuck.Source)
	assert.False(t, stuck.Detected)
	assert.NotNil(t, stuck.Suggestions)

	energy, err := f.svc.GetEnergy(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, energy.Source)
	assert.Equal(t, 50.0, energy.Score)
	assert.Equal(t, "C-", energy.Grade)

	br, err := f.svc.GetBreakSuggestion(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, br.Source)
	assert.Nil(t, br.Suggestion)
}

func TestAnalytics_FallbackExpires(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.GetStuckSignal(ctx, "sess_1")
	require.NoError(t, err)

	f.store.fail(&eventstore.TransientError{Op: "query", Err: errors.New("busy")}, false)
	f.clock.advance(time.Hour)

	res, err := f.svc.GetStuckSignal(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, res.Source)
}

func TestAnalytics_PermanentErrorReturned(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("disk on fire")
	f.store.fail(boom, false)

	_, err := f.svc.GetFlowState(context.Background(), "sess_1")
	require.ErrorIs(t, err, boom)
}

func TestAnalytics_CallerCancellationNotDegraded(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ReadTimeout = time.Minute })
	f.store.fail(nil, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.GetEnergy(ctx, "sess_1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestAnalytics_InvalidSession(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.GetBreakSuggestion(context.Background(), "a b")
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, f.store.reads.Load())
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.add(t, "sess_1", eventstore.TypeFileModified, base.Add(-time.Minute), `{"n":1}`)

	_, err := f.svc.GetFlowState(ctx, "sess_1")
	require.NoError(t, err)
	f.add(t, "sess_1", eventstore.TypeFileModified, base, `{"n":2}`)

	require.NoError(t, f.svc.Refresh(ctx, "sess_1"))

	res, err := f.svc.GetFlowState(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceCached, res.Source)
	assert.Equal(t, 2, res.EventCount)

	energy, err := f.svc.GetEnergy(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceCached, energy.Source)
}

func TestRefresh_KeepsFallbackWhenDegraded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.add(t, "sess_1", eventstore.TypeFileModified, base.Add(-time.Minute), `{"n":1}`)

	_, err := f.svc.GetFlowState(ctx, "sess_1")
	require.NoError(t, err)

	f.store.fail(&eventstore.TransientError{Op: "query", Err: errors.New("busy")}, false)
	require.NoError(t, f.svc.Refresh(ctx, "sess_1"))

	f.clock.advance(time.Minute)
	res, err := f.svc.GetFlowState(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceCached, res.Source)
	assert.Equal(t, 1, res.EventCount)
}

func TestRefresh_ReportsErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.store.fail(errors.New("disk on fire"), false)
	assert.Error(t, f.svc.Refresh(context.Background(), "sess_1"))
	assert.ErrorIs(t, f.svc.Refresh(context.Background(), "bad.id"), ErrInvalidArgument)
}

func TestWipe(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.add(t, "sess_1", eventstore.TypeFileModified, base.Add(-2*time.Minute), `{"n":1}`)
	f.add(t, "sess_1", eventstore.TypeFileModified, base.Add(-time.Minute), `{"n":2}`)
	f.add(t, "sess_2", eventstore.TypeFileModified, base.Add(-time.Minute), `{"n":1}`)

	flow, err := f.svc.GetFlowState(ctx, "sess_1")
	require.NoError(t, err)
	require.Equal(t, 2, flow.EventCount)

	t.Run("requires confirmation", func(t *testing.T) {
		n, err := f.svc.Wipe(ctx, "sess_1", false)
		require.ErrorIs(t, err, ErrConfirmationRequired)
		assert.Zero(t, n)
		count, err := f.store.Count(ctx, "sess_1")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("deletes events and cached snapshots", func(t *testing.T) {
		n, err := f.svc.Wipe(ctx, "sess_1", true)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		count, err := f.store.Count(ctx, "sess_1")
		require.NoError(t, err)
		assert.Zero(t, count)
		other, err := f.store.Count(ctx, "sess_2")
		require.NoError(t, err)
		assert.Equal(t, 1, other)

		res, err := f.svc.GetFlowState(ctx, "sess_1")
		require.NoError(t, err)
		assert.Equal(t, SourceLive, res.Source)
		assert.Zero(t, res.EventCount)
		f.logs.AssertLogged(t, zapcore.InfoLevel, "session wiped")
	})

	t.Run("invalid session", func(t *testing.T) {
		_, err := f.svc.Wipe(ctx, "../etc", true)
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
}

// gatedStore parks the first QueryWindow after reading until released.
type gatedStore struct {
	*eventstore.MemoryStore
	armed   atomic.Bool
	started chan struct{}
	release chan struct{}
}

func (s *gatedStore) QueryWindow(ctx context.Context, sessionID string, from, to time.Time) ([]eventstore.Event, error) {
	events, err := s.MemoryStore.QueryWindow(ctx, sessionID, from, to)
	if s.armed.CompareAndSwap(true, false) {
		close(s.started)
		<-s.release
	}
	return events, err
}

func TestWipe_DiscardsRacingComputation(t *testing.T) {
	c := &clock{t: base}
	ring, err := vault.GenerateKeyRing()
	require.NoError(t, err)
	v, err := vault.New(ring)
	require.NoError(t, err)

	store := &gatedStore{
		MemoryStore: eventstore.NewMemoryStore(eventstore.Options{Now: c.now}),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	ct, err := v.Encrypt([]byte(`{}`))
	require.NoError(t, err)
	_, err = store.Append(context.Background(), &eventstore.Event{
		SessionID: "sess_1",
		Agent:     eventstore.AgentEditor,
		Type:      eventstore.TypeFileModified,
		Payload:   ct,
		Timestamp: base.Add(-time.Minute),
	})
	require.NoError(t, err)

	svc, err := NewService(store, v, Options{CacheTTL: time.Minute, ReadTimeout: time.Second, Now: c.now})
	require.NoError(t, err)
	store.armed.Store(true)

	done := make(chan *FlowResult, 1)
	go func() {
		res, err := svc.GetFlowState(context.Background(), "sess_1")
		assert.NoError(t, err)
		done <- res
	}()

	<-store.started
	_, err = svc.Wipe(context.Background(), "sess_1", true)
	require.NoError(t, err)
	close(store.release)

	stale := <-done
	require.NotNil(t, stale)
	assert.Equal(t, 1, stale.EventCount)
	assert.Zero(t, svc.flow.len(), "pre-wipe snapshot must not be cached")

	res, err := svc.GetFlowState(context.Background(), "sess_1")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.Source)
	assert.Zero(t, res.EventCount)
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	ring, err := vault.GenerateKeyRing()
	require.NoError(t, err)
	v, err := vault.New(ring)
	require.NoError(t, err)

	_, err = NewService(nil, v, Options{})
	assert.Error(t, err)
	_, err = NewService(eventstore.NewMemoryStore(eventstore.Options{}), nil, Options{})
	assert.Error(t, err)

	svc, err := NewService(eventstore.NewMemoryStore(eventstore.Options{}), v, Options{
		AnalysisWindow: 2 * time.Hour,
		BreakLookback:  time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, svc.opts.BreakLookback)
	assert.NotZero(t, svc.opts.Patterns.FocusThreshold)
}
