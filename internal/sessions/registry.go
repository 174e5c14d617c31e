package sessions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/pulsed/internal/sessions"

// ErrInvalidHeartbeat is wrapped by every *ValidationError from this package.
var ErrInvalidHeartbeat = errors.New("invalid heartbeat")

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid heartbeat: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidHeartbeat }

var (
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	clientIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)
)

const maxPlatformLen = 64

// Heartbeat is one sync call from a client.
type Heartbeat struct {
	SessionID string
	ClientID  string
	Platform  string

	// Timestamp is when the client sent the heartbeat. Zero means now.
	Timestamp time.Time
}

func (h Heartbeat) validate() error {
	switch {
	case !sessionIDPattern.MatchString(h.SessionID):
		return &ValidationError{Field: "session_id", Reason: "must match [A-Za-z0-9_-]{1,128}"}
	case !clientIDPattern.MatchString(h.ClientID):
		return &ValidationError{Field: "client_id", Reason: "must match [A-Za-z0-9_.:-]{1,128}"}
	case len(h.Platform) > maxPlatformLen:
		return &ValidationError{Field: "platform", Reason: fmt.Sprintf("longer than %d bytes", maxPlatformLen)}
	}
	return nil
}

// SyncResult is returned to the client that heartbeated.
type SyncResult struct {
	SessionID      string         `json:"session_id"`
	ActiveClientID string         `json:"active_client_id"`
	IsActive       bool           `json:"is_active"`
	Stale          bool           `json:"stale"`
	Clients        []ClientRecord `json:"clients"`
}

// SessionStatus is the registry view of a session without a heartbeat.
// Stale means no client is currently active.
type SessionStatus struct {
	SessionID      string         `json:"session_id"`
	ActiveClientID string         `json:"active_client_id,omitempty"`
	Stale          bool           `json:"stale"`
	Clients        []ClientRecord `json:"clients"`
}

// Backend stores client records.
type Backend interface {
	// Upsert stores rec unless the stored heartbeat is newer. FirstSeen is
	// kept from the existing record. applied reports whether rec was written.
	Upsert(ctx context.Context, rec ClientRecord) (applied bool, err error)
	List(ctx context.Context, sessionID string) ([]ClientRecord, error)
	Delete(ctx context.Context, sessionID, clientID string) error

	// Prune deletes records whose heartbeat is before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Options tunes the registry.
type Options struct {
	Staleness time.Duration
	RecordTTL time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
}

// Registry arbitrates active clients.
type Registry struct {
	backend   Backend
	staleness time.Duration
	ttl       time.Duration
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRegistry creates a registry over backend.
func NewRegistry(backend Backend, opts Options) (*Registry, error) {
	if backend == nil {
		return nil, errors.New("sessions backend is required")
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 90 * time.Second
	}
	if opts.RecordTTL < opts.Staleness {
		opts.RecordTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		backend:   backend,
		staleness: opts.Staleness,
		ttl:       opts.RecordTTL,
		now:       opts.Now,
		logger:    opts.Logger,
		tracer:    otel.Tracer(instrumentationName),
	}, nil
}

// Staleness returns the configured staleness threshold.
func (r *Registry) Staleness() time.Duration { return r.staleness }

// Sync records a heartbeat and returns the resulting election.
// Heartbeats stamped in the future are clamped to now.
func (r *Registry) Sync(ctx context.Context, hb Heartbeat) (*SyncResult, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.Sync")
	defer span.End()

	if err := hb.validate(); err != nil {
		span.SetStatus(codes.Error, "invalid heartbeat")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session.id", hb.SessionID),
		attribute.String("client.id", hb.ClientID),
	)

	now := r.now()
	ts := hb.Timestamp
	if ts.IsZero() || ts.After(now) {
		ts = now
	}

	applied, err := r.backend.Upsert(ctx, ClientRecord{
		SessionID:     hb.SessionID,
		ClientID:      hb.ClientID,
		Platform:      hb.Platform,
		LastHeartbeat: ts.UTC(),
		FirstSeen:     ts.UTC(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return nil, fmt.Errorf("recording heartbeat: %w", err)
	}
	if !applied {
		r.logger.Debug("out-of-order heartbeat ignored",
			zap.String("session_id", hb.SessionID),
			zap.String("client_id", hb.ClientID),
			zap.Time("heartbeat", ts))
	}

	records, err := r.backend.List(ctx, hb.SessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return nil, fmt.Errorf("listing clients: %w", err)
	}

	active, ok := Elect(records, now, r.staleness)
	res := &SyncResult{
		SessionID: hb.SessionID,
		Stale:     !ok,
		Clients:   r.decorate(records, active.ClientID, ok),
	}
	if ok {
		res.ActiveClientID = active.ClientID
		res.IsActive = active.ClientID == hb.ClientID
	}
	span.SetAttributes(
		attribute.String("active_client.id", res.ActiveClientID),
		attribute.Bool("is_active", res.IsActive),
	)
	return res, nil
}

// Status runs the election without recording a heartbeat.
func (r *Registry) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return nil, &ValidationError{Field: "session_id", Reason: "must match [A-Za-z0-9_-]{1,128}"}
	}
	records, err := r.backend.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	active, ok := Elect(records, r.now(), r.staleness)
	st := &SessionStatus{
		SessionID: sessionID,
		Stale:     !ok,
		Clients:   r.decorate(records, active.ClientID, ok),
	}
	if ok {
		st.ActiveClientID = active.ClientID
	}
	return st, nil
}

// Leave removes a client, typically on clean shutdown, so another client
// can take over without waiting out the staleness threshold.
func (r *Registry) Leave(ctx context.Context, sessionID, clientID string) error {
	hb := Heartbeat{SessionID: sessionID, ClientID: clientID}
	if err := hb.validate(); err != nil {
		return err
	}
	if err := r.backend.Delete(ctx, sessionID, clientID); err != nil {
		return fmt.Errorf("removing client: %w", err)
	}
	return nil
}

// Prune deletes records older than the record TTL.
func (r *Registry) Prune(ctx context.Context) (int, error) {
	n, err := r.backend.Prune(ctx, r.now().Add(-r.ttl))
	if err != nil {
		return n, fmt.Errorf("pruning client records: %w", err)
	}
	if n > 0 {
		r.logger.Info("pruned client records", zap.Int("count", n))
	}
	return n, nil
}

// RunPruner calls Prune every interval until ctx is done.
func (r *Registry) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("client record prune failed", zap.Error(err))
			}
		}
	}
}

// decorate sorts records by client ID and fills IsActive.
func (r *Registry) decorate(records []ClientRecord, activeID string, ok bool) []ClientRecord {
	out := make([]ClientRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	for i := range out {
		out[i].IsActive = ok && out[i].ClientID == activeID
	}
	return out
}
