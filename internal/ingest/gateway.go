// Package ingest is the single entry point for client writes.
//
// The gateway validates and size-checks each event, applies a per-session
// rate limit, encrypts the payload, and appends the ciphertext to the
// event store with a bounded timeout and bounded retries. After a
// successful append of a new event it publishes a notification for
// background analytics.
// Heartbeats are validated and relayed to the session registry.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
	"github.com/fyrsmithlabs/pulsed/internal/notify"
	"github.com/fyrsmithlabs/pulsed/internal/sessions"
	"github.com/fyrsmithlabs/pulsed/internal/vault"
)

const instrumentationName = "github.com/fyrsmithlabs/pulsed/internal/ingest"

// maxFilePathLen bounds the optional locality hint.
const maxFilePathLen = 1024

// Encrypter seals payloads and fingerprints plaintext for de-duplication.
type Encrypter interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Fingerprint(plaintext []byte) [32]byte
}

// SessionRegistry receives relayed heartbeats.
type SessionRegistry interface {
	Sync(ctx context.Context, hb sessions.Heartbeat) (*sessions.SyncResult, error)
	Leave(ctx context.Context, sessionID, clientID string) error
}

// StoreEventRequest is one event as submitted by a client.
type StoreEventRequest struct {
	SessionID string          `json:"session_id"`
	Agent     string          `json:"agent"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`

	FilePath      string `json:"file_path,omitempty"`
	LineNumber    int    `json:"line_number,omitempty"`
	IndexLocality bool   `json:"index_locality,omitempty"`
}

// StoreEventResponse identifies the stored event. When Duplicate is true
// the event coalesced with one already stored and EventID is that event's.
type StoreEventResponse struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// SyncRequest is a client heartbeat.
type SyncRequest struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	Platform  string `json:"platform,omitempty"`

	// Timestamp is optional RFC 3339; empty means the server's clock.
	Timestamp string `json:"timestamp,omitempty"`
}

// Options tunes the gateway.
type Options struct {
	MaxPayloadBytes int
	MaxFutureSkew   time.Duration
	WriteTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration

	// RateLimit is events per second per session; zero disables limiting.
	RateLimit float64
	RateBurst int

	Now    func() time.Time
	Logger *zap.Logger
}

// Gateway accepts client writes.
type Gateway struct {
	store     eventstore.Store
	vault     Encrypter
	registry  SessionRegistry
	publisher notify.Publisher
	limiters  *limiters
	opts      Options
	logger    *zap.Logger
	tracer    trace.Tracer

	stored    metric.Int64Counter
	rejected  metric.Int64Counter
	published metric.Int64Counter
}

// NewGateway wires a gateway. A nil publisher disables notifications.
func NewGateway(store eventstore.Store, enc Encrypter, registry SessionRegistry, publisher notify.Publisher, opts Options) (*Gateway, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	if enc == nil {
		return nil, errors.New("vault is required")
	}
	if registry == nil {
		return nil, errors.New("session registry is required")
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 64 * 1024
	}
	if opts.MaxFutureSkew <= 0 {
		opts.MaxFutureSkew = 24 * time.Hour
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	g := &Gateway{
		store:     store,
		vault:     enc,
		registry:  registry,
		publisher: publisher,
		limiters:  newLimiters(opts.RateLimit, opts.RateBurst),
		opts:      opts,
		logger:    opts.Logger,
		tracer:    otel.Tracer(instrumentationName),
	}
	g.initMetrics()
	return g, nil
}

func (g *Gateway) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	g.stored, err = meter.Int64Counter("pulsed.ingest.events_stored",
		metric.WithDescription("Events accepted by the ingestion gateway, labeled by duplicate"),
		metric.WithUnit("{event}"))
	if err != nil {
		g.logger.Warn("failed to create stored counter", zap.Error(err))
	}
	g.rejected, err = meter.Int64Counter("pulsed.ingest.events_rejected",
		metric.WithDescription("Events rejected by the ingestion gateway, labeled by reason"),
		metric.WithUnit("{event}"))
	if err != nil {
		g.logger.Warn("failed to create rejected counter", zap.Error(err))
	}
	g.published, err = meter.Int64Counter("pulsed.ingest.notifications",
		metric.WithDescription("Stored-event notifications, labeled by outcome"),
		metric.WithUnit("{notification}"))
	if err != nil {
		g.logger.Warn("failed to create notification counter", zap.Error(err))
	}
}

// StoreEvent validates, encrypts and appends one event.
func (g *Gateway) StoreEvent(ctx context.Context, req StoreEventRequest) (*StoreEventResponse, error) {
	ctx, span := g.tracer.Start(ctx, "Gateway.StoreEvent")
	defer span.End()

	resp, err := g.storeEvent(ctx, req)
	if err != nil {
		reason := rejectReason(err)
		span.SetStatus(codes.Error, reason)
		if reason == "store" || reason == "encryption" {
			span.RecordError(err)
		}
		if g.rejected != nil {
			g.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.String("event.id", resp.EventID),
		attribute.Bool("event.duplicate", resp.Duplicate),
	)
	if g.stored != nil {
		g.stored.Add(ctx, 1, metric.WithAttributes(attribute.Bool("duplicate", resp.Duplicate)))
	}
	return resp, nil
}

func (g *Gateway) storeEvent(ctx context.Context, req StoreEventRequest) (*StoreEventResponse, error) {
	ts, err := validateEvent(req, g.opts.MaxPayloadBytes)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("event.type", req.EventType),
	)

	now := g.opts.Now()
	if ts.After(now.Add(g.opts.MaxFutureSkew)) {
		return nil, fmt.Errorf("%w: %s is more than %s ahead", eventstore.ErrFutureTimestamp,
			ts.Format(time.RFC3339), g.opts.MaxFutureSkew)
	}

	if !g.limiters.allow(req.SessionID, now) {
		return nil, fmt.Errorf("%w for session %s", ErrRateLimited, req.SessionID)
	}

	plaintext := []byte(req.Payload)
	ciphertext, err := g.vault.Encrypt(plaintext)
	if err != nil {
		g.logger.Error("payload encryption failed",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		if !errors.Is(err, vault.ErrEncryption) {
			err = fmt.Errorf("%w: %w", vault.ErrEncryption, err)
		}
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}

	ev := &eventstore.Event{
		SessionID:   req.SessionID,
		Agent:       eventstore.Agent(req.Agent),
		Type:        req.EventType,
		Payload:     ciphertext,
		Timestamp:   ts.UTC(),
		Fingerprint: g.vault.Fingerprint(plaintext),
	}
	if req.IndexLocality && req.FilePath != "" && !IsSensitivePath(req.FilePath) {
		ev.FilePath = req.FilePath
		ev.LineNumber = req.LineNumber
	}

	res, err := g.appendWithRetry(ctx, ev)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("event stored",
		zap.String("session_id", req.SessionID),
		zap.String("event_id", res.ID),
		zap.String("event_type", req.EventType),
		zap.Bool("duplicate", res.Duplicate))

	// A duplicate leaves the window unchanged, so there is nothing to refresh.
	if !res.Duplicate {
		g.publish(ctx, notify.StoredEvent{
			EventID:   res.ID,
			SessionID: ev.SessionID,
			Agent:     string(ev.Agent),
			Type:      ev.Type,
			Timestamp: ev.Timestamp,
		})
	}

	return &StoreEventResponse{EventID: res.ID, Duplicate: res.Duplicate}, nil
}

// appendWithRetry appends under the write timeout, retrying transient
// failures with exponential backoff. Other errors are not retried.
func (g *Gateway) appendWithRetry(ctx context.Context, ev *eventstore.Event) (eventstore.AppendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.WriteTimeout)
	defer cancel()

	attempts := uint(g.opts.MaxRetries + 1)
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     g.opts.RetryBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         g.opts.WriteTimeout,
	}
	attempt := 0

	res, err := backoff.Retry(ctx, func() (eventstore.AppendResult, error) {
		attempt++
		res, err := g.store.Append(ctx, ev)
		if err != nil && !eventstore.IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Warn("transient store failure, retrying",
				zap.String("session_id", ev.SessionID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	switch {
	case err == nil:
		return res, nil
	case eventstore.IsTransient(err):
		return eventstore.AppendResult{}, fmt.Errorf("storing event after %d attempts: %w", attempt, err)
	default:
		return eventstore.AppendResult{}, fmt.Errorf("storing event: %w", err)
	}
}

// publish hands a notification to the bus. Failures are logged and counted
// but never fail the write.
func (g *Gateway) publish(ctx context.Context, ev notify.StoredEvent) {
	outcome := "published"
	if err := g.publisher.Publish(ctx, ev); err != nil {
		outcome = "failed"
		g.logger.Warn("stored-event notification failed",
			zap.String("session_id", ev.SessionID),
			zap.String("event_id", ev.EventID),
			zap.Error(err))
	}
	if g.published != nil {
		g.published.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// SyncSession relays a heartbeat to the registry.
func (g *Gateway) SyncSession(ctx context.Context, req SyncRequest) (*sessions.SyncResult, error) {
	ctx, span := g.tracer.Start(ctx, "Gateway.SyncSession")
	defer span.End()

	hb := sessions.Heartbeat{SessionID: req.SessionID, ClientID: req.ClientID, Platform: req.Platform}
	if req.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			span.SetStatus(codes.Error, "invalid timestamp")
			return nil, invalid("timestamp", "must be RFC 3339")
		}
		hb.Timestamp = ts
	}

	res, err := g.registry.Sync(ctx, hb)
	if err != nil {
		span.SetStatus(codes.Error, "sync failed")
		return nil, translateSessionError(err)
	}
	return res, nil
}

// LeaveSession removes a client's record on shutdown.
func (g *Gateway) LeaveSession(ctx context.Context, sessionID, clientID string) error {
	if err := g.registry.Leave(ctx, sessionID, clientID); err != nil {
		return translateSessionError(err)
	}
	return nil
}

func translateSessionError(err error) error {
	var verr *sessions.ValidationError
	if errors.As(err, &verr) {
		return invalid(verr.Field, verr.Reason)
	}
	return err
}

func validateEvent(req StoreEventRequest, maxPayload int) (time.Time, error) {
	if !eventstore.ValidSessionID(req.SessionID) {
		return time.Time{}, invalid("session_id", "must match [A-Za-z0-9_-]{1,128}")
	}
	if !eventstore.Agent(req.Agent).Valid() {
		names := make([]string, len(eventstore.Agents))
		for i, a := range eventstore.Agents {
			names[i] = string(a)
		}
		return time.Time{}, invalid("agent", "must be one of "+strings.Join(names, ", "))
	}
	if err := validateEventType(req.EventType); err != nil {
		return time.Time{}, err
	}
	if req.Timestamp == "" {
		return time.Time{}, invalid("timestamp", "is required")
	}
	ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
	if err != nil {
		return time.Time{}, invalid("timestamp", "must be RFC 3339")
	}
	if ts.Before(time.Unix(0, 0)) {
		return time.Time{}, invalid("timestamp", "must not precede the Unix epoch")
	}
	if len(req.Payload) > maxPayload {
		return time.Time{}, &PayloadTooLargeError{Size: len(req.Payload), Limit: maxPayload}
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return time.Time{}, invalid("payload", "must be valid JSON")
	}
	if len(req.FilePath) > maxFilePathLen || !utf8.ValidString(req.FilePath) {
		return time.Time{}, invalid("file_path", fmt.Sprintf("must be valid UTF-8 of at most %d bytes", maxFilePathLen))
	}
	if req.LineNumber < 0 {
		return time.Time{}, invalid("line_number", "must be >= 0")
	}
	return ts, nil
}

func validateEventType(t string) error {
	if t == "" || len(t) > eventstore.MaxTypeLen || !utf8.ValidString(t) {
		return invalid("event_type", fmt.Sprintf("must be 1-%d bytes of UTF-8", eventstore.MaxTypeLen))
	}
	for _, r := range t {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return invalid("event_type", "must not contain whitespace or control characters")
		}
	}
	return nil
}

// rejectReason labels a failure for metrics and span status.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, eventstore.ErrFutureTimestamp):
		return "future_timestamp"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, eventstore.ErrTransient):
		return "transient"
	case errors.Is(err, vault.ErrEncryption):
		return "encryption"
	default:
		return "store"
	}
}
