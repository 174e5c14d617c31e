package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pulsed/internal/config"
)

// NATSBus publishes notifications on "<prefix>.<session_id>" and delivers
// them to one member of the queue group.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	queue  string
	logger *zap.Logger
	owned  bool
}

// NATSOption configures a NATSBus.
type NATSOption func(*NATSBus)

// WithLogger sets the bus logger.
func WithLogger(l *zap.Logger) NATSOption {
	return func(b *NATSBus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewNATSBus wraps an existing connection. The caller keeps ownership of nc.
func NewNATSBus(nc *nats.Conn, prefix, queue string, opts ...NATSOption) (*NATSBus, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return nil, errors.New("subject prefix is required")
	}
	b := &NATSBus{nc: nc, prefix: prefix, queue: queue, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Connect dials cfg.URL and returns a bus that owns the connection.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("pulsed"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	b, err := NewNATSBus(nc, cfg.SubjectPrefix, cfg.QueueGroup, WithLogger(logger))
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// Subject returns the subject notifications for sessionID are published on.
func (b *NATSBus) Subject(sessionID string) string {
	return b.prefix + "." + sessionID
}

// Publish encodes ev and hands it to the client's outbound buffer. It does
// not wait for the server.
func (b *NATSBus) Publish(_ context.Context, ev StoredEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := b.nc.Publish(b.Subject(ev.SessionID), data); err != nil {
		DroppedTotal.WithLabelValues("nats").Inc()
		return fmt.Errorf("publish notification: %w", err)
	}
	PublishedTotal.WithLabelValues("nats").Inc()
	return nil
}

// Subscribe delivers every session's notifications to h. With a queue
// group configured, each notification reaches one subscriber per group.
func (b *NATSBus) Subscribe(h Handler) (func() error, error) {
	subject := b.prefix + ".*"
	cb := func(msg *nats.Msg) {
		var ev StoredEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("discarding malformed notification",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		h(context.Background(), ev)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.queue != "" {
		sub, err = b.nc.QueueSubscribe(subject, b.queue, cb)
	} else {
		sub, err = b.nc.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// flushTimeout applies to Flush when ctx carries no deadline.
const flushTimeout = 5 * time.Second

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats connection: %w", err)
	}
	return nil
}

// Close drains the connection when the bus owns it.
func (b *NATSBus) Close() error {
	if !b.owned {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// EmbeddedServer is an in-process NATS server for single-node deployments.
type EmbeddedServer struct {
	srv *natsserver.Server
}

// StartEmbedded runs a NATS server on a loopback port chosen by the OS.
func StartEmbedded(timeout time.Duration) (*EmbeddedServer, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(timeout) {
		srv.Shutdown()
		return nil, errors.New("embedded nats server not ready")
	}
	return &EmbeddedServer{srv: srv}, nil
}

// ClientURL returns the URL clients should dial.
func (s *EmbeddedServer) ClientURL() string {
	return s.srv.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (s *EmbeddedServer) Shutdown() {
	s.srv.Shutdown()
	s.srv.WaitForShutdown()
}
