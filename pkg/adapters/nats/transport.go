// Package nats implements the lattice transport on a NATS connection, the
// bus the wasmbus subject layout was designed for.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	natsgo "github.com/nats-io/nats.go"
)

// Transport implements ports.Transport and ports.ReconnectNotifier.
type Transport struct {
	conn   *natsgo.Conn
	owned  bool
	logger *slog.Logger

	mu          sync.Mutex
	onReconnect []func()
}

// Option configures Connect.
type Option func(*config)

type config struct {
	name   string
	logger *slog.Logger
	wait   time.Duration
}

// WithName sets the client connection name shown by the server.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithLogger sets the logger for connection state changes.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithReconnectWait sets the pause between reconnect attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(c *config) {
		c.wait = d
	}
}

// Connect dials url and reconnects forever on connection loss.
func Connect(url string, opts ...Option) (*Transport, error) {
	cfg := config{name: "latticed", logger: logging.NewNop(), wait: 2 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	t := &Transport{owned: true, logger: cfg.logger}
	conn, err := natsgo.Connect(url,
		natsgo.Name(cfg.name),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(cfg.wait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				t.logger.Warn("NATS disconnected", "err", err)
			}
		}),
		natsgo.ReconnectHandler(func(c *natsgo.Conn) {
			t.logger.Info("NATS reconnected", "url", c.ConnectedUrl())
			t.reconnected()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", domain.ErrTransport, url, err)
	}
	t.conn = conn
	return t, nil
}

// New wraps an existing connection, which the caller keeps owning. Reconnect
// callbacks only fire if the caller routes its reconnect handler through
// the transport; use Connect for that.
func New(conn *natsgo.Conn, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Transport{conn: conn, logger: logger}
}

// OnReconnect registers fn to run after every reconnect.
func (t *Transport) OnReconnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReconnect = append(t.onReconnect, fn)
}

func (t *Transport) reconnected() {
	t.mu.Lock()
	fns := append([]func(){}, t.onReconnect...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *Transport) Publish(_ context.Context, subject string, data []byte) error {
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", domain.ErrTransport, subject, err)
	}
	return nil
}

func (t *Transport) Respond(ctx context.Context, msg *ports.Msg, data []byte) error {
	if msg.Reply == "" {
		return fmt.Errorf("%w: message on %s has no reply subject", domain.ErrTransport, msg.Subject)
	}
	return t.Publish(ctx, msg.Reply, data)
}

// NATS runs the callbacks of one subscription sequentially, which gives the
// ordering guarantee of ports.Handler.
func (t *Transport) Subscribe(subject string, h ports.Handler) (ports.Subscription, error) {
	sub, err := t.conn.Subscribe(subject, adapt(h))
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrTransport, subject, err)
	}
	return sub, nil
}

func (t *Transport) QueueSubscribe(subject, queue string, h ports.Handler) (ports.Subscription, error) {
	sub, err := t.conn.QueueSubscribe(subject, queue, adapt(h))
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s (%s): %v", domain.ErrTransport, subject, queue, err)
	}
	return sub, nil
}

func adapt(h ports.Handler) natsgo.MsgHandler {
	return func(m *natsgo.Msg) {
		h(context.Background(), &ports.Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	}
}

func (t *Transport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, requestError(ctx, subject, err)
	}
	return msg.Data, nil
}

func requestError(ctx context.Context, subject string, err error) error {
	switch {
	case errors.Is(err, natsgo.ErrNoResponders):
		return fmt.Errorf("%w: %s", domain.ErrNoResponders, subject)
	case errors.Is(err, natsgo.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: request %s", domain.ErrTimeout, subject)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: request %s: %v", domain.ErrTransport, subject, err)
	}
}

// Close drains the connection when it was opened by Connect.
func (t *Transport) Close() error {
	if !t.owned {
		return nil
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return err
	}
	return nil
}

var (
	_ ports.Transport         = (*Transport)(nil)
	_ ports.ReconnectNotifier = (*Transport)(nil)
)
