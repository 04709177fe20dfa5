package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/lattice"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

const (
	channelSize = 4096
	claimTTL    = 30 * time.Second
)

// ErrClosed is returned by operations on a closed Transport.
var ErrClosed = errors.New("redis transport closed")

// envelope is the payload written to a Redis channel. Redis pub/sub has no
// reply subjects or message ids, so both travel with the data.
type envelope struct {
	ID    string `json:"id"`
	Reply string `json:"reply,omitempty"`
	Data  []byte `json:"data"`
}

// Transport implements ports.Transport on Redis pub/sub.
type Transport struct {
	client backend.UniversalClient
	prefix string
	owned  bool
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// TransportOption configures the Transport.
type TransportOption func(*Transport)

// WithChannelPrefix namespaces every channel, letting several lattices
// share one Redis.
func WithChannelPrefix(prefix string) TransportOption {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithTransportLogger sets the logger for dropped or malformed messages.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport connects to addr. The connection is closed with the transport.
func NewTransport(addr string, opts ...TransportOption) *Transport {
	t := NewTransportFromClient(backend.NewClient(&backend.Options{Addr: addr}), opts...)
	t.owned = true
	return t
}

// NewTransportFromClient builds a transport on an existing client, which the
// caller keeps owning.
func NewTransportFromClient(client backend.UniversalClient, opts ...TransportOption) *Transport {
	t := &Transport{
		client: client,
		prefix: DefaultPrefix,
		logger: logging.NewNop(),
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) channel(subject string) string {
	return t.prefix + subject
}

func (t *Transport) publish(ctx context.Context, subject, reply string, data []byte) (int64, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	payload, err := json.Marshal(envelope{ID: uuid.NewString(), Reply: reply, Data: data})
	if err != nil {
		return 0, err
	}
	n, err := t.client.Publish(ctx, t.channel(subject), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: publish %s: %v", domain.ErrTransport, subject, err)
	}
	return n, nil
}

func (t *Transport) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := t.publish(ctx, subject, "", data)
	return err
}

func (t *Transport) Respond(ctx context.Context, msg *ports.Msg, data []byte) error {
	if msg.Reply == "" {
		return fmt.Errorf("%w: message on %s has no reply subject", domain.ErrTransport, msg.Subject)
	}
	return t.Publish(ctx, msg.Reply, data)
}

func (t *Transport) Subscribe(subject string, h ports.Handler) (ports.Subscription, error) {
	return t.subscribe(subject, "", h)
}

func (t *Transport) QueueSubscribe(subject, queue string, h ports.Handler) (ports.Subscription, error) {
	return t.subscribe(subject, queue, h)
}

func (t *Transport) subscribe(subject, queue string, h ports.Handler) (ports.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	ctx := context.Background()
	var ps *backend.PubSub
	if hasWildcard(subject) {
		ps = t.client.PSubscribe(ctx, t.channel(globPattern(subject)))
	} else {
		ps = t.client.Subscribe(ctx, t.channel(subject))
	}
	// Wait for the confirmation so a publish right after Subscribe returns
	// is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrTransport, subject, err)
	}

	sub := &subscription{
		transport: t,
		pattern:   subject,
		queue:     queue,
		handler:   h,
		ps:        ps,
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go sub.run(ps.Channel(backend.WithChannelSize(channelSize)))
	return sub, nil
}

func (t *Transport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	inbox := "_INBOX." + uuid.NewString()
	ps := t.client.Subscribe(ctx, t.channel(inbox))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return nil, requestError(ctx, subject, err)
	}
	replies := ps.Channel()

	n, err := t.publish(ctx, subject, inbox, data)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoResponders, subject)
	}

	select {
	case m, ok := <-replies:
		if !ok {
			return nil, fmt.Errorf("%w: reply channel closed", domain.ErrTransport)
		}
		var env envelope
		if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
			return nil, fmt.Errorf("%w: malformed reply: %v", domain.ErrTransport, err)
		}
		return env.Data, nil
	case <-ctx.Done():
		return nil, requestError(ctx, subject, ctx.Err())
	}
}

func requestError(ctx context.Context, subject string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: request %s", domain.ErrTimeout, subject)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: request %s: %v", domain.ErrTransport, subject, err)
}

// Close unsubscribes everything and closes an owned client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if t.owned {
		return t.client.Close()
	}
	return nil
}

type subscription struct {
	transport *Transport
	pattern   string
	queue     string
	handler   ports.Handler
	ps        *backend.PubSub
	done      chan struct{}
	once      sync.Once
}

func (s *subscription) run(ch <-chan *backend.Message) {
	t := s.transport
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			subject := strings.TrimPrefix(m.Channel, t.prefix)
			if !lattice.Match(s.pattern, subject) {
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				t.logger.Warn("Dropping malformed message", "subject", subject, "err", err)
				continue
			}
			if s.queue != "" && !s.claim(env.ID) {
				continue
			}
			s.handler(context.Background(), &ports.Msg{Subject: subject, Reply: env.Reply, Data: env.Data})
		}
	}
}

// claim lets exactly one member of a queue group take a message.
func (s *subscription) claim(id string) bool {
	t := s.transport
	key := t.prefix + "queue:" + s.queue + ":" + id
	ok, err := t.client.SetNX(context.Background(), key, "1", claimTTL).Result()
	if err != nil {
		t.logger.Warn("Queue claim failed", "queue", s.queue, "err", err)
		return false
	}
	return ok
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		t := s.transport
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func hasWildcard(subject string) bool {
	for _, tok := range strings.Split(subject, ".") {
		if tok == "*" || tok == ">" {
			return true
		}
	}
	return false
}

// globPattern turns a subject pattern into a Redis glob. The glob is looser
// than the subject semantics; run re-checks every message with lattice.Match.
func globPattern(subject string) string {
	toks := strings.Split(subject, ".")
	for i, tok := range toks {
		if tok == "*" || tok == ">" {
			toks[i] = "*"
			continue
		}
		toks[i] = globEscaper.Replace(tok)
	}
	return strings.Join(toks, ".")
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

var (
	_ ports.Transport         = (*Transport)(nil)
	_ ports.LinkStore         = (*Store)(nil)
	_ ports.DistributedLocker = (*Locker)(nil)
)
