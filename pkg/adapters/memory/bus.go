package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/lattice"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/google/uuid"
)

const subscriptionBuffer = 4096

// ErrClosed is returned by operations on a closed Bus.
var ErrClosed = errors.New("memory bus closed")

// Bus implements ports.Transport in process. Several hosts sharing one Bus
// behave like hosts on a single lattice. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	rr        sync.Map // queue name -> *uint64 round-robin counter
	published atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

type subscription struct {
	id      uint64
	bus     *Bus
	pattern string
	queue   string
	handler ports.Handler
	ch      chan *ports.Msg
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			s.handler(context.Background(), msg)
		}
	}
}

func (s *subscription) deliver(msg *ports.Msg) {
	select {
	case s.ch <- msg:
	case <-s.done:
	}
}

// Unsubscribe stops delivery. Messages already queued are dropped.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Published returns the number of messages published so far.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

func (b *Bus) subscribe(subject, queue string, h ports.Handler) (ports.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		bus:     b,
		pattern: subject,
		queue:   queue,
		handler: h,
		ch:      make(chan *ports.Msg, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	go sub.run()
	return sub, nil
}

// Subscribe implements ports.Transport.
func (b *Bus) Subscribe(subject string, h ports.Handler) (ports.Subscription, error) {
	return b.subscribe(subject, "", h)
}

// QueueSubscribe implements ports.Transport.
func (b *Bus) QueueSubscribe(subject, queue string, h ports.Handler) (ports.Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return b.subscribe(subject, queue, h)
}

// matching returns the recipients of subject: every plain subscriber and
// one member of each queue group.
func (b *Bus) matching(subject string) ([]*subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	var out []*subscription
	groups := make(map[string][]*subscription)
	for _, sub := range b.subs {
		if !lattice.Match(sub.pattern, subject) {
			continue
		}
		if sub.queue == "" {
			out = append(out, sub)
			continue
		}
		groups[sub.queue] = append(groups[sub.queue], sub)
	}
	for queue, members := range groups {
		// Map iteration order is random; order by id so round robin is stable.
		slices.SortFunc(members, func(a, b *subscription) int { return cmp.Compare(a.id, b.id) })
		counter, _ := b.rr.LoadOrStore(queue+"|"+subject, new(uint64))
		n := atomic.AddUint64(counter.(*uint64), 1)
		out = append(out, members[int(n%uint64(len(members)))])
	}
	return out, nil
}

func (b *Bus) publish(subject, reply string, data []byte) (int, error) {
	recipients, err := b.matching(subject)
	if err != nil {
		return 0, err
	}
	b.published.Add(1)
	for _, sub := range recipients {
		payload := make([]byte, len(data))
		copy(payload, data)
		sub.deliver(&ports.Msg{Subject: subject, Reply: reply, Data: payload})
	}
	return len(recipients), nil
}

// Publish implements ports.Transport.
func (b *Bus) Publish(_ context.Context, subject string, data []byte) error {
	_, err := b.publish(subject, "", data)
	return err
}

// Respond implements ports.Transport.
func (b *Bus) Respond(ctx context.Context, msg *ports.Msg, data []byte) error {
	if msg.Reply == "" {
		return fmt.Errorf("message on %s has no reply subject", msg.Subject)
	}
	return b.Publish(ctx, msg.Reply, data)
}

// Request implements ports.Transport.
func (b *Bus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	inbox := "_INBOX." + uuid.NewString()
	replies := make(chan []byte, 1)
	sub, err := b.Subscribe(inbox, func(_ context.Context, msg *ports.Msg) {
		select {
		case replies <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	n, err := b.publish(subject, inbox, data)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoResponders, subject)
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: request on %s", domain.ErrTimeout, subject)
		}
		return nil, ctx.Err()
	}
}

// Close unsubscribes everything. Later calls fail with ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.done) })
	}
	return nil
}
