package ports

import "context"

// Msg is a single message received from the lattice bus.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler processes messages of a subscription. Handlers of a single
// subscription are invoked sequentially in publish order.
type Handler func(ctx context.Context, msg *Msg)

// Subscription is an active interest in a subject.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the pub/sub bus every host component is built on.
// Subjects are dot separated; "*" matches one token and ">" the remainder.
type Transport interface {
	// Publish sends data to every subscriber of subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Respond answers a request received with a non-empty Reply subject.
	Respond(ctx context.Context, msg *Msg, data []byte) error

	// Subscribe delivers every matching message to h.
	Subscribe(subject string, h Handler) (Subscription, error)

	// QueueSubscribe delivers each matching message to exactly one member of queue.
	QueueSubscribe(subject, queue string, h Handler) (Subscription, error)

	// Request publishes data and waits for the first reply until ctx expires.
	// It returns domain.ErrNoResponders when nobody listens on subject and
	// domain.ErrTimeout when the context deadline passes.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Close releases the connection. Pending requests fail.
	Close() error
}

// ReconnectNotifier is implemented by transports that can lose and regain
// their connection. The callback runs after every successful reconnect.
type ReconnectNotifier interface {
	OnReconnect(fn func())
}
