// Package bus wraps the shared message bus (NATS) behind a small
// interface, the way internal/realtime wraps the WebSocket transport
// behind its Socket interface. Room servers and discovery nodes depend on
// Bus, never on *nats.Conn directly, so either side can be exercised in
// tests without a running broker.
package bus

import (
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subscription is an active subscription handle; Unsubscribe stops
// delivery and is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the publish/subscribe/request surface consumed by
// internal/realtime and internal/discovery. See spec.md §6 for the
// subjects and payload shapes exchanged over it.
type Bus interface {
	// Publish fires-and-forgets data on subject.
	Publish(subject string, data []byte) error

	// Subscribe delivers every message on subject to handler, on a bus
	// goroutine, until the returned Subscription is unsubscribed.
	Subscribe(subject string, handler func(subject string, data []byte, reply string)) (Subscription, error)

	// QueueSubscribe is Subscribe with load-balancing across every
	// subscriber sharing queue on this subject — used where more than
	// one process instance may answer a request.
	QueueSubscribe(subject, queue string, handler func(subject string, data []byte, reply string)) (Subscription, error)

	// Request publishes data on subject and waits up to timeout for a
	// single reply. ErrNoResponders/timeout surface as an error.
	Request(subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Respond replies to a message previously delivered with a non-empty
	// reply subject (the third handler argument).
	Respond(reply string, data []byte) error

	// Close drains and closes the underlying connection.
	Close()
}

// ErrRequestTimeout is returned by Request when no reply arrives within
// the given timeout.
var ErrRequestTimeout = errors.New("bus: request timed out")

// natsBus is the nats.go-backed Bus implementation. Connect options are
// grounded on background-jobs-demo/modules/nats/client.go (retry/backoff)
// and the julianshen-nats-chat-keycloak room-service example (reconnect
// logging).
type natsBus struct {
	conn *nats.Conn
	log  *slog.Logger
}

// Config configures a Connect call.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns sane defaults for a single-process dev setup.
func DefaultConfig(name string) Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          name,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Connect dials the bus and returns a ready-to-use Bus.
func Connect(cfg Config, log *slog.Logger) (Bus, error) {
	if log == nil {
		log = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("bus connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}

	log.Info("bus connected", "url", conn.ConnectedUrl(), "name", cfg.Name)
	return &natsBus{conn: conn, log: log}, nil
}

func (b *natsBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *natsBus) Subscribe(subject string, handler func(subject string, data []byte, reply string)) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		defer b.recoverCallback(subject)
		handler(msg.Subject, msg.Data, msg.Reply)
	})
	if err != nil {
		return nil, err
	}
	if b.conn.IsConnected() {
		// Round-trip to the server so the subscription is registered
		// before the caller publishes anything it expects to receive.
		if err := b.conn.Flush(); err != nil {
			sub.Unsubscribe()
			return nil, err
		}
	}
	return sub, nil
}

func (b *natsBus) QueueSubscribe(subject, queue string, handler func(subject string, data []byte, reply string)) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		defer b.recoverCallback(subject)
		handler(msg.Subject, msg.Data, msg.Reply)
	})
	if err != nil {
		return nil, err
	}
	if b.conn.IsConnected() {
		if err := b.conn.Flush(); err != nil {
			sub.Unsubscribe()
			return nil, err
		}
	}
	return sub, nil
}

func (b *natsBus) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return nil, ErrRequestTimeout
		}
		return nil, err
	}
	return msg.Data, nil
}

func (b *natsBus) Respond(reply string, data []byte) error {
	if reply == "" {
		return nil
	}
	return b.conn.Publish(reply, data)
}

func (b *natsBus) Close() {
	b.conn.Drain()
}

// recoverCallback matches spec.md §7: "Bus callback threw: logged and
// swallowed; the subscription remains alive."
func (b *natsBus) recoverCallback(subject string) {
	if r := recover(); r != nil {
		b.log.Error("bus callback panicked", "subject", subject, "panic", r)
	}
}
