package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix namespaces announcements on a shared NATS server.
const DefaultSubjectPrefix = "rcache."

// NATSBus implements Bus on top of NATS core publish/subscribe. URLs are
// carried in the payload because they are not valid subject tokens; each
// process holds a single subscription and fans hints out locally.
type NATSBus struct {
	conn    *nats.Conn
	subject string

	mu        sync.Mutex
	sub       *nats.Subscription
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus publishing on subject prefix+"changed".
// An empty prefix selects DefaultSubjectPrefix.
func NewNATSBus(conn *nats.Conn, prefix string) *NATSBus {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSBus{
		conn:    conn,
		subject: prefix + "changed",
		subs:    make(map[string][]chan struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, []byte(url)); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, url string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.sub == nil {
		ns, err := b.conn.Subscribe(b.subject, b.deliver)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.sub = ns
	}
	b.subs[url] = append(b.subs[url], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), url, ch)
	}()
	return ch, nil
}

func (b *NATSBus) deliver(msg *nats.Msg) {
	url := string(msg.Data)
	// Sends happen under the lock so Unsubscribe cannot close a channel
	// mid-delivery.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.subs[url] {
		select {
		case c <- struct{}{}:
			b.delivered.Add(1)
		default:
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe. The NATS subscription is dropped
// once no URL is watched anymore.
func (b *NATSBus) Unsubscribe(ctx context.Context, url string, ch chan struct{}) error {
	b.mu.Lock()
	subs, ok := b.subs[url]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	for i, c := range subs {
		if c == ch {
			subs = append(subs[:i], subs[i+1:]...)
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, url)
	} else {
		b.subs[url] = subs
	}
	var drop *nats.Subscription
	if len(b.subs) == 0 && b.sub != nil {
		drop = b.sub
		b.sub = nil
	}
	b.mu.Unlock()
	if drop != nil {
		return drop.Unsubscribe()
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
