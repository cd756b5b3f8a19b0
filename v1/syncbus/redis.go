package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisBusTimeout     = 5 * time.Second
	defaultRedisChannel = "rcache:changed"
)

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	Client *redis.Client
	// Channel is the Pub/Sub channel hints travel on. The default is
	// "rcache:changed".
	Channel string
}

// RedisBus implements Bus on Redis Pub/Sub. Like NATSBus it holds one
// subscription per process and carries the URL in the payload.
type RedisBus struct {
	client  *redis.Client
	channel string

	mu        sync.Mutex
	pubsub    *redis.PubSub
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	ch := opts.Channel
	if ch == "" {
		ch = defaultRedisChannel
	}
	return &RedisBus{
		client:  opts.Client,
		channel: ch,
		subs:    make(map[string][]chan struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, url).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscription waits for
// Redis to confirm the channel subscription.
func (b *RedisBus) Subscribe(ctx context.Context, url string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.pubsub == nil {
		ps := b.client.Subscribe(context.Background(), b.channel)
		rctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(rctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.mu.Unlock()
			return nil, err
		}
		b.pubsub = ps
		go b.dispatch(ps)
	}
	b.subs[url] = append(b.subs[url], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), url, ch)
	}()
	return ch, nil
}

// dispatch fans messages of ps out until ps is closed.
func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.mu.Lock()
		for _, c := range b.subs[msg.Payload] {
			select {
			case c <- struct{}{}:
				b.delivered.Add(1)
			default:
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe. The Pub/Sub connection is closed
// once no URL is watched anymore.
func (b *RedisBus) Unsubscribe(ctx context.Context, url string, ch chan struct{}) error {
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
	var drop *redis.PubSub
	if len(b.subs) == 0 && b.pubsub != nil {
		drop = b.pubsub
		b.pubsub = nil
	}
	b.mu.Unlock()
	if drop != nil {
		return drop.Close()
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
