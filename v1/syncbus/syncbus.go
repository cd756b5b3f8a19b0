// Package syncbus carries "this resource changed" hints between processes
// caching the same origin. A hint carries only the resource URL; receivers
// decide on their own how to refresh.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus announces changed resource URLs to every subscriber of that URL.
type Bus interface {
	Publish(ctx context.Context, url string) error
	Subscribe(ctx context.Context, url string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, url string, ch chan struct{}) error
}

// Metrics counts announcements.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus connects stores living in the same process, mainly for tests.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. A subscriber that has not drained the
// previous hint does not get a second one.
func (b *InMemoryBus) Publish(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[url] {
		select {
		case ch <- struct{}{}:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is
// done.
func (b *InMemoryBus) Subscribe(ctx context.Context, url string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[url] = append(b.subs[url], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), url, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe and closes ch.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, url string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[url]
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
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
