package watchbus

import (
	"context"
	"strings"
	"sync"
)

// InMemoryWatchBus is an in-memory implementation of WatchBus. Slow
// watchers miss messages rather than block publishers.
type InMemoryWatchBus struct {
	mu       sync.Mutex
	subs     map[string][]chan []byte
	prefixes map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:     make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish sends data to all watchers of key and to prefix subscribers
// whose prefix matches key.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	deliver(b.subs[key], data)
	for p, chans := range b.prefixes {
		if strings.HasPrefix(key, p) {
			deliver(chans, data)
		}
	}
	return nil
}

// PublishPrefix sends data to the watchers of every key starting with
// prefix, and once to each matching prefix subscriber.
func (b *InMemoryWatchBus) PublishPrefix(ctx context.Context, prefix string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, chans := range b.subs {
		if strings.HasPrefix(k, prefix) {
			deliver(chans, data)
		}
	}
	for p, chans := range b.prefixes {
		if strings.HasPrefix(prefix, p) {
			deliver(chans, data)
		}
	}
	return nil
}

// deliver must be called with the bus lock held so Unwatch cannot close a
// channel mid-send.
func deliver(chans []chan []byte, data []byte) {
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.add(ctx, b.subs, key)
}

// SubscribePrefix subscribes to every key starting with prefix.
func (b *InMemoryWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.add(ctx, b.prefixes, prefix)
}

func (b *InMemoryWatchBus) add(ctx context.Context, m map[string][]chan []byte, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	m[key] = append(m[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from key watchers, or from the prefix
// subscribers of key, and closes it.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !remove(b.subs, key, ch) {
		remove(b.prefixes, key, ch)
	}
	return nil
}

func remove(m map[string][]chan []byte, key string, ch chan []byte) bool {
	subs := m[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			if len(subs) == 0 {
				delete(m, key)
			} else {
				m[key] = subs
			}
			return true
		}
	}
	return false
}
