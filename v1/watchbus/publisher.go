package watchbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-rcache/v1/cache"
)

// Publisher forwards cache events to a WatchBus, keyed by resource URL. It
// implements cache.Notifier.
type Publisher struct {
	bus     WatchBus
	log     *slog.Logger
	timeout time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger used to report publish failures.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.log = l
	}
}

// WithPublishTimeout bounds each publish. The default is one second.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.timeout = d
	}
}

// NewPublisher returns a Publisher writing to bus.
func NewPublisher(bus WatchBus, opts ...PublisherOption) *Publisher {
	p := &Publisher{bus: bus, log: slog.Default(), timeout: time.Second}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Notify implements cache.Notifier. Failures are logged; they never reach
// the entry that fired the event.
func (p *Publisher) Notify(ev cache.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("watchbus: encode event", "url", ev.URL, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.bus.Publish(ctx, ev.URL, data); err != nil {
		p.log.Warn("watchbus: publish event", "url", ev.URL, "kind", ev.Kind, "error", err)
	}
}

var _ cache.Notifier = (*Publisher)(nil)
