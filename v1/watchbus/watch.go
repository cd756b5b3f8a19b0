package watchbus

import (
	"context"

	"github.com/mirkobrombin/go-rcache/v1/metrics"
)

// WatchPrefix subscribes to every URL starting with prefix and tracks the
// subscription in metrics.WatcherGauge until ctx is done.
func WatchPrefix(ctx context.Context, bus WatchBus, prefix string) (chan []byte, error) {
	ch, err := bus.SubscribePrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	metrics.WatcherGauge.Inc()
	go func() {
		<-ctx.Done()
		metrics.WatcherGauge.Dec()
	}()
	return ch, nil
}

// WatchURL subscribes to a single URL, tracked like WatchPrefix.
func WatchURL(ctx context.Context, bus WatchBus, url string) (chan []byte, error) {
	ch, err := bus.Watch(ctx, url)
	if err != nil {
		return nil, err
	}
	metrics.WatcherGauge.Inc()
	go func() {
		<-ctx.Done()
		metrics.WatcherGauge.Dec()
	}()
	return ch, nil
}
