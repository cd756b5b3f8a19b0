// Package presets wires common store topologies: a standalone store, a
// store publishing its events to Redis, and stores kept in step over Redis,
// NATS or Kafka.
package presets

import (
	"log/slog"
	"net/http"
	"net/url"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-rcache/v1/cache"
	"github.com/mirkobrombin/go-rcache/v1/syncbus"
	"github.com/mirkobrombin/go-rcache/v1/transport"
	"github.com/mirkobrombin/go-rcache/v1/watchbus"
)

// Origin describes the REST service being cached.
type Origin struct {
	// BaseURL resolves the relative URLs entries are keyed by. Empty means
	// entries use absolute URLs.
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func (o Origin) transport() (*transport.HTTP, error) {
	var opts []transport.HTTPOption
	if o.BaseURL != "" {
		base, err := url.Parse(o.BaseURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, transport.WithBaseURL(base))
	}
	if o.Client != nil {
		opts = append(opts, transport.WithClient(o.Client))
	}
	if o.Logger != nil {
		opts = append(opts, transport.WithLogger(o.Logger))
	}
	return transport.NewHTTP(opts...), nil
}

func (o Origin) options(opts []cache.Option) []cache.Option {
	if o.Logger == nil {
		return opts
	}
	return append([]cache.Option{cache.WithLogger(o.Logger)}, opts...)
}

// NewInMemoryStandalone creates a store talking HTTP to origin with no
// external dependencies.
func NewInMemoryStandalone(origin Origin, opts ...cache.Option) (*cache.Store, error) {
	t, err := origin.transport()
	if err != nil {
		return nil, err
	}
	return cache.New(t, origin.options(opts)...), nil
}

// NewRedisWatched creates a store whose write and remove events are
// published to Redis, where watchbus handlers in other processes can stream
// them. The returned bus shares the store's Redis client, which Store.Close
// closes.
func NewRedisWatched(origin Origin, ropts RedisOptions, opts ...cache.Option) (*cache.Store, *watchbus.RedisWatchBus, error) {
	t, err := origin.transport()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     ropts.Addr,
		Password: ropts.Password,
		DB:       ropts.DB,
	})
	bus := watchbus.NewRedisWatchBus(client)
	var pubOpts []watchbus.PublisherOption
	if origin.Logger != nil {
		pubOpts = append(pubOpts, watchbus.WithPublisherLogger(origin.Logger))
	}
	opts = append(origin.options(opts),
		cache.WithNotifier(watchbus.NewPublisher(bus, pubOpts...)),
		cache.WithCloser(client.Close),
	)
	return cache.New(t, opts...), bus, nil
}

// NewRedisSynced creates a store that, on top of NewRedisWatched, shares
// change hints with other stores over Redis Pub/Sub.
func NewRedisSynced(origin Origin, ropts RedisOptions, opts ...cache.Option) (*cache.Store, *watchbus.RedisWatchBus, error) {
	t, err := origin.transport()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     ropts.Addr,
		Password: ropts.Password,
		DB:       ropts.DB,
	})
	bus := watchbus.NewRedisWatchBus(client)
	opts = append(origin.options(opts),
		cache.WithNotifier(watchbus.NewPublisher(bus)),
		cache.WithBus(syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client})),
		cache.WithCloser(client.Close),
	)
	return cache.New(t, opts...), bus, nil
}

// NewNATSSynced creates a store that announces its PUT, POST and DELETE
// successes on NATS and revalidates entries other stores announce.
func NewNATSSynced(origin Origin, conn *nats.Conn, opts ...cache.Option) (*cache.Store, error) {
	t, err := origin.transport()
	if err != nil {
		return nil, err
	}
	opts = append(origin.options(opts), cache.WithBus(syncbus.NewNATSBus(conn, "")))
	return cache.New(t, opts...), nil
}

// NewKafkaSynced creates a store that shares change hints over a Kafka
// topic. An empty topic selects syncbus.DefaultKafkaTopic. Store.Close
// closes the Kafka connections.
func NewKafkaSynced(origin Origin, brokers []string, topic string, opts ...cache.Option) (*cache.Store, error) {
	t, err := origin.transport()
	if err != nil {
		return nil, err
	}
	bus, err := syncbus.NewKafkaBus(brokers, topic, nil)
	if err != nil {
		return nil, err
	}
	opts = append(origin.options(opts), cache.WithBus(bus), cache.WithCloser(bus.Close))
	return cache.New(t, opts...), nil
}
