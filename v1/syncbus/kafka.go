package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic is the topic hints travel on when none is configured.
const DefaultKafkaTopic = "rcache.changed"

// KafkaBus implements Bus on a single Kafka topic. URLs are carried as the
// message key and value; every partition is consumed from the newest offset
// once the first URL is watched, so hints published before that are lost.
type KafkaBus struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu        sync.Mutex
	pcs       []sarama.PartitionConsumer
	subs      map[string][]chan struct{}
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. An
// empty topic selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFrom(producer, consumer, topic)
	b.client = client
	return b, nil
}

// NewKafkaBusFrom builds a KafkaBus on an existing producer and consumer,
// which the bus owns from then on.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		subs:     make(map[string][]chan struct{}),
		pending:  make(map[string]struct{}),
	}
}

// Publish implements Bus.Publish. A URL already being published is not sent
// again.
func (b *KafkaBus) Publish(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := b.pending[url]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[url] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, url)
		b.mu.Unlock()
	}()

	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(url),
		Value: sarama.StringEncoder(url),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, url string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.pcs == nil {
		if err := b.consume(); err != nil {
			b.mu.Unlock()
			return nil, err
		}
	}
	b.subs[url] = append(b.subs[url], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), url, ch)
	}()
	return ch, nil
}

// consume starts one partition consumer per partition. Callers hold b.mu.
func (b *KafkaBus) consume() error {
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return err
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, started := range pcs {
				_ = started.Close()
			}
			return err
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		go b.dispatch(pc)
	}
	b.pcs = pcs
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		url := string(msg.Value)
		b.mu.Lock()
		for _, c := range b.subs[url] {
			select {
			case c <- struct{}{}:
				b.delivered.Add(1)
			default:
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe. Partition consumers are closed
// once no URL is watched anymore.
func (b *KafkaBus) Unsubscribe(ctx context.Context, url string, ch chan struct{}) error {
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
	var drop []sarama.PartitionConsumer
	if len(b.subs) == 0 {
		drop, b.pcs = b.pcs, nil
	}
	b.mu.Unlock()

	var firstErr error
	for _, pc := range drop {
		if err := pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close releases the producer and consumer, and the client when the bus
// created it.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	drop := b.pcs
	b.pcs = nil
	b.mu.Unlock()
	for _, pc := range drop {
		_ = pc.Close()
	}
	var firstErr error
	for _, fn := range []func() error{b.producer.Close, b.consumer.Close} {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
