package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-rcache/v1/syncbus"
	"github.com/mirkobrombin/go-rcache/v1/transport"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-rcache/v1/cache")

// Store maps resource URLs to entries. URLs are compared exactly, so query
// strings and fragments are part of the key. The zero value is not usable;
// create stores with New.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	cfg      Config
	defaults transport.Request

	transport transport.Transport
	codec     Codec
	log       *slog.Logger
	notifiers []Notifier
	bus       syncbus.Bus

	revalidateInterval time.Duration
	ctx                context.Context
	cancel             context.CancelFunc
	wg                 sync.WaitGroup
	closers            []func() error
	closeOnce          sync.Once

	writes      atomic.Uint64
	removes     atomic.Uint64
	notModified atomic.Uint64

	writeCounter       prometheus.Counter
	removeCounter      prometheus.Counter
	notModifiedCounter prometheus.Counter
	traceEnabled       bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithCodec sets the codec used by Entry.Decode, PutValue and PostValue.
// The default is JSONCodec.
func WithCodec(c Codec) Option {
	return func(s *Store) {
		s.codec = c
	}
}

// WithConfig replaces the initial settings.
func WithConfig(cfg Config) Option {
	return func(s *Store) {
		s.cfg = cfg
	}
}

// WithNotifier adds a store-wide observer of writes and removals.
func WithNotifier(n Notifier) Option {
	return func(s *Store) {
		s.notifiers = append(s.notifiers, n)
	}
}

// WithBus connects the store to peers caching the same origin. After a
// successful PUT, POST or DELETE the store announces the URL on the bus;
// when a peer announces a URL the store holds, that entry is revalidated.
func WithBus(b syncbus.Bus) Option {
	return func(s *Store) {
		s.bus = b
	}
}

// WithRevalidateInterval starts a background goroutine calling UpdateAll
// every d until Close. A zero or negative duration disables it.
func WithRevalidateInterval(d time.Duration) Option {
	return func(s *Store) {
		s.revalidateInterval = d
	}
}

// WithCloser registers fn to run when the store is closed, after the
// background goroutines stopped. Presets use it to release connections the
// store owns.
func WithCloser(fn func() error) Option {
	return func(s *Store) {
		s.closers = append(s.closers, fn)
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Store) {
		s.writeCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rcache_entry_writes_total",
			Help: "Total number of entry writes",
		})
		s.removeCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rcache_entry_removes_total",
			Help: "Total number of entry removals",
		})
		s.notModifiedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rcache_not_modified_total",
			Help: "Total number of revalidations answered with 304",
		})
		entries := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rcache_entries",
			Help: "Current number of cached entries",
		}, func() float64 { return float64(s.Count()) })
		reg.MustRegister(s.writeCounter, s.removeCounter, s.notModifiedCounter, entries)
	}
}

// WithTracing enables OpenTelemetry spans around dispatched requests.
func WithTracing() Option {
	return func(s *Store) {
		s.traceEnabled = true
	}
}

// New returns a Store dispatching through t. A nil transport selects
// transport.NewHTTP().
//
// The store disables transport-level caching by default, see
// SetDefaultRequestOptions. Call Close to stop the background revalidation
// loop and peer subscriptions.
func New(t transport.Transport, opts ...Option) *Store {
	if t == nil {
		t = transport.NewHTTP()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		entries:   make(map[string]*Entry),
		cfg:       DefaultConfig(),
		defaults:  transport.Request{Cache: transport.CacheBypass},
		transport: t,
		codec:     JSONCodec{},
		log:       slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.revalidateInterval > 0 {
		s.wg.Add(1)
		go s.revalidator()
	}
	return s
}

// Item returns the entry for url, creating an empty one on first access.
func (s *Store) Item(url string) *Entry {
	s.mu.RLock()
	e, ok := s.entries[url]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	if e, ok = s.entries[url]; ok {
		s.mu.Unlock()
		return e
	}
	e = newEntry(s, url)
	s.entries[url] = e
	s.mu.Unlock()

	if s.bus != nil {
		s.watch(e)
	}
	return e
}

// Lookup returns the entry for url without creating one.
func (s *Store) Lookup(url string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[url]
	return e, ok
}

// Has reports whether url has an entry.
func (s *Store) Has(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[url]
	return ok
}

// Count returns the number of entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// URLs returns the cached URLs in lexical order.
func (s *Store) URLs() []string {
	s.mu.RLock()
	urls := make([]string, 0, len(s.entries))
	for u := range s.entries {
		urls = append(urls, u)
	}
	s.mu.RUnlock()
	sort.Strings(urls)
	return urls
}

// Clear drops every entry without notifying observers: it is a local reset,
// not a server-confirmed removal.
func (s *Store) Clear() {
	s.mu.Lock()
	old := s.entries
	s.entries = make(map[string]*Entry)
	s.mu.Unlock()
	for _, e := range old {
		e.detach()
	}
}

// Config returns the current settings.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Configure merges settings into the current configuration. Recognised keys
// are "revalidateOnRead" and its legacy name "update-on-read"; other keys
// are ignored. On error the configuration is left unchanged.
func (s *Store) Configure(settings map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := decodeSettings(s.cfg, settings)
	if err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// SetDefaultRequestOptions merges opts into the options every request
// starts from.
func (s *Store) SetDefaultRequestOptions(opts transport.Request) {
	s.mu.Lock()
	s.defaults = transport.Merge(s.defaults, opts)
	s.mu.Unlock()
}

// DefaultRequestOptions returns a copy of the request defaults.
func (s *Store) DefaultRequestOptions() transport.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transport.Merge(s.defaults)
}

// UpdateAll revalidates every entry that was written at least once. The
// updates run independently; their calls are returned in no particular
// order.
func (s *Store) UpdateAll(ctx context.Context, opts ...transport.Request) []*transport.Call {
	s.mu.RLock()
	targets := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		targets = append(targets, e)
	}
	s.mu.RUnlock()

	calls := make([]*transport.Call, 0, len(targets))
	for _, e := range targets {
		if !e.AutoUpdate() {
			continue
		}
		calls = append(calls, e.Update(ctx, opts...))
	}
	s.log.Debug("rcache: update all", "entries", len(calls))
	return calls
}

// Dispatch sends req merged over the request defaults. Entries use it for
// every request; callers rarely need it directly.
func (s *Store) Dispatch(ctx context.Context, req transport.Request) *transport.Call {
	final := transport.Merge(s.DefaultRequestOptions(), req)

	var span trace.Span
	if s.traceEnabled {
		ctx, span = tracer.Start(ctx, "rcache.Dispatch", trace.WithAttributes(
			attribute.String("http.request.method", final.Method),
			attribute.String("url.full", final.URL),
		))
	}

	call := s.transport.Do(ctx, final)
	s.log.Debug("rcache: dispatch", "id", call.ID(), "method", final.Method, "url", final.URL)

	if span != nil {
		call.OnSuccess(func(resp *transport.Response) {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			span.End()
		})
		call.OnFailure(func(resp *transport.Response, err error) {
			if resp != nil {
				span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
		})
	}
	return call
}

// Stats reports basic counters about store activity.
type Stats struct {
	Entries     int
	Writes      uint64
	Removes     uint64
	NotModified uint64
}

// Metrics returns current counters for the store.
func (s *Store) Metrics() Stats {
	return Stats{
		Entries:     s.Count(),
		Writes:      s.writes.Load(),
		Removes:     s.removes.Load(),
		NotModified: s.notModified.Load(),
	}
}

// Close stops the revalidation loop and peer subscriptions, then runs the
// closers in registration order. Entries stay readable. Closing twice is a
// no-op.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		for _, fn := range s.closers {
			if err := fn(); err != nil {
				s.log.Warn("rcache: close failed", "error", err)
			}
		}
	})
}

// detach removes e from the map unless the URL already points to a newer
// entry. It reports whether e was still in the store.
func (s *Store) detach(e *Entry) bool {
	s.mu.Lock()
	cur, ok := s.entries[e.url]
	found := ok && cur == e
	if found {
		delete(s.entries, e.url)
	}
	s.mu.Unlock()
	e.detach()
	return found
}

func (s *Store) attached(e *Entry) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[e.url] == e
}

func (s *Store) written(ev Event) {
	s.writes.Add(1)
	if s.writeCounter != nil {
		s.writeCounter.Inc()
	}
	s.log.Debug("rcache: write", "url", ev.URL, "etag", ev.ETag, "status", ev.Status)
	s.notify(ev)
}

func (s *Store) removed(ev Event) {
	s.removes.Add(1)
	if s.removeCounter != nil {
		s.removeCounter.Inc()
	}
	s.log.Debug("rcache: remove", "url", ev.URL)
	s.notify(ev)
}

func (s *Store) unchanged(url string) {
	s.notModified.Add(1)
	if s.notModifiedCounter != nil {
		s.notModifiedCounter.Inc()
	}
	s.log.Debug("rcache: not modified", "url", url)
}

func (s *Store) notify(ev Event) {
	for _, n := range s.notifiers {
		n.Notify(ev)
	}
}

// announce tells peers that url changed.
func (s *Store) announce(ctx context.Context, url string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, url); err != nil {
		s.log.Warn("rcache: announce failed", "url", url, "error", err)
	}
}

// watch revalidates e whenever a peer announces its URL, until e is
// detached or the store is closed.
func (s *Store) watch(e *Entry) {
	ctx, cancel := context.WithCancel(s.ctx)
	ch, err := s.bus.Subscribe(ctx, e.url)
	if err != nil {
		cancel()
		s.log.Warn("rcache: subscribe failed", "url", e.url, "error", err)
		return
	}
	if !e.setUnwatch(cancel) {
		return
	}
	go func() {
		for range ch {
			if s.attached(e) && e.HasData() {
				e.Update(ctx)
			}
		}
	}()
}

// revalidator periodically revalidates all written entries.
func (s *Store) revalidator() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.revalidateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.UpdateAll(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}
