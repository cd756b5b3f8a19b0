package cache

import (
	"context"
	"net/http"
	"sync"
	"time"

	rerrors "github.com/mirkobrombin/go-rcache/v1/errors"
	"github.com/mirkobrombin/go-rcache/v1/transport"
)

// Entry is the cached state of one resource. Entries are created by
// Store.Item and stay usable after removal: pending requests still complete
// on them and fire their observers, but they no longer affect the store.
//
// Writes and removals of one entry are applied one at a time, each together
// with its observers, so observers see changes in the order the entry took
// them no matter which goroutines complete the requests.
type Entry struct {
	store *Store
	url   string

	seq      sync.Mutex
	ops      []func()
	draining bool

	mu         sync.Mutex
	body       []byte
	cached     bool
	last       *transport.Call
	resp       *transport.Response
	etag       string
	modified   string
	autoUpdate bool
	onWrite    []Observer
	onRemove   []Observer
	unwatch    func()
	detached   bool
}

func newEntry(s *Store, url string) *Entry {
	return &Entry{store: s, url: url}
}

// URL returns the resource URL the entry caches.
func (e *Entry) URL() string { return e.url }

// HasData reports whether the entry holds a non-empty body.
func (e *Entry) HasData() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cached && len(e.body) > 0
}

// Body returns the cached body, nil when the entry is empty.
func (e *Entry) Body() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.body
}

// ETag returns the entity tag of the last written response, or "".
func (e *Entry) ETag() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.etag
}

// Modified returns the Last-Modified value of the last written response,
// or "".
func (e *Entry) Modified() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modified
}

// AutoUpdate reports whether Store.UpdateAll revalidates the entry.
func (e *Entry) AutoUpdate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoUpdate
}

// Response returns the last written response, or nil.
func (e *Entry) Response() *transport.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resp
}

// Decode unmarshals the cached body into v with the store codec.
func (e *Entry) Decode(v any) error {
	e.mu.Lock()
	body, ok := e.body, e.cached && len(e.body) > 0
	e.mu.Unlock()
	if !ok {
		return rerrors.ErrNoData
	}
	return e.store.codec.Unmarshal(body, v)
}

// OnWrite registers fn to run after every write. Observers run in
// registration order; registering the same function twice runs it twice.
func (e *Entry) OnWrite(fn Observer) *Entry {
	e.mu.Lock()
	e.onWrite = append(e.onWrite, fn)
	e.mu.Unlock()
	return e
}

// OnRemove registers fn to run when the entry is removed.
func (e *Entry) OnRemove(fn Observer) *Entry {
	e.mu.Lock()
	e.onRemove = append(e.onRemove, fn)
	e.mu.Unlock()
	return e
}

// Write stores body and derives validators from resp, then notifies write
// observers. resp may be nil.
func (e *Entry) Write(body []byte, resp *transport.Response) {
	e.write(body, transport.Completed(transport.Request{Method: http.MethodGet, URL: e.url}, resp))
}

func (e *Entry) write(body []byte, call *transport.Call) {
	e.serialize(func() {
		resp := call.Response()
		e.mu.Lock()
		e.body = body
		e.cached = true
		e.last = call
		e.resp = resp
		e.etag = resp.HeaderValue("ETag")
		e.modified = resp.HeaderValue("Last-Modified")
		e.autoUpdate = true
		etag, modified := e.etag, e.modified
		e.mu.Unlock()

		e.fire(false)
		if !e.store.attached(e) {
			return
		}
		ev := Event{Kind: EventWrite, URL: e.url, Body: body, ETag: etag, LastModified: modified, At: time.Now()}
		if resp != nil {
			ev.Status = resp.StatusCode
		}
		e.store.written(ev)
	})
}

// Remove notifies remove observers with the last known data and then drops
// the entry from its store. Removing an entry that is no longer in the store
// still runs its observers but leaves the store untouched.
func (e *Entry) Remove() {
	e.serialize(func() {
		e.fire(true)
		if !e.store.detach(e) {
			return
		}
		e.mu.Lock()
		etag, modified := e.etag, e.modified
		e.mu.Unlock()
		e.store.removed(Event{Kind: EventRemove, URL: e.url, ETag: etag, LastModified: modified, At: time.Now()})
	})
}

// TriggerWrite runs the write observers with the current data. It sends no
// request and changes nothing.
func (e *Entry) TriggerWrite() *Entry {
	e.serialize(func() { e.fire(false) })
	return e
}

// TriggerRemove runs the remove observers with the current data. The entry
// stays in the store.
func (e *Entry) TriggerRemove() *Entry {
	e.serialize(func() { e.fire(true) })
	return e
}

func (e *Entry) fire(remove bool) {
	e.mu.Lock()
	body, etag, modified, resp := e.body, e.etag, e.modified, e.resp
	observers := e.onWrite
	if remove {
		observers = e.onRemove
	}
	observers = append([]Observer(nil), observers...)
	e.mu.Unlock()

	for _, fn := range observers {
		fn(body, etag, modified, resp)
	}
}

// serialize runs op after every change queued before it. The goroutine that
// finds the queue idle drains it; others enqueue and return, which also lets
// an observer write its own entry without deadlocking.
func (e *Entry) serialize(op func()) {
	e.seq.Lock()
	e.ops = append(e.ops, op)
	if e.draining {
		e.seq.Unlock()
		return
	}
	e.draining = true
	for len(e.ops) > 0 {
		next := e.ops[0]
		e.ops[0] = nil
		e.ops = e.ops[1:]
		e.seq.Unlock()
		next()
		e.seq.Lock()
	}
	e.draining = false
	e.seq.Unlock()
}

// Get returns the handle of the request that produced the cached data. An
// empty entry is fetched with ForceGet instead. When RevalidateOnRead is set
// a cached entry is also revalidated in the background.
func (e *Entry) Get(ctx context.Context, opts ...transport.Request) *transport.Call {
	e.mu.Lock()
	last, ok := e.last, e.cached && len(e.body) > 0
	e.mu.Unlock()
	if !ok || last == nil {
		return e.ForceGet(ctx, opts...)
	}
	if e.store.Config().RevalidateOnRead {
		e.Update(context.WithoutCancel(ctx), opts...)
	}
	return last
}

// ForceGet fetches the resource unconditionally and writes any successful
// answer. A 304 is not written: it carries no representation and would
// replace the cached body with an empty one.
func (e *Entry) ForceGet(ctx context.Context, opts ...transport.Request) *transport.Call {
	req := transport.Request{
		Method: http.MethodGet,
		URL:    e.url,
		Header: transport.Header{
			"If-None-Match": "",
			"If-Modified":   "",
			"Cache-Control": "no-cache",
			"Pragma":        "no-cache",
		},
	}
	call := e.store.Dispatch(ctx, transport.Merge(req, opts...))
	return call.OnSuccess(func(resp *transport.Response) {
		if resp.StatusCode == http.StatusNotModified {
			return
		}
		e.write(resp.Body, call)
	})
}

// Update revalidates the entry with a conditional GET. A 200 rewrites it,
// a 304 leaves it untouched and a 404 removes it.
func (e *Entry) Update(ctx context.Context, opts ...transport.Request) *transport.Call {
	h := transport.Header{}
	e.mu.Lock()
	if e.etag != "" {
		h.Set("If-None-Match", e.etag)
	}
	if e.modified != "" {
		h.Set("If-Modified-Since", e.modified)
	}
	e.mu.Unlock()

	req := transport.Request{Method: http.MethodGet, URL: e.url, Header: h}
	call := e.store.Dispatch(ctx, transport.Merge(req, opts...))
	call.OnSuccess(func(resp *transport.Response) {
		switch resp.StatusCode {
		case http.StatusOK:
			e.write(resp.Body, call)
		case http.StatusNotModified:
			e.store.unchanged(e.url)
		}
	})
	call.OnFailure(func(resp *transport.Response, err error) {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			e.Remove()
			return
		}
		e.store.log.Debug("rcache: update failed", "url", e.url, "error", err)
	})
	return call
}

// Put sends data with PUT, conditional on the cached validators. Only a 200
// carrying a body is written back.
func (e *Entry) Put(ctx context.Context, data []byte, opts ...transport.Request) *transport.Call {
	req := transport.Request{Method: http.MethodPut, URL: e.url, Header: e.preconditions(), Body: data}
	call := e.store.Dispatch(ctx, transport.Merge(req, opts...))
	return call.OnSuccess(func(resp *transport.Response) {
		if resp.StatusCode == http.StatusOK && len(resp.Body) > 0 {
			e.write(resp.Body, call)
		}
		e.store.announce(context.WithoutCancel(ctx), e.url)
	})
}

// PutValue encodes v with the store codec and sends it with Put.
func (e *Entry) PutValue(ctx context.Context, v any, opts ...transport.Request) (*transport.Call, error) {
	data, err := e.store.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	ct := transport.Request{Header: transport.Header{"Content-Type": e.store.codec.ContentType()}}
	return e.Put(ctx, data, append([]transport.Request{ct}, opts...)...), nil
}

// Del deletes the resource, conditional on the cached validators. Any
// delivered success removes the entry.
func (e *Entry) Del(ctx context.Context, opts ...transport.Request) *transport.Call {
	req := transport.Request{Method: http.MethodDelete, URL: e.url, Header: e.preconditions()}
	call := e.store.Dispatch(ctx, transport.Merge(req, opts...))
	return call.OnSuccess(func(*transport.Response) {
		e.Remove()
		e.store.announce(context.WithoutCancel(ctx), e.url)
	})
}

// Post sends data to the entry URL. A 200 or 201 with a body and a
// Content-Location header is written to the entry at that location; failing
// that, a Location header makes the entry at that location fetch itself.
func (e *Entry) Post(ctx context.Context, data []byte, opts ...transport.Request) *transport.Call {
	req := transport.Request{Method: http.MethodPost, URL: e.url, Body: data}
	call := e.store.Dispatch(ctx, transport.Merge(req, opts...))
	return call.OnSuccess(func(resp *transport.Response) {
		created := resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated
		if cl := resp.HeaderValue("Content-Location"); created && len(resp.Body) > 0 && cl != "" {
			e.store.Item(cl).write(resp.Body, call)
		} else if loc := resp.HeaderValue("Location"); loc != "" {
			e.store.Item(loc).ForceGet(context.WithoutCancel(ctx))
		}
		e.store.announce(context.WithoutCancel(ctx), e.url)
	})
}

// PostValue encodes v with the store codec and sends it with Post.
func (e *Entry) PostValue(ctx context.Context, v any, opts ...transport.Request) (*transport.Call, error) {
	data, err := e.store.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	ct := transport.Request{Header: transport.Header{"Content-Type": e.store.codec.ContentType()}}
	return e.Post(ctx, data, append([]transport.Request{ct}, opts...)...), nil
}

// preconditions builds If-Match and If-Unmodified-Since from the cached
// validators, leaving out absent ones.
func (e *Entry) preconditions() transport.Header {
	h := transport.Header{}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.etag != "" {
		h.Set("If-Match", e.etag)
	}
	if e.modified != "" {
		h.Set("If-Unmodified-Since", e.modified)
	}
	return h
}

func (e *Entry) setUnwatch(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detached {
		fn()
		return false
	}
	e.unwatch = fn
	return true
}

func (e *Entry) detach() {
	e.mu.Lock()
	e.detached = true
	fn := e.unwatch
	e.unwatch = nil
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}
