package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	rerrors "github.com/mirkobrombin/go-rcache/v1/errors"
	"github.com/mirkobrombin/go-rcache/v1/transport"
)

type observed struct {
	body     []byte
	etag     string
	modified string
	resp     *transport.Response
}

func record(list *[]observed) Observer {
	return func(body []byte, etag, modified string, resp *transport.Response) {
		*list = append(*list, observed{body, etag, modified, resp})
	}
}

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func newTestStore(opts ...Option) (*Store, *transport.Recorder) {
	rec := transport.NewRecorder()
	return New(rec, opts...), rec
}

func requestHeader(t *testing.T, c *transport.Call, name string) (string, bool) {
	t.Helper()
	return c.Request().Header.Get(name)
}

func TestWriteNotifiesObservers(t *testing.T) {
	s, _ := newTestStore()
	e := s.Item("/a")
	var got []observed
	fn := record(&got)
	if e.OnWrite(fn).OnWrite(fn) != e {
		t.Fatal("OnWrite should return the entry")
	}

	resp := &transport.Response{StatusCode: 200, Header: header("ETag", `"e1"`, "Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")}
	e.Write([]byte("B"), resp)

	if !e.HasData() || !e.AutoUpdate() {
		t.Fatalf("expected data and autoUpdate after write")
	}
	if len(got) != 2 {
		t.Fatalf("expected observer registered twice to fire twice, got %d", len(got))
	}
	o := got[0]
	if string(o.body) != "B" || o.etag != `"e1"` || o.modified != "Mon, 02 Jan 2006 15:04:05 GMT" || o.resp != resp {
		t.Fatalf("unexpected observer args %+v", o)
	}
}

func TestWriteWithoutValidators(t *testing.T) {
	s, _ := newTestStore()
	e := s.Item("/a")
	var got []observed
	e.OnWrite(record(&got))
	e.Write([]byte("B"), &transport.Response{StatusCode: 200, Header: header("ETag", "")})
	if e.ETag() != "" || e.Modified() != "" {
		t.Fatalf("expected empty validators, got %q %q", e.ETag(), e.Modified())
	}
	if len(got) != 1 || got[0].etag != "" || got[0].modified != "" {
		t.Fatalf("unexpected observer args %+v", got)
	}
}

func TestEmptyEntry(t *testing.T) {
	s, _ := newTestStore()
	e := s.Item("/a")
	if e.HasData() || e.AutoUpdate() || e.ETag() != "" || e.Modified() != "" || e.Response() != nil {
		t.Fatal("new entry should be empty")
	}
	var v map[string]any
	if err := e.Decode(&v); !errors.Is(err, rerrors.ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestRemoveDetaches(t *testing.T) {
	s, _ := newTestStore()
	e := s.Item("/a")
	e.Write([]byte("B"), &transport.Response{StatusCode: 200, Header: header("ETag", "v1")})

	var removed, written []observed
	var attached bool
	e.OnWrite(record(&written))
	e.OnRemove(record(&removed))
	e.OnRemove(func([]byte, string, string, *transport.Response) { attached = s.Has("/a") })

	e.Remove()

	if s.Has("/a") {
		t.Fatal("entry still in store")
	}
	if !attached {
		t.Fatal("remove observers should run before detachment")
	}
	if len(removed) != 1 || string(removed[0].body) != "B" || removed[0].etag != "v1" {
		t.Fatalf("unexpected remove notifications %+v", removed)
	}
	if len(written) != 0 {
		t.Fatal("remove must not fire write observers")
	}
	fresh := s.Item("/a")
	if fresh == e || fresh.HasData() {
		t.Fatal("expected a fresh empty entry")
	}
}

func TestGetEmptyForceGets(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	call := e.Get(context.Background())
	if rec.Len() != 1 || rec.Last() != call {
		t.Fatalf("expected one dispatched request")
	}
	req := call.Request()
	if req.Method != http.MethodGet || req.URL != "/a" || req.Cache != transport.CacheBypass {
		t.Fatalf("unexpected request %+v", req)
	}
	want := map[string]string{"If-None-Match": "", "If-Modified": "", "Cache-Control": "no-cache", "Pragma": "no-cache"}
	for k, v := range want {
		if got, ok := requestHeader(t, call, k); !ok || got != v {
			t.Fatalf("header %s: got %q present=%v", k, got, ok)
		}
	}
}

func TestGetScenario(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	ctx := context.Background()

	first := e.Get(ctx)
	rec.Respond(first, http.StatusOK, header("ETag", "v1"), []byte(`{"x":1}`))
	if !e.HasData() || e.ETag() != "v1" || string(e.Body()) != `{"x":1}` {
		t.Fatalf("unexpected state after first get: %q %q", e.ETag(), e.Body())
	}

	again := e.Get(ctx)
	if again != first {
		t.Fatal("cached get should return the existing handle")
	}
	if rec.Len() != 2 {
		t.Fatalf("expected background update, got %d calls", rec.Len())
	}
	if v, ok := requestHeader(t, rec.Last(), "If-None-Match"); !ok || v != "v1" {
		t.Fatalf("expected If-None-Match v1, got %q", v)
	}
}

func TestGetWithoutRevalidateOnRead(t *testing.T) {
	s, rec := newTestStore(WithConfig(Config{RevalidateOnRead: false}))
	e := s.Item("/a")
	e.Write([]byte("B"), nil)
	e.Get(context.Background())
	if rec.Len() != 0 {
		t.Fatalf("expected no request, got %d", rec.Len())
	}
}

func TestForceGetCallerOptionsWin(t *testing.T) {
	s, _ := newTestStore()
	call := s.Item("/a").ForceGet(context.Background(), transport.Request{
		Header: transport.Header{"cache-control": "max-age=0"},
		Cache:  transport.CacheAllow,
	})
	if v, _ := requestHeader(t, call, "Cache-Control"); v != "max-age=0" {
		t.Fatalf("caller header should win, got %q", v)
	}
	if call.Request().Cache != transport.CacheAllow {
		t.Fatal("caller cache mode should win")
	}
}

func TestForceGetWritesAnySuccess(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	call := e.ForceGet(context.Background())
	rec.Respond(call, http.StatusAccepted, nil, []byte("B"))
	if string(e.Body()) != "B" {
		t.Fatalf("expected body written, got %q", e.Body())
	}
}

func TestForceGetFailureLeavesState(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	rec.Respond(e.ForceGet(context.Background()), http.StatusInternalServerError, nil, []byte("oops"))
	rec.Fail(e.ForceGet(context.Background()), errors.New("unreachable"))
	if e.HasData() || !s.Has("/a") {
		t.Fatal("failed fetches must not change the entry")
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	rec.Respond(e.ForceGet(context.Background()), http.StatusOK, header("ETag", "e1"), []byte("B"))
	if e.ETag() != "e1" {
		t.Fatalf("expected etag e1, got %q", e.ETag())
	}
	call := e.Update(context.Background())
	if v, ok := requestHeader(t, call, "If-None-Match"); !ok || v != "e1" {
		t.Fatalf("expected If-None-Match e1, got %q", v)
	}
	if _, ok := requestHeader(t, call, "If-Modified-Since"); ok {
		t.Fatal("absent Last-Modified must not be sent")
	}
}

func TestUpdateWithoutValidators(t *testing.T) {
	s, _ := newTestStore()
	call := s.Item("/a").Update(context.Background())
	if len(call.Request().Header) != 0 {
		t.Fatalf("expected no conditional headers, got %v", call.Request().Header)
	}
}

func TestUpdate200Writes(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	e.Write([]byte("old"), &transport.Response{StatusCode: 200, Header: header("ETag", "v1")})
	var got []observed
	e.OnWrite(record(&got))

	rec.Respond(e.Update(context.Background()), http.StatusOK, header("ETag", "v2"), []byte("new"))
	if string(e.Body()) != "new" || e.ETag() != "v2" || len(got) != 1 {
		t.Fatalf("unexpected state %q %q writes=%d", e.Body(), e.ETag(), len(got))
	}
}

func TestUpdate304NoChange(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	resp := &transport.Response{StatusCode: 200, Header: header("ETag", "v1", "Last-Modified", "yesterday")}
	e.Write([]byte("B"), resp)
	var writes, removes []observed
	e.OnWrite(record(&writes)).OnRemove(record(&removes))

	rec.Respond(e.Update(context.Background()), http.StatusNotModified, nil, nil)

	if string(e.Body()) != "B" || e.ETag() != "v1" || e.Modified() != "yesterday" || e.Response() != resp {
		t.Fatal("304 must not change the entry")
	}
	if len(writes) != 0 || len(removes) != 0 {
		t.Fatal("304 must not notify")
	}
	if s.Metrics().NotModified != 1 {
		t.Fatalf("expected not-modified counted, got %+v", s.Metrics())
	}
}

func TestUpdate404Removes(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	e.Write([]byte("B"), nil)
	var writes, removes []observed
	e.OnWrite(record(&writes)).OnRemove(record(&removes))

	rec.Respond(e.Update(context.Background()), http.StatusNotFound, nil, []byte("gone"))

	if s.Has("/a") || len(removes) != 1 || len(writes) != 0 {
		t.Fatalf("expected removal, has=%v removes=%d writes=%d", s.Has("/a"), len(removes), len(writes))
	}
	if string(removes[0].body) != "B" {
		t.Fatalf("remove observer should get the last body, got %q", removes[0].body)
	}
}

func TestUpdateOtherFailureNoChange(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	e.Write([]byte("B"), nil)
	call := e.Update(context.Background())
	rec.Respond(call, http.StatusServiceUnavailable, nil, nil)
	if !s.Has("/a") || string(e.Body()) != "B" {
		t.Fatal("5xx must leave the entry alone")
	}
	var se *transport.StatusError
	if !errors.As(call.Err(), &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status error on the handle, got %v", call.Err())
	}
}

func TestPutPreconditions(t *testing.T) {
	s, _ := newTestStore()
	e := s.Item("/a")
	e.Write([]byte("B"), &transport.Response{StatusCode: 200, Header: header("ETag", "v1", "Last-Modified", "yesterday")})
	call := e.Put(context.Background(), []byte("new"))
	req := call.Request()
	if req.Method != http.MethodPut || !bytes.Equal(req.Body, []byte("new")) {
		t.Fatalf("unexpected request %+v", req)
	}
	if v, _ := requestHeader(t, call, "If-Match"); v != "v1" {
		t.Fatalf("expected If-Match v1, got %q", v)
	}
	if v, _ := requestHeader(t, call, "If-Unmodified-Since"); v != "yesterday" {
		t.Fatalf("expected If-Unmodified-Since, got %q", v)
	}
}

func TestPutWritesRepresentation(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	rec.Respond(e.Put(context.Background(), []byte("new")), http.StatusOK, header("ETag", "v2"), []byte("stored"))
	if string(e.Body()) != "stored" || e.ETag() != "v2" {
		t.Fatalf("unexpected state %q %q", e.Body(), e.ETag())
	}
}

func TestPutWithoutRepresentationKeepsBody(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	e.Write([]byte("B"), nil)
	var writes []observed
	e.OnWrite(record(&writes))

	rec.Respond(e.Put(context.Background(), []byte("new")), http.StatusNoContent, nil, nil)
	rec.Respond(e.Put(context.Background(), []byte("new")), http.StatusOK, nil, nil)

	if string(e.Body()) != "B" || len(writes) != 0 {
		t.Fatalf("expected body untouched, got %q writes=%d", e.Body(), len(writes))
	}
}

func TestDelRemoves(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	e.Write([]byte("B"), &transport.Response{StatusCode: 200, Header: header("ETag", "v1")})
	var removes []observed
	e.OnRemove(record(&removes))

	call := e.Del(context.Background())
	if v, _ := requestHeader(t, call, "If-Match"); v != "v1" {
		t.Fatalf("expected If-Match v1, got %q", v)
	}
	rec.Respond(call, http.StatusNoContent, nil, nil)
	if s.Has("/a") || len(removes) != 1 {
		t.Fatal("successful delete should remove the entry")
	}
}

func TestDelFailureKeepsEntry(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	e.Write([]byte("B"), nil)
	rec.Respond(e.Del(context.Background()), http.StatusPreconditionFailed, nil, nil)
	if !s.Has("/a") || !e.HasData() {
		t.Fatal("failed delete must keep the entry")
	}
}

func TestPostContentLocation(t *testing.T) {
	s, rec := newTestStore()
	coll := s.Item("/items")
	call := coll.Post(context.Background(), []byte(`{"n":5}`))
	if _, ok := requestHeader(t, call, "If-Match"); ok {
		t.Fatal("POST must not send preconditions")
	}
	rec.Respond(call, http.StatusCreated, header("Content-Location", "/items/5", "ETag", "c1"), []byte("B"))

	if rec.Len() != 1 {
		t.Fatalf("expected no extra round trip, got %d calls", rec.Len())
	}
	item := s.Item("/items/5")
	if string(item.Body()) != "B" || item.ETag() != "c1" {
		t.Fatalf("unexpected referenced entry %q %q", item.Body(), item.ETag())
	}
	if coll.HasData() {
		t.Fatal("collection entry must not be written")
	}
}

func TestPostLocation(t *testing.T) {
	s, rec := newTestStore()
	call := s.Item("/items").Post(context.Background(), []byte("x"))
	rec.Respond(call, http.StatusCreated, header("Location", "/items/5"), nil)

	if rec.Len() != 2 {
		t.Fatalf("expected a follow-up GET, got %d calls", rec.Len())
	}
	get := rec.Last()
	if get.Request().URL != "/items/5" || get.Request().Method != http.MethodGet {
		t.Fatalf("unexpected follow-up %+v", get.Request())
	}
	if v, _ := requestHeader(t, get, "Cache-Control"); v != "no-cache" {
		t.Fatal("follow-up should be unconditional")
	}
	rec.Respond(get, http.StatusOK, nil, []byte("fresh"))
	if string(s.Item("/items/5").Body()) != "fresh" {
		t.Fatal("referenced entry should be written by its own fetch")
	}
}

func TestPostWithoutLocationNoEffect(t *testing.T) {
	s, rec := newTestStore()
	rec.Respond(s.Item("/items").Post(context.Background(), []byte("x")), http.StatusOK, nil, []byte("ok"))
	if rec.Len() != 1 || s.Count() != 1 || s.Item("/items").HasData() {
		t.Fatal("POST without location headers must not touch the cache")
	}
}

func TestDetachedEntryStillCompletes(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	pending := e.ForceGet(context.Background())
	e.Remove()

	var writes []observed
	e.OnWrite(record(&writes))
	rec.Respond(pending, http.StatusOK, nil, []byte("late"))

	if len(writes) != 1 || string(e.Body()) != "late" {
		t.Fatal("detached entry should still be written")
	}
	if s.Has("/a") {
		t.Fatal("detached entry must not come back into the store")
	}
}

func TestLastWriteWins(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/a")
	update := e.Update(context.Background())
	put := e.Put(context.Background(), []byte("p"))

	rec.Respond(put, http.StatusOK, nil, []byte("from put"))
	rec.Respond(update, http.StatusOK, nil, []byte("from update"))
	if string(e.Body()) != "from update" {
		t.Fatalf("expected later completion to win, got %q", e.Body())
	}
}

func TestDecodeAndPutValue(t *testing.T) {
	s, rec := newTestStore()
	e := s.Item("/items/1")
	call, err := e.PutValue(context.Background(), item{ID: 1, Name: "one"})
	if err != nil {
		t.Fatalf("put value: %v", err)
	}
	if v, _ := requestHeader(t, call, "Content-Type"); v != "application/json" {
		t.Fatalf("unexpected content type %q", v)
	}
	rec.Respond(call, http.StatusOK, nil, call.Request().Body)

	var got item
	if err := e.Decode(&got); err != nil || got.ID != 1 || got.Name != "one" {
		t.Fatalf("decode: %v %+v", err, got)
	}
}

func TestPostValueCodecError(t *testing.T) {
	s, rec := newTestStore(WithCodec(ByteCodec{}))
	if _, err := s.Item("/items").PostValue(context.Background(), 42); !errors.Is(err, rerrors.ErrCodec) {
		t.Fatalf("expected codec error, got %v", err)
	}
	if rec.Len() != 0 {
		t.Fatal("nothing should be sent on encode failure")
	}
}

func TestConcurrentCompletionsNotifyInOrder(t *testing.T) {
	var events []Event
	s, rec := newTestStore(WithNotifier(NotifierFunc(func(ev Event) { events = append(events, ev) })))
	e := s.Item("/a")
	first := e.ForceGet(context.Background())
	second := e.ForceGet(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var seen []string
	e.OnWrite(func(body []byte, _, _ string, _ *transport.Response) {
		if string(body) == "A" {
			close(started)
			<-release
		}
		seen = append(seen, string(body))
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Respond(first, http.StatusOK, nil, []byte("A"))
	}()
	<-started
	done := make(chan struct{})
	go func() {
		rec.Respond(second, http.StatusOK, nil, []byte("B"))
		close(done)
	}()
	<-done
	close(release)
	wg.Wait()

	if len(seen) != 2 || seen[0] != "A" || seen[1] != "B" {
		t.Fatalf("expected observers in completion order, got %v", seen)
	}
	if string(e.Body()) != "B" {
		t.Fatalf("expected body B, got %q", e.Body())
	}
	if last := events[len(events)-1]; string(last.Body) != string(e.Body()) {
		t.Fatalf("last event %q does not match entry %q", last.Body, e.Body())
	}
}

func TestObserverCanWriteOwnEntry(t *testing.T) {
	s, _ := newTestStore()
	e := s.Item("/a")
	var seen []string
	e.OnWrite(func(body []byte, _, _ string, _ *transport.Response) {
		seen = append(seen, string(body))
		if string(body) == "A" {
			e.Write([]byte("B"), nil)
		}
	})
	e.Write([]byte("A"), nil)

	if len(seen) != 2 || seen[1] != "B" || string(e.Body()) != "B" {
		t.Fatalf("expected nested write after the first, got %v body %q", seen, e.Body())
	}
}

func TestDetachedEntryEmitsNoStoreEvents(t *testing.T) {
	var events []Event
	s, rec := newTestStore(WithNotifier(NotifierFunc(func(ev Event) { events = append(events, ev) })))
	e := s.Item("/a")
	e.Write([]byte("v0"), &transport.Response{StatusCode: http.StatusOK, Header: header("ETag", "v0")})

	update := e.Update(context.Background())
	del := e.Del(context.Background())
	rec.Respond(del, http.StatusNoContent, nil, nil)

	var writes, removes []observed
	e.OnWrite(record(&writes)).OnRemove(record(&removes))
	rec.Respond(update, http.StatusOK, nil, []byte("stale"))
	e.Remove()

	if len(writes) != 1 || len(removes) != 1 {
		t.Fatalf("detached entry observers should still run, got %d writes %d removes", len(writes), len(removes))
	}
	if s.Has("/a") {
		t.Fatal("detached entry must not come back into the store")
	}
	if len(events) != 2 || events[0].Kind != EventWrite || events[1].Kind != EventRemove {
		t.Fatalf("expected write and remove events only, got %+v", events)
	}
	if m := s.Metrics(); m.Writes != 1 || m.Removes != 1 {
		t.Fatalf("unexpected stats %+v", m)
	}
}

func TestTriggerWriteAndRemove(t *testing.T) {
	var events []Event
	s, rec := newTestStore(WithNotifier(NotifierFunc(func(ev Event) { events = append(events, ev) })))
	e := s.Item("/a")
	var writes, removes []observed
	e.OnWrite(record(&writes)).OnRemove(record(&removes))
	e.Write([]byte("B"), &transport.Response{StatusCode: http.StatusOK, Header: header("ETag", "e1")})

	if e.TriggerWrite().TriggerRemove() != e {
		t.Fatal("triggers should return the entry")
	}
	if len(writes) != 2 || string(writes[1].body) != "B" || writes[1].etag != "e1" {
		t.Fatalf("unexpected write notifications %+v", writes)
	}
	if len(removes) != 1 || string(removes[0].body) != "B" {
		t.Fatalf("unexpected remove notifications %+v", removes)
	}
	if !s.Has("/a") || !e.HasData() || rec.Len() != 0 {
		t.Fatal("triggers must not change state or send requests")
	}
	if len(events) != 1 {
		t.Fatalf("triggers must not reach store notifiers, got %+v", events)
	}
}
