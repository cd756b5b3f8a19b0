package transport

import (
	"context"
	"net/http"
	"sync"
)

// Recorder is an in-process Transport that never touches the network. Every
// dispatched request is recorded and stays pending until it is answered
// with Respond or Fail, which makes completion order fully controllable.
type Recorder struct {
	mu    sync.Mutex
	calls []*Call
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Do implements Transport.Do.
func (r *Recorder) Do(ctx context.Context, req Request) *Call {
	call := NewCall(req)
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	return call
}

// Calls returns all recorded calls in dispatch order.
func (r *Recorder) Calls() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Call(nil), r.calls...)
}

// Len returns the number of recorded calls.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Last returns the most recent call, or nil.
func (r *Recorder) Last() *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

// Respond completes call with a response built from status, header and
// body, classifying the status the way the HTTP transport does.
func (r *Recorder) Respond(call *Call, status int, header http.Header, body []byte) {
	if header == nil {
		header = http.Header{}
	}
	resp := &Response{StatusCode: status, Header: header, Body: body}
	if isSuccess(status) {
		call.Resolve(resp)
		return
	}
	call.Reject(resp, &StatusError{Code: status})
}

// Fail completes call without a response.
func (r *Recorder) Fail(call *Call, err error) {
	call.Reject(nil, err)
}
