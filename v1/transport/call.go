package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	rerrors "github.com/mirkobrombin/go-rcache/v1/errors"
)

// Response is a delivered HTTP response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HeaderValue returns the first value of the named header, or "" when the
// header is absent. A nil response has no headers.
func (r *Response) HeaderValue(name string) string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get(name)
}

// StatusError reports a response whose status is not a success.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %d %s", rerrors.ErrUnexpectedStatus, e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Unwrap() error { return rerrors.ErrUnexpectedStatus }

// Call is the handle of one in-flight or completed request. Continuations
// registered with OnSuccess and OnFailure run in registration order on the
// goroutine that completes the call. Continuations registered while that
// goroutine is still running earlier ones are queued behind them; once all
// have returned, registering runs the continuation immediately.
type Call struct {
	id  string
	req Request

	mu        sync.Mutex
	completed bool
	settled   bool
	resp      *Response
	err       error
	queue     []func(*Response, error)
	done      chan struct{}
}

// NewCall returns a pending call for req. Transport implementations complete
// it with Resolve or Reject.
func NewCall(req Request) *Call {
	return &Call{
		id:   uuid.NewString(),
		req:  req,
		done: make(chan struct{}),
	}
}

// Completed returns a call already resolved with resp.
func Completed(req Request, resp *Response) *Call {
	c := NewCall(req)
	c.Resolve(resp)
	return c
}

// ID returns the unique identifier of the call.
func (c *Call) ID() string { return c.id }

// Request returns the request the call was dispatched with.
func (c *Call) Request() Request { return c.req }

// Done is closed once the call completed and its continuations returned.
func (c *Call) Done() <-chan struct{} { return c.done }

// Response returns the delivered response, nil while pending or for
// failures without a response.
func (c *Call) Response() *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp
}

// Err returns the failure of a completed call.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnSuccess registers fn to run when the call succeeds.
func (c *Call) OnSuccess(fn func(*Response)) *Call {
	return c.then(func(resp *Response, err error) {
		if err == nil {
			fn(resp)
		}
	})
}

// OnFailure registers fn to run when the call fails. The response is nil
// when no response was delivered.
func (c *Call) OnFailure(fn func(*Response, error)) *Call {
	return c.then(func(resp *Response, err error) {
		if err != nil {
			fn(resp, err)
		}
	})
}

func (c *Call) then(fn func(*Response, error)) *Call {
	c.mu.Lock()
	if !c.settled {
		c.queue = append(c.queue, fn)
		c.mu.Unlock()
		return c
	}
	resp, err := c.resp, c.err
	c.mu.Unlock()
	fn(resp, err)
	return c
}

// Resolve completes the call successfully. Completing twice is a no-op.
func (c *Call) Resolve(resp *Response) {
	c.complete(resp, nil)
}

// Reject completes the call with a failure. resp may be nil.
func (c *Call) Reject(resp *Response, err error) {
	if err == nil {
		err = rerrors.ErrNoResponse
	}
	c.complete(resp, err)
}

func (c *Call) complete(resp *Response, err error) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	c.completed = true
	c.resp = resp
	c.err = err
	for len(c.queue) > 0 {
		fn := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()
		fn(resp, err)
		c.mu.Lock()
	}
	c.settled = true
	c.queue = nil
	c.mu.Unlock()
	close(c.done)
}

// Wait blocks until the call completes or ctx is done. It must not be called
// from a continuation of the same call.
func (c *Call) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp, c.err
}

// WaitAll waits for every call and returns the first failure.
func WaitAll(ctx context.Context, calls ...*Call) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range calls {
		c := c
		g.Go(func() error {
			_, err := c.Wait(ctx)
			return err
		})
	}
	return g.Wait()
}
