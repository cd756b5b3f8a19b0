// Package transport performs the HTTP requests issued by the cache. A
// Transport returns a Call immediately and completes it later from its own
// goroutine; the cache attaches its continuations to that Call.
package transport

import "context"

// Transport dispatches requests asynchronously.
type Transport interface {
	// Do starts req and returns its handle without blocking. Cancelling ctx
	// fails the call if it is still in flight.
	Do(ctx context.Context, req Request) *Call
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req Request) *Call

// Do implements Transport.Do.
func (f Func) Do(ctx context.Context, req Request) *Call { return f(ctx, req) }
