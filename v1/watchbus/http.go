package watchbus

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// subscribe opens the subscription requested by r: "url" watches one
// resource and "prefix" every resource below it. It returns the key to pass
// to Unwatch.
func subscribe(ctx context.Context, bus WatchBus, r *http.Request) (string, chan []byte, error) {
	q := r.URL.Query()
	if u := q.Get("url"); u != "" {
		ch, err := WatchURL(ctx, bus, u)
		return u, ch, err
	}
	if p := q.Get("prefix"); p != "" {
		ch, err := WatchPrefix(ctx, bus, p)
		return p, ch, err
	}
	return "", nil, errMissingKey
}

var errMissingKey = errors.New("missing url or prefix")

// SSEHandler streams cache events over Server-Sent Events. The watched
// resource is taken from the "url" query parameter, or all resources below
// the "prefix" query parameter.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		key, ch, err := subscribe(ctx, bus, r)
		if err == errMissingKey {
			cancel()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		flusher.Flush()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams cache events over WebSocket, selecting resources
// like SSEHandler.
func WebSocketHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("url") == "" && q.Get("prefix") == "" {
			http.Error(w, errMissingKey.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		key, ch, err := subscribe(ctx, bus, r)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
