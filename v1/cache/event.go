package cache

import (
	"time"

	"github.com/mirkobrombin/go-rcache/v1/transport"
)

// Observer is notified when an entry is written or removed. It receives the
// entry's body and validators at that moment; absent validators are "".
type Observer func(body []byte, etag, lastModified string, resp *transport.Response)

// EventKind names what happened to an entry.
type EventKind string

const (
	EventWrite  EventKind = "write"
	EventRemove EventKind = "remove"
)

// Event describes a write or remove notification at store level.
type Event struct {
	Kind         EventKind `json:"kind"`
	URL          string    `json:"url"`
	Body         []byte    `json:"body,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	Status       int       `json:"status,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier observes every entry of a store. Notifiers run after the entry's
// own observers, on the same goroutine.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ev Event) { f(ev) }
