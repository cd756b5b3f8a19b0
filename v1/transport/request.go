package transport

import (
	"net/textproto"
	"time"
)

// CacheMode controls whether the transport may serve or store responses in
// a cache of its own. The zero value inherits the setting of the request it
// is merged onto.
type CacheMode int

const (
	CacheInherit CacheMode = iota
	// CacheBypass makes every GET/HEAD URL unique so that no intermediate
	// cache can answer it.
	CacheBypass
	CacheAllow
)

// Header holds request headers keyed by canonical MIME header name. An empty
// value is a valid value and is sent as-is.
type Header map[string]string

// Set stores value under the canonical form of name.
func (h Header) Set(name, value string) {
	h[textproto.CanonicalMIMEHeaderKey(name)] = value
}

// Get returns the value stored for name and whether it is present.
func (h Header) Get(name string) (string, bool) {
	v, ok := h[textproto.CanonicalMIMEHeaderKey(name)]
	return v, ok
}

// Clone returns a canonicalised copy of h.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}

// Request describes one outgoing request. It doubles as the options bag
// callers pass to cache operations: only the fields they set are applied.
type Request struct {
	Method  string
	URL     string
	Header  Header
	Body    []byte
	Cache   CacheMode
	Timeout time.Duration
}

// Merge layers overlays on top of base and returns the result. base and
// overlays are left untouched.
//
// Scalar fields of an overlay win when they are non-zero, Body wins when it
// is non-nil, and Header maps are merged key by key with the overlay
// winning. Keys are canonicalised before comparison so "if-none-match" in
// an overlay replaces "If-None-Match" in base.
func Merge(base Request, overlays ...Request) Request {
	out := base
	out.Header = base.Header.Clone()
	for _, o := range overlays {
		if o.Method != "" {
			out.Method = o.Method
		}
		if o.URL != "" {
			out.URL = o.URL
		}
		if o.Body != nil {
			out.Body = o.Body
		}
		if o.Cache != CacheInherit {
			out.Cache = o.Cache
		}
		if o.Timeout != 0 {
			out.Timeout = o.Timeout
		}
		for k, v := range o.Header {
			out.Header.Set(k, v)
		}
	}
	return out
}
