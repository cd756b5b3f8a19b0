// Package cache keeps client-side copies of REST resources fresh.
//
// A Store maps resource URLs to Entries. Each Entry tracks the last body it
// received together with its validators (ETag and Last-Modified) and turns
// the HTTP intent methods Get, ForceGet, Update, Put, Post and Del into
// conditional requests. Successful responses write the entry and notify its
// write observers; a successful DELETE, or a 404 while revalidating, removes
// the entry and notifies its remove observers.
//
// Requests complete asynchronously: every method returns the transport Call
// immediately and the entry is mutated from the completing goroutine.
// Overlapping requests on one entry are not serialised; the last completion
// to write wins. The resulting changes are applied one at a time, each with
// its observers, so the last notification always matches the entry.
package cache
