// Package media caches provider attachments. A Manager keeps a negative
// cache of failed IDs in the shared store, rejects attachments past the
// freshness window, stores payloads on local disk with a retention window
// and counts outcomes in shared statistics. A Fetcher runs the
// fetch-with-retry flow on top of it.
package media
