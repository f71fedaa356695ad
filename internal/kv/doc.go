// Package kv defines the shared keyed store used for cross-process
// coordination, with a Redis implementation, an in-process implementation,
// and a liveness monitor that lets callers pick a fallback path per call.
package kv
