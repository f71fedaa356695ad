// Package dedupe suppresses duplicate inbound messages within a fixed
// forgetting window. A Deduplicator writes presence markers to the shared
// store with a single conditional set and falls back to a process-local
// Cache when the store is marked unreachable.
package dedupe
