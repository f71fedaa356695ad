// ABOUTME: Shared keyed store interface used for dedupe markers, buffers, and cache metadata
// ABOUTME: Defines the primitive operations every backend (Redis, in-memory) must provide

package kv

import (
	"context"
	"errors"
	"time"
)

// Store errors
var (
	ErrNotFound  = errors.New("key not found")
	ErrClosed    = errors.New("store closed")
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
)

// ListAppend describes an RPUSH plus companion key writes that execute as one
// transaction. All keys receive TTL.
type ListAppend struct {
	Key   string
	Value string
	TTL   time.Duration

	// Touch keys are overwritten with Stamp on every append.
	Touch []string

	// Once keys are written with Stamp only when they do not already exist.
	Once []string

	Stamp string
}

// Store is a low-latency key-value store with TTL-bounded keys, lists, counters
// and an atomic read-then-clear primitive.
type Store interface {
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Strings
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if key is absent. Returns true if the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error

	// Lists
	// AppendList runs op atomically and returns the list length after the push.
	AppendList(ctx context.Context, op ListAppend) (int64, error)
	LLen(ctx context.Context, key string) (int64, error)
	// Drain returns every element of listKey and, if the list was non-empty,
	// deletes listKey and all companions in the same indivisible step.
	Drain(ctx context.Context, listKey string, companions ...string) ([]string, error)

	// Hash counters
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// ScanPrefix lists live keys starting with prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
