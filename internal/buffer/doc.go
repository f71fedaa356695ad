// Package buffer implements the per-originator debounce buffer. Events are
// appended to a list in the shared store alongside last-event and
// first-event stamps; a burst is complete once the debounce interval passes
// quietly or the max-wait ceiling is reached, and is then drained with a
// single atomic read-then-clear.
package buffer
