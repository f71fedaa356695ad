// Package pipeline turns webhook events into engine turns.
//
// An inbound event passes the deduplicator, then joins its originator's
// debounce buffer. The first event of a burst schedules a buffer check; the
// check either reschedules itself or drains the buffer, coalesces the events
// into one turn and queues it for processing. Processing resolves any
// attachment through the media fetcher, records the turn in history, asks the
// engine for a reply and sends it.
//
// Delivery status webhooks are queued separately and update the history row
// of the outbound message they refer to.
package pipeline
