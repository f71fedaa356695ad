// Package tasks provides the delayed task executor used for buffer
// re-checks and status updates, and a cron runner for periodic jobs.
//
// The executor is in-process: tasks that have not fired when the process
// stops are dropped. Buffered events survive in the shared store until their
// TTL and are picked up by the next append's re-check.
package tasks
