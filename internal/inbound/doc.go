// Package inbound holds the normalized event model, webhook normalization and turn coalescing.
package inbound
