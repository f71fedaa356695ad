// Package engine defines the decision engine that turns a coalesced turn into a reply.
package engine
