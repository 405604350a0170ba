package pipeline

import (
	"time"

	"github.com/kartikbazzad/aerodb/rules"
)

// OpContext is the mutable per-request context threaded through the
// middleware chain. Middleware may read and write it; the executor sees
// whatever the last middleware left behind.
type OpContext struct {
	RequestID string
	Auth      *rules.AuthContext

	// RLSFilter is the CEL expression the RLS middleware resolved for this
	// operation's (collection, kind) pair, or "" if none applies.
	RLSFilter string

	Metadata  map[string]interface{}
	startedAt time.Time
}

// NewOpContext creates a context stamped with the current time, so Observe
// can later compute elapsed duration regardless of how far into the chain
// it sits.
func NewOpContext(requestID string, auth *rules.AuthContext) *OpContext {
	return &OpContext{
		RequestID: requestID,
		Auth:      auth,
		Metadata:  make(map[string]interface{}),
		startedAt: time.Now(),
	}
}

// Elapsed returns the time since the context was created.
func (c *OpContext) Elapsed() time.Duration {
	return time.Since(c.startedAt)
}
