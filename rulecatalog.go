package aerodb

import (
	"sync"

	"github.com/kartikbazzad/aerodb/pipeline"
)

// RuleCatalog maps (collection, operation kind) to the CEL expression the
// RLS middleware evaluates before an operation reaches the kernel
// executor. Rule *authoring* (who may register a rule, validation of the
// expression syntax beyond what cel-go itself rejects) is an external
// collaborator; RuleCatalog only holds the resolved mapping.
type RuleCatalog struct {
	mu    sync.RWMutex
	rules map[string]map[pipeline.Kind]string
}

// NewRuleCatalog returns an empty catalog: every operation passes RLS
// until a rule is registered for its (collection, kind).
func NewRuleCatalog() *RuleCatalog {
	return &RuleCatalog{rules: make(map[string]map[pipeline.Kind]string)}
}

// Set installs or replaces the rule expression for (collection, kind).
func (c *RuleCatalog) Set(collection string, kind pipeline.Kind, expression string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rules[collection] == nil {
		c.rules[collection] = make(map[pipeline.Kind]string)
	}
	c.rules[collection][kind] = expression
}

// Remove deletes any rule registered for (collection, kind).
func (c *RuleCatalog) Remove(collection string, kind pipeline.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rules[collection], kind)
}

// LookupRule implements pipeline.RuleLookup.
func (c *RuleCatalog) LookupRule(collection string, kind pipeline.Kind) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	expr, ok := c.rules[collection][kind]
	return expr, ok
}
