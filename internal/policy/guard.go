package policy

import (
	"sync/atomic"
)

// Guard holds the active Checker and lets a reload swap it without blocking
// appends. A Guard with no checker accepts all metadata.
type Guard struct {
	current atomic.Pointer[Checker]
}

// NewGuard creates a guard around an initial checker, which may be nil
func NewGuard(c *Checker) *Guard {
	g := &Guard{}
	if c != nil {
		g.current.Store(c)
	}
	return g
}

// Check implements audit.MetadataPolicy
func (g *Guard) Check(metadata map[string]interface{}) error {
	c := g.current.Load()
	if c == nil {
		return nil
	}
	return c.Check(metadata)
}

// Swap installs a new checker and returns the previous one
func (g *Guard) Swap(c *Checker) *Checker {
	return g.current.Swap(c)
}

// Current returns the active checker
func (g *Guard) Current() *Checker {
	return g.current.Load()
}
