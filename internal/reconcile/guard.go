// Package reconcile provides the reconcile gate: broker activity is allowed
// only while the most recent clean reconcile is fresh.
package reconcile

import (
	"sync"
	"time"
)

// FreshnessGuard implements the gateway's ReconcileGate. A dirty result
// clears the last clean time, so the gate stays closed until the next
// clean reconcile.
type FreshnessGuard struct {
	mu        sync.Mutex
	bound     time.Duration
	clock     func() time.Time
	lastClean time.Time
	hasClean  bool
}

// NewFreshnessGuard returns a closed guard. A nil clock uses time.Now.
func NewFreshnessGuard(bound time.Duration, clock func() time.Time) *FreshnessGuard {
	if clock == nil {
		clock = time.Now
	}
	return &FreshnessGuard{bound: bound, clock: clock}
}

// Record stores the outcome of one reconcile pass.
func (g *FreshnessGuard) Record(clean bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if clean {
		g.lastClean, g.hasClean = g.clock(), true
		return
	}
	g.lastClean, g.hasClean = time.Time{}, false
}

// LastClean returns when the last clean reconcile was recorded.
func (g *FreshnessGuard) LastClean() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastClean, g.hasClean
}

func (g *FreshnessGuard) IsClean() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasClean {
		return false
	}
	return g.clock().Sub(g.lastClean) <= g.bound
}
