// Package integrity holds the process-wide arm state that the integrity
// gate consults. Boot is fail-closed: a process only trades after an
// explicit arm.
package integrity

import (
	"errors"
	"sync"

	"github.com/mqk/execution-engine/internal/metrics"
)

// DisarmReason records why trading is disabled.
type DisarmReason string

const (
	BootDefault        DisarmReason = "BOOT_DEFAULT"
	ManualDisarm       DisarmReason = "MANUAL_DISARM"
	DeadmanHalt        DisarmReason = "DEADMAN_HALT"
	IntegrityViolation DisarmReason = "INTEGRITY_VIOLATION"
	ReconcileDrift     DisarmReason = "RECONCILE_DRIFT"
)

// Valid reports whether r is a known reason.
func (r DisarmReason) Valid() bool {
	switch r {
	case BootDefault, ManualDisarm, DeadmanHalt, IntegrityViolation, ReconcileDrift:
		return true
	}
	return false
}

// ArmState is Armed, or Disarmed with a Reason.
type ArmState struct {
	Armed  bool         `json:"armed"`
	Reason DisarmReason `json:"reason,omitempty"`
}

func Armed() ArmState                  { return ArmState{Armed: true} }
func Disarmed(r DisarmReason) ArmState { return ArmState{Reason: r} }

// Boot resolves the state a starting process uses. A missing or Armed
// persisted state becomes Disarmed{BootDefault}; a persisted disarm keeps
// its reason so operators can see why before re-arming.
func Boot(persisted *ArmState) ArmState {
	if persisted == nil || persisted.Armed || !persisted.Reason.Valid() {
		return Disarmed(BootDefault)
	}
	return *persisted
}

var ErrInvalidReason = errors.New("integrity: unknown disarm reason")

// Controller guards the arm state for concurrent readers. It implements
// the gateway's IntegrityGate.
type Controller struct {
	mu    sync.RWMutex
	state ArmState
}

// NewController starts from the Boot resolution of persisted.
func NewController(persisted *ArmState) *Controller {
	c := &Controller{state: Boot(persisted)}
	c.publish()
	return c
}

func (c *Controller) IsArmed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Armed
}

func (c *Controller) State() ArmState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Arm enables trading.
func (c *Controller) Arm() ArmState {
	c.mu.Lock()
	c.state = Armed()
	c.mu.Unlock()
	c.publish()
	return Armed()
}

// Disarm disables trading with reason.
func (c *Controller) Disarm(reason DisarmReason) (ArmState, error) {
	if !reason.Valid() {
		return ArmState{}, ErrInvalidReason
	}
	st := Disarmed(reason)
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.publish()
	return st, nil
}

func (c *Controller) publish() {
	if c.IsArmed() {
		metrics.Armed.Set(1)
	} else {
		metrics.Armed.Set(0)
	}
}
