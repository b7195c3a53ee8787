// Package clock provides an injectable time source, used wherever
// spec.md's DESIGN NOTES call for the manager/session code to depend on an
// explicit clock rather than calling time.Now directly — this is what makes
// session created_at/idle-detection tests deterministic.
package clock

import "time"

// Clock abstracts time.Now for testability.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by the system clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// Frozen is a test Clock that returns a fixed time until advanced.
type Frozen struct {
	t time.Time
}

// NewFrozen creates a Frozen clock starting at t.
func NewFrozen(t time.Time) *Frozen {
	return &Frozen{t: t}
}

// Now returns the current frozen time.
func (f *Frozen) Now() time.Time { return f.t }

// Advance moves the frozen clock forward by d.
func (f *Frozen) Advance(d time.Duration) {
	f.t = f.t.Add(d)
}
