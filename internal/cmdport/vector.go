// Package cmdport implements the line-oriented, bracket-framed TCP
// command port a Netlinx-style automation master uses to read and write
// tally state. The framing and TALLY.xxx:n=v grammar are grounded on
// original_source interfaces/netlinx/client.py's iter_messages scanner
// and TallyParameter string format; this package plays the server role
// that client originally played against a Netlinx master.
package cmdport

import (
	"sync"

	"github.com/jvbridge/camctl/internal/model"
)

// Vector holds the command port's view of every device's program and
// preview tally, indexed 0..MaxTallyIndex.
type Vector struct {
	mu      sync.RWMutex
	program [model.MaxTallyVectorSize]bool
	preview [model.MaxTallyVectorSize]bool

	changes chan struct{}
}

// NewVector builds an all-off tally vector.
func NewVector() *Vector {
	return &Vector{changes: make(chan struct{}, 1)}
}

// Changes returns a channel signalled (coalesced) whenever any entry in
// the vector changes, for the push-on-change unsolicited mode.
func (v *Vector) Changes() <-chan struct{} { return v.changes }

func (v *Vector) notify() {
	select {
	case v.changes <- struct{}{}:
	default:
	}
}

// SetProgram sets one device's program tally, returning whether it
// changed.
func (v *Vector) SetProgram(idx int, on bool) bool {
	if idx < 0 || idx >= model.MaxTallyVectorSize {
		return false
	}
	v.mu.Lock()
	changed := v.program[idx] != on
	v.program[idx] = on
	v.mu.Unlock()
	if changed {
		v.notify()
	}
	return changed
}

// SetPreview sets one device's preview tally, returning whether it
// changed.
func (v *Vector) SetPreview(idx int, on bool) bool {
	if idx < 0 || idx >= model.MaxTallyVectorSize {
		return false
	}
	v.mu.Lock()
	changed := v.preview[idx] != on
	v.preview[idx] = on
	v.mu.Unlock()
	if changed {
		v.notify()
	}
	return changed
}

// Program returns one device's program tally state.
func (v *Vector) Program(idx int) bool {
	if idx < 0 || idx >= model.MaxTallyVectorSize {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.program[idx]
}

// Preview returns one device's preview tally state.
func (v *Vector) Preview(idx int) bool {
	if idx < 0 || idx >= model.MaxTallyVectorSize {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.preview[idx]
}

// All returns a snapshot copy of both arrays.
func (v *Vector) All() (program, preview [model.MaxTallyVectorSize]bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.program, v.preview
}
