// Package epoch implements the process-wide cancellation generation counter.
//
// Every node in a streaming pipeline shares one Epoch. Advancing it
// instantly invalidates all in-flight work from prior epochs without
// threading a cancellation token through every API.
package epoch

import "go.uber.org/atomic"

// Epoch is a shared monotonic counter starting at 1.
type Epoch struct {
	value atomic.Uint64
}

// New returns an Epoch seeded at 1.
func New() *Epoch {
	e := &Epoch{}
	e.value.Store(1)

	return e
}

// Current returns the epoch's present value.
func (e *Epoch) Current() uint64 {
	return e.value.Load()
}

// Advance increments the epoch and returns the new value. It never blocks
// on consumers; stale in-flight work is simply dropped the next time it
// checks IsCurrent.
func (e *Epoch) Advance() uint64 {
	return e.value.Add(1)
}

// IsCurrent reports whether v is still the epoch's current value.
func (e *Epoch) IsCurrent(v uint64) bool {
	return e.value.Load() == v
}

// Stamped pairs a value with the epoch it was produced in, so a later
// stage can drop it if the epoch has since advanced.
type Stamped[T any] struct {
	Epoch uint64
	Inner T
}

// StampValue stamps inner with e's current epoch. A free function instead
// of a method because Go methods cannot introduce their own type parameters.
func StampValue[T any](e *Epoch, inner T) Stamped[T] {
	return Stamped[T]{Epoch: e.Current(), Inner: inner}
}

// Live reports whether s was stamped with e's still-current epoch.
func Live[T any](e *Epoch, s Stamped[T]) bool {
	return e.IsCurrent(s.Epoch)
}
