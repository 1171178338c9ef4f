// Package workerpool bounds how many blocking ONNX Run calls can be
// in flight at once. The cooperative paths in internal/asr, internal/llm,
// and internal/tts stream tokens/frames over channels and must never block
// a goroutine on an ONNX call directly; they dispatch through a Pool
// instead, which enforces a configured concurrency ceiling shared across
// however many independent streams are active.
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool caps concurrent blocking work at a fixed size.
type Pool struct {
	sem *semaphore.Weighted
}

// New builds a Pool that allows at most size concurrent Do calls to run.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}

	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Do blocks until a slot is free (or ctx is cancelled), runs fn, and
// releases the slot. The error returned is either ctx's error (if
// cancelled before a slot opened up) or fn's error.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	return fn()
}
