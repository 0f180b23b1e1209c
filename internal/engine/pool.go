package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/procflow/procflow/pkg/schema"
)

// ErrPoolClosed is returned when a branch is submitted after Close.
var ErrPoolClosed = errors.New("branch pool is closed")

// branchPool bounds how many parallel-region branches run at once across
// the whole engine. Fan-out happens per execution but the budget is
// shared, so one wide process cannot starve every other execution of
// goroutines.
type branchPool struct {
	slots chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	active   atomic.Int64
	finished atomic.Int64
	failed   atomic.Int64
	panicked atomic.Int64
}

func newBranchPool(size int) *branchPool {
	if size <= 0 {
		size = 1
	}
	return &branchPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Go runs one branch walk through the pool. It blocks while every slot is
// busy, honoring ctx while waiting. report is invoked exactly once with the
// branch outcome; a panic inside the branch is recovered and reported as an
// execution error instead of tearing the engine down. A non-nil return
// means the branch never started and report will not be called.
func (p *branchPool) Go(ctx context.Context, branch func(context.Context) error, report func(error)) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}

	// The closed check must hold the lock together with wg.Add, otherwise
	// Close could pass wg.Wait between them.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
				err = schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeExecution,
					"branch panicked: %v", r)
			}
			if err != nil {
				p.failed.Add(1)
			}
			p.finished.Add(1)
			p.active.Add(-1)
			report(err)
			<-p.slots
			p.wg.Done()
		}()
		err = branch(ctx)
	}()

	return nil
}

// Close stops accepting branches and waits for the running ones to finish.
// Idempotent.
func (p *branchPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// poolStats is a snapshot of the pool counters.
type poolStats struct {
	Active   int64
	Finished int64
	Failed   int64
	Panicked int64
}

func (p *branchPool) Stats() poolStats {
	return poolStats{
		Active:   p.active.Load(),
		Finished: p.finished.Load(),
		Failed:   p.failed.Load(),
		Panicked: p.panicked.Load(),
	}
}
