// Package scheduler provides the async job pool the orchestrator fans work
// out on.
//
// Jobs within a batch run in parallel, bounded by the worker limit. Every job
// runs under a deadline: the pool's per-job timeout cancels the job's context,
// and a caller whose Await expires cancels it too. Delivery is at-least-once
// from the caller's perspective, so job bodies must be idempotent and must
// tolerate cancellation mid-flight (the pipeline achieves both by upsert-
// keying agent rows). The pool itself holds no job state beyond the in-flight
// handles; recovery after a crash is driven from the relational store, not
// from here.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrTimeout is returned by Await when the per-job deadline expires before
// the job settles. The job's context is cancelled; only its final settle is
// abandoned.
var ErrTimeout = errors.New("scheduler: job await timed out")

// drainGrace bounds how long Drain waits for cancelled jobs to settle. A job
// body that ignores its context past this point is abandoned rather than
// allowed to wedge the caller.
const drainGrace = 3 * time.Second

// Job is one unit of work.
type Job func(ctx context.Context) error

// Handle tracks one submitted job until it settles.
type Handle struct {
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// Await blocks until the job settles or timeout elapses. On timeout the job's
// context is cancelled so the job unwinds instead of holding a worker.
func (h *Handle) Await(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return h.err
	case <-timer.C:
		h.cancel()
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool executes submitted jobs on a bounded set of workers.
type Pool struct {
	group   *errgroup.Group
	ctx     context.Context
	timeout time.Duration
	logger  *slog.Logger
}

// NewPool creates a pool running at most workers jobs concurrently. Each job
// gets a context that expires after timeout (zero means no per-job deadline).
// The pool's lifetime is bound to ctx: cancelling it rejects new work.
func NewPool(ctx context.Context, workers int, timeout time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	return &Pool{group: g, ctx: gctx, timeout: timeout, logger: logger}
}

// Submit enqueues a job and returns its handle. Submit blocks while all
// workers are busy, which naturally backpressures large fan-outs.
func (p *Pool) Submit(job Job) *Handle {
	var (
		jctx   context.Context
		cancel context.CancelFunc
	)
	if p.timeout > 0 {
		jctx, cancel = context.WithTimeout(p.ctx, p.timeout)
	} else {
		jctx, cancel = context.WithCancel(p.ctx)
	}
	h := &Handle{done: make(chan struct{}), cancel: cancel}
	p.group.Go(func() error {
		defer close(h.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("scheduler: job panicked: %v", r)
				p.logger.Error("job panicked", "panic", r)
			}
		}()
		h.err = job(jctx)
		// Job errors are reported through the handle, never through the
		// group: one failed job must not cancel its siblings.
		return nil
	})
	return h
}

// AwaitAll waits for every handle with a shared per-job timeout and returns
// the settled errors in submission order. This is the fan-in barrier; a
// timed-out job is cancelled, not waited out.
func AwaitAll(ctx context.Context, handles []*Handle, timeout time.Duration) []error {
	errs := make([]error, len(handles))
	deadline := time.Now().Add(timeout)
	for i, h := range handles {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		errs[i] = h.Await(ctx, remaining)
	}
	return errs
}

// Drain waits for in-flight jobs to settle. By the time Drain runs, every
// laggard's context has been cancelled by its Await; a body that ignores the
// cancellation past the grace period is abandoned so it cannot wedge the
// caller.
func (p *Pool) Drain() {
	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		p.logger.Warn("abandoning jobs still running after cancellation")
	}
}
