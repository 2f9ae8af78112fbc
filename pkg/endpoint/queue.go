package endpoint

import (
	"context"
	"sync"
)

type call func(context.Context) (Result, error)

type job struct {
	ctx     context.Context
	call    call
	release func()
	result  chan outcome
}

// callQueue runs jobs one at a time, in arrival order, on a single goroutine.
// Every job's release func runs exactly once, whether or not the call ran.
type callQueue struct {
	jobs     chan *job
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newCallQueue(size int) *callQueue {
	q := &callQueue{
		jobs: make(chan *job, size),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *callQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			q.drain()
			return
		case j := <-q.jobs:
			q.execute(j)
		}
	}
}

func (q *callQueue) execute(j *job) {
	defer j.release()
	// skip calls whose caller already gave up while queued
	if err := j.ctx.Err(); err != nil {
		j.result <- outcome{err: err}
		return
	}
	res, err := j.call(j.ctx)
	j.result <- outcome{res: res, err: err}
}

func (q *callQueue) drain() {
	for {
		select {
		case j := <-q.jobs:
			j.release()
			j.result <- outcome{err: ErrClosed}
		default:
			return
		}
	}
}

// do enqueues c and waits for its outcome. A full queue blocks until ctx is
// done.
func (q *callQueue) do(ctx context.Context, c call, release func()) (Result, error) {
	select {
	case <-q.done:
		release()
		return Result{}, ErrClosed
	default:
	}

	j := &job{ctx: ctx, call: c, release: release, result: make(chan outcome, 1)}
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		release()
		return Result{}, ctx.Err()
	case <-q.done:
		release()
		return Result{}, ErrClosed
	}

	select {
	case o := <-j.result:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (q *callQueue) stop() {
	q.stopOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
}

// runWithContext runs c on its own goroutine and returns as soon as ctx is
// done, leaving a model that ignores its context to finish in the background.
func runWithContext(ctx context.Context, c call, release func()) (Result, error) {
	if err := ctx.Err(); err != nil {
		release()
		return Result{}, err
	}
	done := make(chan outcome, 1)
	go func() {
		defer release()
		res, err := c(ctx)
		done <- outcome{res: res, err: err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
