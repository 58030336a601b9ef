// Package worker provides a bounded goroutine pool for fan-out work such as
// cache warming, backed by panjf2000/ants.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// ErrPoolClosed is returned when submitting to a released pool
var ErrPoolClosed = errors.New("worker: pool closed")

// Job represents a unit of work to be executed by a worker.
type Job struct {
	// ID is an optional identifier for the job (useful for logging/debugging)
	ID string
	// Execute is the function to run
	Execute func(ctx context.Context) (any, error)
}

// Result represents the outcome of a job execution.
type Result struct {
	JobID    string
	Value    any
	Err      error
	Duration time.Duration
}

// Pool runs jobs on a fixed number of reusable goroutines.
type Pool struct {
	pool    *ants.Pool
	workers int
}

// NewPool creates a pool with the given number of workers.
// Submissions block while every worker is busy.
//
// Example:
//
//	pool, _ := worker.NewPool(4)
//	defer pool.Close()
//	results := pool.Run(ctx, jobs)
func NewPool(workers int) (*Pool, error) {
	if workers <= 0 {
		workers = 1
	}

	p, err := ants.NewPool(workers, ants.WithExpiryDuration(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Pool{pool: p, workers: workers}, nil
}

// Submit schedules job and reports its result to done.
// A panicking job is reported as an error instead of crashing the process.
func (p *Pool) Submit(ctx context.Context, job Job, done func(Result)) error {
	err := p.pool.Submit(func() {
		done(execute(ctx, job))
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Run executes jobs concurrently and waits for all of them.
// Results are returned in submission order. Jobs that could not be scheduled
// carry the scheduling error.
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))

	var wg sync.WaitGroup
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			results[i] = Result{JobID: job.ID, Err: err}
			continue
		}

		wg.Add(1)
		i := i
		if err := p.Submit(ctx, job, func(r Result) {
			defer wg.Done()
			results[i] = r
		}); err != nil {
			wg.Done()
			results[i] = Result{JobID: job.ID, Err: err}
		}
	}
	wg.Wait()

	return results
}

func execute(ctx context.Context, job Job) (res Result) {
	start := time.Now()
	res.JobID = job.ID
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("worker: job %q panicked: %v", job.ID, r)
		}
		res.Duration = time.Since(start)
	}()

	res.Value, res.Err = job.Execute(ctx)
	return res
}

// Workers returns the pool capacity.
func (p *Pool) Workers() int {
	return p.workers
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Close releases the pool. Jobs already running finish in the background.
func (p *Pool) Close() {
	p.pool.Release()
}
