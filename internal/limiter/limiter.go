// Package limiter runs same-kind generation jobs with a bounded number in
// flight and reports aggregate progress as they finish.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Kind identifies what a job produces.
type Kind string

const (
	KindNarration    Kind = "narration"
	KindIllustration Kind = "illustration"
)

// ErrDuplicateJob is returned when two jobs target the same (scene, kind).
var ErrDuplicateJob = errors.New("limiter: duplicate job for scene")

// PanicError wraps a panic recovered from a job.
type PanicError struct {
	Scene int
	Kind  Kind
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("limiter: panic in %s job for scene %d: %v", e.Kind, e.Scene, e.Value)
}

// Job is one unit of work targeting a single scene.
type Job[T any] struct {
	Scene int
	Kind  Kind
	Run   func(ctx context.Context) (T, error)
}

// Result carries a job's outcome. Results arrive in completion order; use
// Scene to attribute them, never slice position.
type Result[T any] struct {
	Scene    int
	Kind     Kind
	Value    T
	Err      error
	Duration time.Duration
}

// Progress is emitted once per finished job.
type Progress struct {
	Kind      Kind
	Scene     int
	Completed int
	Total     int
	Err       error
}

// ProgressFunc receives progress notifications. Calls are serialized.
type ProgressFunc func(Progress)

// Limiter bounds concurrency for one job kind. The bound holds across every
// Run sharing the limiter, so one limiter per provider tier caps the whole
// process.
type Limiter struct {
	cap int
	sem *semaphore.Weighted
}

// New returns a limiter allowing at most n jobs in flight. Some providers
// need n=1; values below 1 are treated as 1.
func New(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{cap: n, sem: semaphore.NewWeighted(int64(n))}
}

func (l *Limiter) Cap() int { return l.cap }

// Run executes jobs and returns exactly one result per job. A failing job
// never cancels its siblings. If ctx ends, jobs that have not started yet
// resolve with the context error; jobs already running see the cancelled
// context and their results are still reported.
func Run[T any](ctx context.Context, l *Limiter, jobs []Job[T], onProgress ProgressFunc) ([]Result[T], error) {
	seen := make(map[jobKey]struct{}, len(jobs))
	for _, j := range jobs {
		k := jobKey{scene: j.Scene, kind: j.Kind}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("%w: %s/%d", ErrDuplicateJob, j.Kind, j.Scene)
		}
		seen[k] = struct{}{}
	}

	var (
		results   = make([]Result[T], 0, len(jobs))
		mu        sync.Mutex
		completed int
		wg        sync.WaitGroup
	)

	finish := func(r Result[T]) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
		completed++
		if onProgress != nil {
			onProgress(Progress{
				Kind:      r.Kind,
				Scene:     r.Scene,
				Completed: completed,
				Total:     len(jobs),
				Err:       r.Err,
			})
		}
	}

	for _, job := range jobs {
		wg.Add(1)
		go func(job Job[T]) {
			defer wg.Done()

			if err := l.sem.Acquire(ctx, 1); err != nil {
				finish(Result[T]{Scene: job.Scene, Kind: job.Kind, Err: err})
				return
			}
			defer l.sem.Release(1)

			finish(runJob(ctx, job))
		}(job)
	}

	wg.Wait()
	return results, nil
}

func runJob[T any](ctx context.Context, job Job[T]) (res Result[T]) {
	start := time.Now()
	res = Result[T]{Scene: job.Scene, Kind: job.Kind}

	defer func() {
		if p := recover(); p != nil {
			res.Err = PanicError{Scene: job.Scene, Kind: job.Kind, Value: p}
		}
		res.Duration = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	res.Value, res.Err = job.Run(ctx)
	return res
}

type jobKey struct {
	scene int
	kind  Kind
}
