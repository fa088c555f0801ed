package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/calderahq/caldera/pkg/telemetry"
)

// DefaultMaxParallel bounds concurrent resource operations per traversal.
const DefaultMaxParallel = 10

// Task is one unit of work in a traversal, keyed by resource name.
type Task struct {
	// Name is the resource name, matching a graph node.
	Name string

	// Run performs the operation. Its error classification drives retries.
	Run func(ctx context.Context) error

	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
}

// TraverseOptions tunes a single traversal.
type TraverseOptions struct {
	// FailFast stops scheduling later levels after the first failure
	// instead of running every unaffected branch to completion.
	FailFast bool
}

type taskStatus int

const (
	taskPending taskStatus = iota
	taskSucceeded
	taskFailed
	taskSkipped
)

// TraverseResult reports the outcome of a traversal per resource.
type TraverseResult struct {
	Succeeded []string
	Failed    []string
	Skipped   []string

	// Errs holds the final error of each failed or skipped resource.
	Errs map[string]error
}

// OK reports whether every task succeeded.
func (r *TraverseResult) OK() bool {
	return len(r.Failed) == 0 && len(r.Skipped) == 0
}

// Err returns the error of the first failed resource in sorted order,
// falling back to the first skipped resource. A traversal that left any
// resource unexecuted is not a success.
func (r *TraverseResult) Err() error {
	names := r.Failed
	if len(names) == 0 {
		names = r.Skipped
	}
	if len(names) == 0 {
		return nil
	}
	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	if err := r.Errs[sorted[0]]; err != nil {
		return err
	}
	return NewPermanentError(fmt.Sprintf("resource %q was skipped", sorted[0]), nil).
		WithCode(ErrCodeDependencyFailed).WithResource(sorted[0])
}

// Traverser walks a dependency graph level by level, running the tasks of
// each level on a bounded worker pool. A task runs only after every
// dependency's task succeeded; tasks downstream of a failure are skipped.
// The Traverser itself is stateless: each Traverse call owns its own
// status, so one Traverser may serve concurrent stack operations.
type Traverser struct {
	maxParallel int
	logger      *telemetry.Logger
}

// NewTraverser creates a traverser with the given concurrency bound.
func NewTraverser(maxParallel int, logger *telemetry.Logger) *Traverser {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Traverser{
		maxParallel: maxParallel,
		logger:      logger.NewComponentLogger("traverser"),
	}
}

// traversal is the state of one Traverse call.
type traversal struct {
	maxParallel int
	logger      *telemetry.Logger
	graph       *Graph
	tasks       map[string]*Task

	mu     sync.Mutex
	status map[string]taskStatus
	failed bool
	result *TraverseResult
}

// Traverse runs the tasks in dependency order over the graph. Graph nodes
// without a task are treated as immediate successes so partial traversals
// (noop resources) keep their dependents unblocked.
func (t *Traverser) Traverse(ctx context.Context, g *Graph, tasks map[string]*Task) (*TraverseResult, error) {
	return t.TraverseWithOptions(ctx, g, tasks, TraverseOptions{})
}

// TraverseWithOptions is Traverse with per-run tuning.
func (t *Traverser) TraverseWithOptions(ctx context.Context, g *Graph, tasks map[string]*Task, opts TraverseOptions) (*TraverseResult, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}

	tv := &traversal{
		maxParallel: t.maxParallel,
		logger:      t.logger,
		graph:       g,
		tasks:       tasks,
		status:      make(map[string]taskStatus, len(g.Nodes())),
		result:      &TraverseResult{Errs: make(map[string]error)},
	}
	for _, name := range g.Nodes() {
		tv.status[name] = taskPending
	}

	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			tv.skipPending("traversal cancelled")
			return tv.finish(), NewPermanentError("traversal cancelled", err).WithCode(ErrCodeTimeout)
		}
		if opts.FailFast && tv.hasFailure() {
			tv.skipPending("traversal stopped after earlier failure")
			break
		}
		tv.runLevel(ctx, level)
	}

	return tv.finish(), nil
}

func (tv *traversal) finish() *TraverseResult {
	sort.Strings(tv.result.Succeeded)
	sort.Strings(tv.result.Failed)
	sort.Strings(tv.result.Skipped)
	return tv.result
}

func (tv *traversal) runLevel(ctx context.Context, level []string) {
	workers := tv.maxParallel
	if len(level) < workers {
		workers = len(level)
	}

	queue := make(chan string, len(level))
	for _, name := range level {
		queue <- name
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range queue {
				tv.runOne(ctx, name, tv.tasks[name])
			}
		}()
	}
	wg.Wait()
}

func (tv *traversal) runOne(ctx context.Context, name string, task *Task) {
	if failedDep := tv.failedDependency(name); failedDep != "" {
		err := NewPermanentError(
			fmt.Sprintf("dependency %q did not complete", failedDep), nil).
			WithCode(ErrCodeDependencyFailed).WithResource(name)
		tv.mu.Lock()
		tv.status[name] = taskSkipped
		tv.result.Skipped = append(tv.result.Skipped, name)
		tv.result.Errs[name] = err
		tv.mu.Unlock()
		tv.logger.WithResource(name).Warnf("skipped: dependency %s did not complete", failedDep)
		return
	}

	if task == nil || task.Run == nil {
		tv.mu.Lock()
		tv.status[name] = taskSucceeded
		tv.result.Succeeded = append(tv.result.Succeeded, name)
		tv.mu.Unlock()
		return
	}

	err := tv.runWithRetries(ctx, task)
	if err == nil {
		tv.mu.Lock()
		tv.status[name] = taskSucceeded
		tv.result.Succeeded = append(tv.result.Succeeded, name)
		tv.mu.Unlock()
		return
	}

	tv.mu.Lock()
	tv.status[name] = taskFailed
	tv.failed = true
	tv.result.Failed = append(tv.result.Failed, name)
	tv.result.Errs[name] = err
	tv.mu.Unlock()
	tv.logger.WithResource(name).WithError(err).Error("resource operation failed")
}

func (tv *traversal) runWithRetries(ctx context.Context, task *Task) error {
	var err error
	for attempt := 0; ; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if task.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		err = task.Run(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt >= task.MaxRetries {
			return err
		}

		backoff := calculateBackoff(attempt, err)
		tv.logger.WithResource(task.Name).WithError(err).
			Warnf("retrying in %s (attempt %d/%d)", backoff, attempt+1, task.MaxRetries)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return NewPermanentError("operation cancelled", ctx.Err()).
				WithCode(ErrCodeTimeout).WithResource(task.Name)
		}
	}
}

// failedDependency returns the first dependency of name whose task did not
// succeed, or "" when all dependencies are clear.
func (tv *traversal) failedDependency(name string) string {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	for _, dep := range tv.graph.Dependencies(name) {
		if tv.status[dep] != taskSucceeded {
			return dep
		}
	}
	return ""
}

func (tv *traversal) hasFailure() bool {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	return tv.failed
}

// skipPending marks every resource not yet reached as skipped.
func (tv *traversal) skipPending(reason string) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	for name, s := range tv.status {
		if s == taskPending {
			tv.status[name] = taskSkipped
			tv.result.Skipped = append(tv.result.Skipped, name)
			tv.result.Errs[name] = NewPermanentError(reason, nil).
				WithCode(ErrCodeDependencyFailed).WithResource(name)
		}
	}
}

// calculateBackoff computes exponential backoff with jitter, using a longer
// base delay for throttled and conflict errors.
func calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// ±25% jitter so retries from parallel workers spread out.
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - time.Duration(int64(delay)/4)
	return delay + jitter
}
