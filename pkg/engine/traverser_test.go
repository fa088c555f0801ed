package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calderahq/caldera/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return logger
}

func chainGraph(t *testing.T, edges [][2]string, nodes ...string) *Graph {
	t.Helper()
	g := NewGraph()
	for _, n := range nodes {
		g.AddNode(n)
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("add edge: %v", err)
		}
	}
	return g
}

func TestTraverseRunsInDependencyOrder(t *testing.T) {
	g := chainGraph(t, [][2]string{{"a", "b"}, {"b", "c"}}, "a", "b", "c")

	var mu sync.Mutex
	var order []string
	record := func(name string) *Task {
		return &Task{Name: name, Run: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}
	}
	tasks := map[string]*Task{"a": record("a"), "b": record("b"), "c": record("c")}

	tr := NewTraverser(4, testLogger(t))
	result, err := tr.Traverse(context.Background(), g, tasks)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if !result.OK() {
		t.Fatalf("result not OK: %+v", result)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Errorf("order = %v", order)
	}
}

func TestTraverseSkipsDependentsOfFailure(t *testing.T) {
	g := chainGraph(t, [][2]string{{"a", "b"}, {"b", "c"}}, "a", "b", "c", "d")

	boom := NewPermanentError("boom", nil).WithCode(ErrCodeProviderFailed)
	ran := make(map[string]bool)
	var mu sync.Mutex
	task := func(name string, err error) *Task {
		return &Task{Name: name, Run: func(ctx context.Context) error {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
			return err
		}}
	}
	tasks := map[string]*Task{
		"a": task("a", boom),
		"b": task("b", nil),
		"c": task("c", nil),
		"d": task("d", nil),
	}

	tr := NewTraverser(4, testLogger(t))
	result, err := tr.Traverse(context.Background(), g, tasks)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}

	if !reflect.DeepEqual(result.Failed, []string{"a"}) {
		t.Errorf("failed = %v", result.Failed)
	}
	if !reflect.DeepEqual(result.Skipped, []string{"b", "c"}) {
		t.Errorf("skipped = %v", result.Skipped)
	}
	// d is independent of the failure and still runs.
	if !reflect.DeepEqual(result.Succeeded, []string{"d"}) {
		t.Errorf("succeeded = %v", result.Succeeded)
	}
	if ran["b"] || ran["c"] {
		t.Error("skipped tasks were executed")
	}

	var engineErr *EngineError
	if !errors.As(result.Errs["b"], &engineErr) || engineErr.Code != ErrCodeDependencyFailed {
		t.Errorf("skip error = %v", result.Errs["b"])
	}
	if result.Err() == nil {
		t.Error("Err() should surface the failure")
	}
}

func TestTraverseRetriesTransientErrors(t *testing.T) {
	g := chainGraph(t, nil, "a")

	var attempts int32
	tasks := map[string]*Task{
		"a": {
			Name:       "a",
			MaxRetries: 3,
			Run: func(ctx context.Context) error {
				if atomic.AddInt32(&attempts, 1) < 3 {
					return NewTransientError("flaky", nil)
				}
				return nil
			},
		},
	}

	tr := NewTraverser(1, testLogger(t))
	result, err := tr.Traverse(context.Background(), g, tasks)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if !result.OK() {
		t.Fatalf("result not OK: %v", result.Errs)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestTraverseDoesNotRetryPermanentErrors(t *testing.T) {
	g := chainGraph(t, nil, "a")

	var attempts int32
	tasks := map[string]*Task{
		"a": {
			Name:       "a",
			MaxRetries: 5,
			Run: func(ctx context.Context) error {
				atomic.AddInt32(&attempts, 1)
				return NewPermanentError("broken", nil)
			},
		},
	}

	tr := NewTraverser(1, testLogger(t))
	result, err := tr.Traverse(context.Background(), g, tasks)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("failed = %v", result.Failed)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestTraverseMissingTaskCountsAsSuccess(t *testing.T) {
	g := chainGraph(t, [][2]string{{"a", "b"}}, "a", "b")

	ran := false
	tasks := map[string]*Task{
		"b": {Name: "b", Run: func(ctx context.Context) error {
			ran = true
			return nil
		}},
	}

	tr := NewTraverser(1, testLogger(t))
	result, err := tr.Traverse(context.Background(), g, tasks)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if !result.OK() || !ran {
		t.Errorf("result = %+v, ran = %v", result, ran)
	}
}

func TestTraverseCancellation(t *testing.T) {
	g := chainGraph(t, [][2]string{{"a", "b"}}, "a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	tasks := map[string]*Task{
		"a": {Name: "a", Run: func(taskCtx context.Context) error {
			cancel()
			return nil
		}},
		"b": {Name: "b", Run: func(taskCtx context.Context) error {
			t.Error("b ran after cancellation")
			return nil
		}},
	}

	tr := NewTraverser(1, testLogger(t))
	result, err := tr.Traverse(ctx, g, tasks)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if len(result.Skipped) != 1 {
		t.Errorf("skipped = %v", result.Skipped)
	}
}

func TestTraverseConcurrentStacksKeepSeparateState(t *testing.T) {
	tr := NewTraverser(4, testLogger(t))

	gA := chainGraph(t, [][2]string{{"a_fast", "a_dep"}, {"a_slow", "a_dep"}},
		"a_fast", "a_slow", "a_dep")
	gB := chainGraph(t, nil, "b_one")

	started := make(chan struct{})
	release := make(chan struct{})
	noop := func(ctx context.Context) error { return nil }
	tasksA := map[string]*Task{
		"a_fast": {Name: "a_fast", Run: noop},
		"a_slow": {Name: "a_slow", Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}},
		"a_dep": {Name: "a_dep", Run: noop},
	}

	done := make(chan *TraverseResult, 1)
	go func() {
		result, err := tr.Traverse(context.Background(), gA, tasksA)
		if err != nil {
			t.Errorf("traverse A: %v", err)
		}
		done <- result
	}()

	// Run a second stack's traversal on the same traverser while the
	// first is mid-flight.
	<-started
	resultB, err := tr.Traverse(context.Background(), gB,
		map[string]*Task{"b_one": {Name: "b_one", Run: noop}})
	if err != nil {
		t.Fatalf("traverse B: %v", err)
	}
	if !resultB.OK() {
		t.Fatalf("result B = %+v", resultB)
	}

	close(release)
	resultA := <-done
	if !resultA.OK() {
		t.Fatalf("result A = %+v", resultA)
	}
	if !reflect.DeepEqual(resultA.Succeeded, []string{"a_dep", "a_fast", "a_slow"}) {
		t.Errorf("succeeded = %v", resultA.Succeeded)
	}
}

func TestResultErrSurfacesSkips(t *testing.T) {
	r := &TraverseResult{
		Succeeded: []string{"a"},
		Skipped:   []string{"b"},
		Errs:      map[string]error{},
	}
	if r.OK() {
		t.Error("result with skips should not be OK")
	}
	err := r.Err()
	if err == nil {
		t.Fatal("Err() should surface skipped resources")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeDependencyFailed {
		t.Errorf("skip error = %v", err)
	}
}

func TestTraverseFailFastSkipsLaterLevels(t *testing.T) {
	g := chainGraph(t, [][2]string{{"a", "b"}, {"x", "y"}}, "a", "b", "x", "y")

	ran := make(map[string]bool)
	var mu sync.Mutex
	task := func(name string, err error) *Task {
		return &Task{Name: name, Run: func(ctx context.Context) error {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
			return err
		}}
	}
	tasks := map[string]*Task{
		"a": task("a", NewPermanentError("boom", nil)),
		"b": task("b", nil),
		"x": task("x", nil),
		"y": task("y", nil),
	}

	tr := NewTraverser(4, testLogger(t))
	result, err := tr.TraverseWithOptions(context.Background(), g, tasks, TraverseOptions{FailFast: true})
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}

	if !reflect.DeepEqual(result.Failed, []string{"a"}) {
		t.Errorf("failed = %v", result.Failed)
	}
	// y is independent of the failure but sits in a later level; fail-fast
	// stops before scheduling it.
	if !reflect.DeepEqual(result.Skipped, []string{"b", "y"}) {
		t.Errorf("skipped = %v", result.Skipped)
	}
	if ran["y"] {
		t.Error("fail-fast still ran a later level")
	}
	if result.Err() == nil {
		t.Error("Err() should surface the failure")
	}
}

func TestCalculateBackoff(t *testing.T) {
	transient := NewTransientError("x", nil)
	throttled := NewThrottledError("x", nil)

	if d := calculateBackoff(0, transient); d < 750*time.Millisecond || d > 1250*time.Millisecond {
		t.Errorf("transient attempt 0 backoff = %s", d)
	}
	if d := calculateBackoff(0, throttled); d < 3750*time.Millisecond || d > 6250*time.Millisecond {
		t.Errorf("throttled attempt 0 backoff = %s", d)
	}
	// Capped at one minute before jitter.
	if d := calculateBackoff(20, transient); d > 75*time.Second {
		t.Errorf("capped backoff = %s", d)
	}
}
