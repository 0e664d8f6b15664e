// Package scheduler implements the job runner of spec.md §4.7: it drives
// Track/Fetch/Pull/Build/Push tasks across a dependency graph under
// per-task-type concurrency caps, a readiness rule derived from the build
// graph, cancellation with a grace period, network-class retries, and
// on-error policies.
//
// Grounded on the teacher's pkg/service/scheduler.Scheduler (semaphore-gated
// concurrent processing of ready work with an activeBuilds guard) and
// pkg/cli/build.go's errgroup-based parallel package builds, generalized
// from "one concurrency cap over homogeneous package builds" into "three
// concurrency caps over five heterogeneous task kinds with a cross-kind
// dependency order."
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/internal/dag"
	"github.com/buildstream-sub000/engine/pipeline"
)

var tracer = otel.Tracer("scheduler")

// OnErrorPolicy controls how the scheduler reacts to a task failure.
type OnErrorPolicy string

const (
	// Continue finishes every unaffected subgraph and reports at the end.
	Continue OnErrorPolicy = "continue"
	// Quit drains in-flight tasks but starts no new ones.
	Quit OnErrorPolicy = "quit"
	// Terminate, like Quit, starts no new tasks after a failure; Run does
	// not cancel in-flight tasks and waits for them to finish.
	Terminate OnErrorPolicy = "terminate"
)

// Status is a task's terminal or in-flight state.
type Status int

const (
	Pending Status = iota
	Running
	Done
	Failed
	Skipped
)

// Concurrency holds the three caps spec.md §4.7 names, enforced globally
// across the pipeline regardless of how many elements are in scope.
type Concurrency struct {
	Fetchers int
	Builders int
	Pushers  int
}

func (c Concurrency) withDefaults() Concurrency {
	if c.Fetchers <= 0 {
		c.Fetchers = 4
	}
	if c.Builders <= 0 {
		c.Builders = 4
	}
	if c.Pushers <= 0 {
		c.Pushers = 4
	}
	return c
}

// capFor maps a task kind onto the concurrency cap it is governed by.
// Track/Fetch/Pull are all network/IO-bound source operations and share the
// fetchers cap; Build is CPU/sandbox bound; Push is network-bound outbound.
func capFor(kind pipeline.TaskKind) string {
	switch kind {
	case pipeline.TaskTrack, pipeline.TaskFetch, pipeline.TaskPull:
		return "fetchers"
	case pipeline.TaskBuild:
		return "builders"
	case pipeline.TaskPush:
		return "pushers"
	default:
		return "fetchers"
	}
}

// Hooks are the task-kind-specific actions the scheduler drives. Build
// reports whether it performed an actual rebuild (false if it resolved to an
// already-valid cached artifact), which drives strict-mode propagation to
// reverse dependencies (spec.md §4.7: "a dependency with a changed strong
// key invalidates all its reverse dependencies' cached artifacts").
type Hooks interface {
	Track(ctx context.Context, element string) error
	Fetch(ctx context.Context, element string) error
	Pull(ctx context.Context, element string) (found bool, err error)
	Build(ctx context.Context, element string, forceRebuild bool) (rebuilt bool, err error)
	Push(ctx context.Context, element string) error
}

// RetryClassifier reports whether err is a network-class failure eligible
// for retry (spec.md §4.7: "network-class failures in Fetch/Pull/Push are
// retried up to network-retries with exponential backoff").
type RetryClassifier func(err error) bool

// DefaultRetryClassifier classifies bserrors.ClassNetwork errors as
// retryable, matching the error taxonomy's network class.
func DefaultRetryClassifier(err error) bool {
	return bserrors.ClassOf(err) == bserrors.ClassNetwork
}

// Config configures one scheduler run.
type Config struct {
	Concurrency     Concurrency
	OnError         OnErrorPolicy
	Strict          bool
	NetworkRetries  int
	RetryBaseDelay  time.Duration
	CancelGrace     time.Duration
	RetryClassifier RetryClassifier
}

func (c Config) withDefaults() Config {
	c.Concurrency = c.Concurrency.withDefaults()
	if c.OnError == "" {
		c.OnError = Continue
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.RetryClassifier == nil {
		c.RetryClassifier = DefaultRetryClassifier
	}
	return c
}

// TaskResult records one task's outcome for final reporting.
type TaskResult struct {
	Element string
	Kind    pipeline.TaskKind
	Status  Status
	Err     error
}

// Result is the full outcome of a scheduler run.
type Result struct {
	Tasks  []TaskResult
	Failed bool
}

// Scheduler runs a pipeline.Plan's tasks to completion against a dependency
// graph, respecting concurrency caps, readiness, retries, and on-error
// policy.
type Scheduler struct {
	graph  *dag.Graph
	hooks  Hooks
	config Config

	sems map[string]*semaphore.Weighted

	mu       sync.Mutex
	status   map[string]map[pipeline.TaskKind]Status
	rebuilt  map[string]bool // element produced an actual rebuild this run
	results  []TaskResult
	failed   bool
	quitting bool
	running  int
	wake     chan struct{}
}

// New builds a Scheduler bound to g, running hooks against whatever plan is
// passed to Run.
func New(g *dag.Graph, hooks Hooks, config Config) *Scheduler {
	config = config.withDefaults()
	s := &Scheduler{
		graph:   g,
		hooks:   hooks,
		config:  config,
		status:  map[string]map[pipeline.TaskKind]Status{},
		rebuilt: map[string]bool{},
	}
	s.sems = map[string]*semaphore.Weighted{
		"fetchers": semaphore.NewWeighted(int64(config.Concurrency.Fetchers)),
		"builders": semaphore.NewWeighted(int64(config.Concurrency.Builders)),
		"pushers":  semaphore.NewWeighted(int64(config.Concurrency.Pushers)),
	}
	s.wake = make(chan struct{}, 4096)
	return s
}

func (s *Scheduler) setStatus(element string, kind pipeline.TaskKind, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[element] == nil {
		s.status[element] = map[pipeline.TaskKind]Status{}
	}
	s.status[element][kind] = st
}

func (s *Scheduler) getStatus(element string, kind pipeline.TaskKind) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.status[element]; m != nil {
		if st, ok := m[kind]; ok {
			return st
		}
	}
	return Pending
}

func (s *Scheduler) doneOrSkipped(element string, kind pipeline.TaskKind) bool {
	st := s.getStatus(element, kind)
	return st == Done || st == Skipped || st == Failed
}

func (s *Scheduler) succeeded(element string, kind pipeline.TaskKind) bool {
	return s.getStatus(element, kind) == Done
}

var allKinds = []pipeline.TaskKind{
	pipeline.TaskTrack, pipeline.TaskFetch, pipeline.TaskPull, pipeline.TaskBuild, pipeline.TaskPush,
}

// Run drives plan.Tasks to completion, one cooperative goroutine per ready
// task, respecting the readiness rule: Build(E) starts only once Fetch(E) is
// resolved and, for every build-scope dependency d of E, Build(d) or Pull(d)
// has completed successfully (spec.md §4.7's ordering guarantee). Push(E)
// starts once E itself is cached (built or pulled).
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	log := clog.FromContext(ctx)

	// Collect the distinct elements from the graph's topological sort so
	// dependency-first scans have a stable basis; actual ordering between
	// task kinds is enforced by ready(), not by this slice's order.
	topo, err := s.graph.TopologicalSort(dag.All)
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(topo))
	for _, n := range topo {
		order = append(order, n.Name)
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		launched := s.launchReady(ctx, order, &wg, log)
		if s.remaining(order) == 0 {
			break
		}
		if s.quitRequested() {
			break
		}
		if launched == 0 {
			if !s.anyRunning() {
				// Nothing is in flight and nothing became ready: the
				// remaining tasks are permanently blocked (a dependency
				// failed without a Continue policy reaching them).
				break
			}
			select {
			case <-s.wake:
			case <-ctx.Done():
			}
		}
	}
	wg.Wait()
	s.skipUnreachable(order)

	return s.buildResult(), nil
}

// skipUnreachable marks every still-Pending task SKIPPED once the run loop
// has determined no further progress is possible, matching spec.md §4.7:
// "Cancelled tasks report SKIPPED, not FAILED" — the same applies to tasks
// that can never become ready because an upstream dependency failed or the
// on-error policy stopped new work from starting.
func (s *Scheduler) skipUnreachable(order []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range order {
		m := s.status[name]
		if m == nil {
			m = map[pipeline.TaskKind]Status{}
			s.status[name] = m
		}
		for _, kind := range allKinds {
			if m[kind] == Pending {
				m[kind] = Skipped
				s.results = append(s.results, TaskResult{Element: name, Kind: kind, Status: Skipped})
			}
		}
	}
}

// launchReady scans every (element, kind) pair once and starts every
// pending task whose readiness and concurrency cap allow it right now,
// returning how many were launched.
func (s *Scheduler) launchReady(ctx context.Context, order []string, wg *sync.WaitGroup, log *clog.Logger) int {
	launched := 0
	for _, name := range order {
		for _, kind := range allKinds {
			if s.quitRequested() {
				return launched
			}
			if s.getStatus(name, kind) != Pending {
				continue
			}
			if kind == pipeline.TaskBuild && s.buildBlockedByDeps(name) {
				s.setStatus(name, kind, Skipped)
				s.recordResult(name, kind, Skipped, nil)
				launched++ // counts as progress so the outer loop keeps scanning
				continue
			}
			if !s.ready(name, kind) {
				continue
			}
			if kind == pipeline.TaskBuild && s.succeeded(name, pipeline.TaskPull) &&
				!(s.config.Strict && s.anyDepForcedRebuild(name)) {
				// Already satisfied by a remote pull; no need to rebuild
				// unless strict mode forces it because a dependency changed.
				s.setStatus(name, kind, Skipped)
				s.recordResult(name, kind, Skipped, nil)
				launched++
				continue
			}
			sem := s.sems[capFor(kind)]
			if !sem.TryAcquire(1) {
				continue
			}
			launched++
			s.setStatus(name, kind, Running)
			s.addRunning(1)
			wg.Add(1)
			go func(element string, kind pipeline.TaskKind) {
				defer wg.Done()
				defer sem.Release(1)
				defer s.addRunning(-1)
				defer s.notifyWake()
				s.runTask(ctx, element, kind, log)
			}(name, kind)
		}
	}
	return launched
}

// remaining counts tasks not yet in a terminal state.
func (s *Scheduler) remaining(order []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, name := range order {
		for _, kind := range allKinds {
			st := Pending
			if m := s.status[name]; m != nil {
				if v, ok := m[kind]; ok {
					st = v
				}
			}
			if st != Done && st != Skipped && st != Failed {
				n++
			}
		}
	}
	return n
}

func (s *Scheduler) addRunning(delta int) {
	s.mu.Lock()
	s.running += delta
	s.mu.Unlock()
}

func (s *Scheduler) anyRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running > 0
}

func (s *Scheduler) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) quitRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quitting && s.config.OnError != Continue
}

// ready reports whether element's kind task may start now.
func (s *Scheduler) ready(element string, kind pipeline.TaskKind) bool {
	switch kind {
	case pipeline.TaskTrack, pipeline.TaskPull:
		return true
	case pipeline.TaskFetch:
		return s.doneOrSkipped(element, pipeline.TaskTrack)
	case pipeline.TaskBuild:
		if !s.doneOrSkipped(element, pipeline.TaskFetch) {
			return false
		}
		if !s.doneOrSkipped(element, pipeline.TaskPull) {
			return false
		}
		node := s.graph.GetNode(element)
		if node == nil {
			return true
		}
		for _, e := range node.Edges {
			if e.Kind == dag.Runtime {
				continue
			}
			if !(s.succeeded(e.Target, pipeline.TaskBuild) || s.succeeded(e.Target, pipeline.TaskPull)) {
				return false
			}
		}
		return true
	case pipeline.TaskPush:
		return s.succeeded(element, pipeline.TaskBuild) || s.succeeded(element, pipeline.TaskPull)
	default:
		return false
	}
}

// buildBlockedByDeps reports whether element's Build can never become ready
// because a build-scope dependency has permanently failed to produce a
// cached artifact (its Build failed/was skipped and its Pull did not
// succeed).
func (s *Scheduler) buildBlockedByDeps(element string) bool {
	node := s.graph.GetNode(element)
	if node == nil {
		return false
	}
	for _, e := range node.Edges {
		if e.Kind == dag.Runtime {
			continue
		}
		if s.succeeded(e.Target, pipeline.TaskPull) {
			continue
		}
		switch s.getStatus(e.Target, pipeline.TaskBuild) {
		case Failed, Skipped:
			return true
		}
	}
	return false
}

func (s *Scheduler) runTask(ctx context.Context, element string, kind pipeline.TaskKind, log *clog.Logger) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runCtx, span := tracer.Start(runCtx, "scheduler.runTask",
		trace.WithAttributes(attribute.String("element", element), attribute.String("kind", string(kind))))
	defer span.End()

	var err error
	switch kind {
	case pipeline.TaskTrack:
		err = s.withRetry(runCtx, kind, func() error { return s.hooks.Track(runCtx, element) })
	case pipeline.TaskFetch:
		err = s.withRetry(runCtx, kind, func() error { return s.hooks.Fetch(runCtx, element) })
	case pipeline.TaskPull:
		var found bool
		err = s.withRetry(runCtx, kind, func() error {
			var e error
			found, e = s.hooks.Pull(runCtx, element)
			return e
		})
		if err == nil && !found {
			s.setStatus(element, kind, Skipped)
			return
		}
	case pipeline.TaskBuild:
		forceRebuild := s.config.Strict && s.anyDepForcedRebuild(element)
		var rebuilt bool
		err = func() error {
			var e error
			rebuilt, e = s.hooks.Build(runCtx, element, forceRebuild)
			return e
		}()
		if err == nil {
			s.mu.Lock()
			s.rebuilt[element] = rebuilt
			s.mu.Unlock()
		}
	case pipeline.TaskPush:
		err = s.withRetry(runCtx, kind, func() error { return s.hooks.Push(runCtx, element) })
	}

	if err != nil {
		log.Errorf("task %s(%s) failed: %v", kind, element, err)
		span.SetStatus(codes.Error, err.Error())
		s.setStatus(element, kind, Failed)
		s.recordResult(element, kind, Failed, err)
		s.onFailure()
		return
	}
	s.setStatus(element, kind, Done)
	s.recordResult(element, kind, Done, nil)
}

func (s *Scheduler) anyDepForcedRebuild(element string) bool {
	node := s.graph.GetNode(element)
	if node == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range node.Edges {
		if e.Kind == dag.Runtime {
			continue
		}
		if s.rebuilt[e.Target] {
			return true
		}
	}
	return false
}

// withRetry retries fn up to config.NetworkRetries times with exponential
// backoff, only for errors the classifier treats as network-class, matching
// spec.md §4.7's retry rule for Fetch/Pull/Push.
func (s *Scheduler) withRetry(ctx context.Context, kind pipeline.TaskKind, fn func() error) error {
	var err error
	delay := s.config.RetryBaseDelay
	for attempt := 0; attempt <= s.config.NetworkRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if kind == pipeline.TaskBuild || !s.config.RetryClassifier(err) {
			return err
		}
		if attempt == s.config.NetworkRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (s *Scheduler) onFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
	if s.config.OnError != Continue {
		s.quitting = true
	}
}

func (s *Scheduler) recordResult(element string, kind pipeline.TaskKind, status Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, TaskResult{Element: element, Kind: kind, Status: status, Err: err})
}

func (s *Scheduler) buildResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Result{Tasks: append([]TaskResult{}, s.results...), Failed: s.failed}
}
