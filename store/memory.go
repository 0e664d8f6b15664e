package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/pipeline"
)

// Default eviction configuration, matching the teacher's defaults.
const (
	DefaultMaxCompletedBuilds = 1000
	DefaultBuildTTL           = 24 * time.Hour
	DefaultEvictionInterval   = 5 * time.Minute
)

// MemoryStoreConfig configures the in-memory build store.
type MemoryStoreConfig struct {
	// MaxCompletedBuilds caps how many terminal builds are retained; 0
	// means no limit. Oldest-finished are evicted first.
	MaxCompletedBuilds int
	// BuildTTL is how long a terminal build survives before it becomes
	// eligible for eviction; 0 disables TTL-based eviction.
	BuildTTL time.Duration
	// EvictionInterval is how often the background sweep runs; 0 disables
	// it (eviction then only happens on-demand, never).
	EvictionInterval time.Duration
}

// MemoryStore is an in-memory BuildStore, the default backend for a single
// driver process that doesn't need build state to outlive it.
type MemoryStore struct {
	mu     sync.RWMutex
	builds map[string]*Build
	config MemoryStoreConfig

	// active indexes non-terminal builds so ListActiveBuilds avoids an
	// O(n) scan when a scheduler or UI polls it on a tight interval.
	active map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

func WithMaxCompletedBuilds(n int) MemoryStoreOption {
	return func(s *MemoryStore) { s.config.MaxCompletedBuilds = n }
}

func WithBuildTTL(ttl time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.config.BuildTTL = ttl }
}

func WithEvictionInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.config.EvictionInterval = interval }
}

// NewMemoryStore creates an in-memory build store with the default
// retention settings, starting its background eviction loop if configured.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		builds: make(map[string]*Build),
		active: make(map[string]struct{}),
		config: MemoryStoreConfig{
			MaxCompletedBuilds: DefaultMaxCompletedBuilds,
			BuildTTL:           DefaultBuildTTL,
			EvictionInterval:   DefaultEvictionInterval,
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.EvictionInterval > 0 {
		go s.evictionLoop()
	} else {
		close(s.doneCh)
	}
	return s
}

// Close stops the background eviction loop and waits for it to exit.
func (s *MemoryStore) Close() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *MemoryStore) evictionLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.config.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictOldBuilds()
		}
	}
}

func (s *MemoryStore) evictOldBuilds() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	type aged struct {
		id         string
		finishedAt time.Time
	}
	var terminal []aged

	for id, build := range s.builds {
		if !IsTerminalBuildStatus(build.Status) {
			continue
		}
		finishedAt := build.CreatedAt
		if build.FinishedAt != nil {
			finishedAt = *build.FinishedAt
		}
		if s.config.BuildTTL > 0 && now.Sub(finishedAt) > s.config.BuildTTL {
			delete(s.builds, id)
			delete(s.active, id)
			continue
		}
		terminal = append(terminal, aged{id: id, finishedAt: finishedAt})
	}

	if s.config.MaxCompletedBuilds > 0 && len(terminal) > s.config.MaxCompletedBuilds {
		sort.Slice(terminal, func(i, j int) bool { return terminal[i].finishedAt.Before(terminal[j].finishedAt) })
		for _, a := range terminal[:len(terminal)-s.config.MaxCompletedBuilds] {
			delete(s.builds, a.id)
			delete(s.active, a.id)
		}
	}
}

// Stats reports the store's current size, for driver diagnostics.
func (s *MemoryStore) Stats() (total, activeCount, completed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, build := range s.builds {
		total++
		if IsTerminalBuildStatus(build.Status) {
			completed++
		} else {
			activeCount++
		}
	}
	return
}

func (s *MemoryStore) CreateBuild(ctx context.Context, intent pipeline.Intent, scope []string, tasks []TaskRecord) (*Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	build := &Build{
		ID:        "bld-" + uuid.New().String()[:8],
		Intent:    intent,
		Scope:     append([]string(nil), scope...),
		Tasks:     append([]TaskRecord(nil), tasks...),
		Status:    BuildPending,
		CreatedAt: time.Now(),
	}
	s.builds[build.ID] = build
	s.active[build.ID] = struct{}{}
	return copyBuild(build), nil
}

func (s *MemoryStore) GetBuild(ctx context.Context, id string) (*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	build, ok := s.builds[id]
	if !ok {
		return nil, bserrors.Newf(bserrors.ClassInternal, "BUILD_NOT_FOUND", "build not found: %s", id)
	}
	return copyBuild(build), nil
}

func (s *MemoryStore) UpdateBuild(ctx context.Context, build *Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.builds[build.ID]
	if !ok {
		return bserrors.Newf(bserrors.ClassInternal, "BUILD_NOT_FOUND", "build not found: %s", build.ID)
	}
	existing.Status = build.Status
	existing.StartedAt = build.StartedAt
	existing.FinishedAt = build.FinishedAt
	if IsTerminalBuildStatus(build.Status) {
		delete(s.active, build.ID)
	}
	return nil
}

func (s *MemoryStore) ListBuilds(ctx context.Context) ([]*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	builds := make([]*Build, 0, len(s.builds))
	for _, build := range s.builds {
		builds = append(builds, copyBuild(build))
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].CreatedAt.Before(builds[j].CreatedAt) })
	return builds, nil
}

func (s *MemoryStore) ListActiveBuilds(ctx context.Context) ([]*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	builds := make([]*Build, 0, len(s.active))
	for id := range s.active {
		if build, ok := s.builds[id]; ok {
			builds = append(builds, copyBuild(build))
		}
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].CreatedAt.Before(builds[j].CreatedAt) })
	return builds, nil
}

// ClaimReadyTask claims the first TaskPending task whose Dependencies have
// all reached TaskDone, matching the teacher's ClaimReadyPackage readiness
// rule generalized from package success to per-task-kind completion.
func (s *MemoryStore) ClaimReadyTask(ctx context.Context, buildID string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	build, ok := s.builds[buildID]
	if !ok {
		return nil, bserrors.Newf(bserrors.ClassInternal, "BUILD_NOT_FOUND", "build not found: %s", buildID)
	}

	statusByKey := make(map[string]TaskStatus, len(build.Tasks))
	for _, t := range build.Tasks {
		statusByKey[t.Key()] = t.Status
	}

	for i := range build.Tasks {
		task := &build.Tasks[i]
		if task.Status != TaskPending {
			continue
		}
		ready := true
		for _, dep := range task.Dependencies {
			if statusByKey[dep] != TaskDone {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		now := time.Now()
		task.Status = TaskRunning
		task.StartedAt = &now
		result := *task
		return &result, nil
	}
	return nil, nil
}

func (s *MemoryStore) UpdateTaskRecord(ctx context.Context, buildID string, task *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	build, ok := s.builds[buildID]
	if !ok {
		return bserrors.Newf(bserrors.ClassInternal, "BUILD_NOT_FOUND", "build not found: %s", buildID)
	}
	for i := range build.Tasks {
		if build.Tasks[i].Key() == task.Key() {
			build.Tasks[i] = *task
			return nil
		}
	}
	return bserrors.Newf(bserrors.ClassInternal, "TASK_NOT_FOUND", "task not found: %s", task.Key())
}

// copyBuild deep-copies a build so callers can't mutate store-internal
// state through a returned pointer.
func copyBuild(build *Build) *Build {
	cp := *build
	cp.Scope = append([]string(nil), build.Scope...)
	cp.Tasks = make([]TaskRecord, len(build.Tasks))
	for i, t := range build.Tasks {
		tc := t
		tc.Dependencies = append([]string(nil), t.Dependencies...)
		cp.Tasks[i] = tc
	}
	return &cp
}
