// Package store persists the state of a scheduler run: one Build record per
// pipeline.Plan execution, and one TaskRecord per (element, task-kind) unit
// of scheduler work within it. It exists alongside the scheduler's in-memory
// run state so a driver can list, resume, and report on builds across
// process restarts, and so a build's progress is visible to something other
// than the process running it.
//
// Grounded on the teacher's pkg/service/store: BuildStore's shape (CreateBuild
// /GetBuild/UpdateBuild/ListBuilds/ListActiveBuilds/ClaimReadyPackage/
// UpdatePackageJob) and IsTerminalStatus carry over almost unchanged, with
// types.Build/PackageJob generalized from "one package, one status" to "one
// element, five possible task kinds" to match pipeline.Task and
// scheduler.Status.
package store

import (
	"context"
	"time"

	"github.com/buildstream-sub000/engine/pipeline"
)

// TaskStatus mirrors scheduler.Status, restated as a string type so it
// serializes cleanly to JSON and SQL without a lookup table.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	TaskSkipped TaskStatus = "skipped"
)

// BuildStatus is the overall status of a scheduler run.
type BuildStatus string

const (
	BuildPending BuildStatus = "pending"
	BuildRunning BuildStatus = "running"
	BuildSuccess BuildStatus = "success"
	BuildFailed  BuildStatus = "failed"
	BuildPartial BuildStatus = "partial" // some tasks succeeded, some failed or were skipped
)

// IsTerminalBuildStatus reports whether status is one a build cannot leave.
func IsTerminalBuildStatus(status BuildStatus) bool {
	switch status {
	case BuildSuccess, BuildFailed, BuildPartial:
		return true
	default:
		return false
	}
}

// TaskRecord is one (element, kind) unit of scheduler work within a build.
// Dependencies names the other tasks (by Key) that must reach TaskDone
// before this one is ready to claim — computed by the caller from the
// dependency graph and the task-kind ordering at CreateBuild time, since the
// store itself has no view of the dag.
type TaskRecord struct {
	Element      string
	Kind         pipeline.TaskKind
	Status       TaskStatus
	Dependencies []string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Error        string
	Rebuilt      bool // scheduler.Hooks.Build's rebuilt-vs-cached-hit outcome
}

// Key identifies a TaskRecord uniquely within its build.
func (t TaskRecord) Key() string {
	return t.Element + "/" + string(t.Kind)
}

// Build is one planned-and-run pipeline.Plan, with one TaskRecord per
// pipeline.Task it scheduled.
type Build struct {
	ID         string
	Intent     pipeline.Intent
	Scope      []string
	Tasks      []TaskRecord
	Status     BuildStatus
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// BuildStore is the persistence boundary between the scheduler/driver and
// whatever is keeping build state durable, in-memory or a database.
type BuildStore interface {
	// CreateBuild records a new build from a planned intent, scope, and the
	// task records derived from its pipeline.Plan.
	CreateBuild(ctx context.Context, intent pipeline.Intent, scope []string, tasks []TaskRecord) (*Build, error)

	// GetBuild retrieves a build by ID.
	GetBuild(ctx context.Context, id string) (*Build, error)

	// UpdateBuild replaces a build's top-level status/timestamps.
	UpdateBuild(ctx context.Context, build *Build) error

	// ListBuilds returns every build, oldest first.
	ListBuilds(ctx context.Context) ([]*Build, error)

	// ListActiveBuilds returns only non-terminal builds, for frequent
	// scheduler/driver polling without an O(n) scan over finished history.
	ListActiveBuilds(ctx context.Context) ([]*Build, error)

	// ClaimReadyTask atomically claims one TaskPending task within buildID
	// whose Dependencies have all reached TaskDone, marking it TaskRunning.
	// Returns nil, nil if nothing is ready yet.
	ClaimReadyTask(ctx context.Context, buildID string) (*TaskRecord, error)

	// UpdateTaskRecord writes back a task's status/result after it runs.
	UpdateTaskRecord(ctx context.Context, buildID string, task *TaskRecord) error
}
