// Package sandbox implements the sandbox orchestrator of spec.md §4.8: the
// 10-step build process that turns a composed, variable-resolved Element
// into an Artifact proto — workspace allocation, dependency staging with
// overlap checking, integration commands, source staging, command
// construction, executor invocation, install-root collection under the
// filesystem metadata policy, optional build-tree caching, and artifact
// assembly.
//
// Grounded on the teacher's pkg/build/build.go (populateWorkspace's
// fs.WalkDir + xignore ignore-pattern staging, workspace directory
// lifecycle, otel span instrumentation) and pkg/build/build_buildkit.go
// (the build-package sequencing this package generalizes from "one APK
// package build via BuildKit" into "one element build via a pluggable
// Executor" — the low-level sandbox executor itself is out of scope per
// spec.md §1, so this package only defines what it requests from one).
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/buildstream-sub000/engine/cachekey"
	"github.com/buildstream-sub000/engine/element"
	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/internal/dag"
	"github.com/buildstream-sub000/engine/variables"
)

var tracer = otel.Tracer("sandbox")

// Platform names the element's declared sandbox OS/architecture.
type Platform struct {
	OS   string
	Arch string
}

// Command is the argv/env/platform/workdir contract step 6 of spec.md §4.8
// writes before invoking the executor. Argv is a sequence of whole shell
// command lines run in order, halting on the first non-zero exit — not a
// single exec(2) argv vector.
type Command struct {
	Argv     []string
	Env      map[string]string
	Platform Platform
	WorkDir  string
}

// ExecResult is what an Executor reports back for one Command invocation.
type ExecResult struct {
	ExitCode int
	Log      []byte
}

// Executor is the external sandbox executor spec.md §1 names as a
// Non-goal to implement: a buildbox-run/bubblewrap-like child process this
// package only calls, synchronously, once per build.
type Executor interface {
	Run(ctx context.Context, cmd Command, rootDir string) (*ExecResult, error)
}

// BlobStore is the minimal CAS write contract the orchestrator needs to
// persist logs and, optionally, a build-tree snapshot. A full
// content-addressable store lives in the cas package; this interface lets
// sandbox depend only on "put bytes, get a digest back".
type BlobStore interface {
	Put(ctx context.Context, data []byte) (digest string, err error)
}

// ArtifactProvider checks out a dependency's cached artifact tree into
// destDir, implementing step 3's "staging uses CAS hardlink/copy-on-write".
type ArtifactProvider interface {
	CheckoutArtifact(ctx context.Context, element string, destDir string) error
}

// SourceStager stages one of the target element's own sources into destDir,
// honouring the source's directory attribute.
type SourceStager interface {
	StageSource(ctx context.Context, src *element.Source, destDir string) error
}

// Registry resolves an element name to its fully composed, variable-resolved
// Element, so the orchestrator can read a staged dependency's own
// integration-commands and overlap-whitelist (spec.md §4.8 step 3-4: these
// belong to the dependency, not to the element being built).
type Registry func(name string) (*element.Element, error)

// Request is everything one Build(E) needs.
type Request struct {
	Graph    *dag.Graph
	Target   *element.Element
	Resolve  Registry

	// ResolvedVariables is E's fully %{}-expanded variable map; build-root,
	// install-root, and command-subdir are read from here.
	ResolvedVariables map[string]string

	Artifacts     ArtifactProvider
	Sources       SourceStager
	Executor      Executor
	Blobs         BlobStore

	// OverlapFatal controls whether an overlap outside every claimant's
	// overlap-whitelist aborts the build (default true per spec.md §4.8).
	OverlapFatal bool

	// CacheBuildTree is "never", "auto", or "always" (spec.md §4.8 step 9).
	CacheBuildTree string

	// BuildDepStrongKeys supplies each build dependency's strong key, for
	// the Artifact proto's strict_key_of_each_build_dep field.
	BuildDepStrongKeys map[string]cachekey.Key
	StrongKey          cachekey.Key
	WeakKey            cachekey.Key
}

// Artifact is the proto spec.md §4.8 step 10 describes, minus the CAS
// plumbing that indexes it (that belongs to the cas/store packages).
type Artifact struct {
	ElementName  string
	ProjectName  string
	StrongKey    cachekey.Key
	WeakKey      cachekey.Key
	BuildDepKeys map[string]cachekey.Key

	TreeDigest      string
	BuildTreeDigest string
	LogsDigest      string

	BuildSuccess bool

	Public              map[string]string
	ResolvedEnvironment map[string]string
	ResolvedVariables   map[string]string
}

// StagingEntry is one (dependency, location) pair of the staging plan,
// spec.md §4.8 step 2.
type StagingEntry struct {
	Dependency string
	Location   string
}

// Orchestrator drives Build(E) against one Request.
type Orchestrator struct{}

// New builds an Orchestrator. It carries no state: every build is an
// independent call against its own Request and workspace.
func New() *Orchestrator {
	return &Orchestrator{}
}

// Build runs the 10-step process of spec.md §4.8 for req.Target, returning
// the resulting Artifact proto even on failure (build_success=false), so
// failed builds remain reproducible and remotely shareable.
func (o *Orchestrator) Build(ctx context.Context, req Request) (*Artifact, error) {
	ctx, span := tracer.Start(ctx, "sandbox.Build")
	defer span.End()
	log := clog.FromContext(ctx).With("element", req.Target.Name)

	// Step 1: allocate a clean workspace outside any project source.
	workDir, err := os.MkdirTemp("", "bst-sandbox-*")
	if err != nil {
		return nil, bserrors.New(bserrors.ClassSandbox, "WORKSPACE_ALLOC_FAILED", err).WithElement(req.Target.Name)
	}
	defer os.RemoveAll(workDir)

	buildRoot, err := resolveSandboxPath(workDir, req.ResolvedVariables["build-root"])
	if err != nil {
		return nil, err
	}
	installRoot, err := resolveSandboxPath(workDir, req.ResolvedVariables["install-root"])
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(buildRoot, 0o755); err != nil {
		return nil, bserrors.New(bserrors.ClassSandbox, "WORKSPACE_ALLOC_FAILED", err).WithElement(req.Target.Name)
	}
	if err := os.MkdirAll(installRoot, 0o755); err != nil {
		return nil, bserrors.New(bserrors.ClassSandbox, "WORKSPACE_ALLOC_FAILED", err).WithElement(req.Target.Name)
	}

	// Step 2: compute the staging plan over the build-scope closure.
	plan, err := ComputeStagingPlan(req.Graph, req.Target)
	if err != nil {
		return nil, err
	}

	// resolver expands %{} tokens still present in raw declarative strings
	// (integration commands, source directories, command groups) against E's
	// already fully-resolved variable map.
	resolver := variables.New(req.ResolvedVariables)

	// Step 3: stage each dependency's artifact tree, checking for overlaps.
	checker := NewOverlapChecker()
	depOrder, err := req.Graph.Closure([]string{req.Target.Name}, dag.Build)
	if err != nil {
		return nil, bserrors.New(bserrors.ClassSandbox, "STAGING_FAILED", err).WithElement(req.Target.Name)
	}
	for _, entry := range plan {
		dest, err := resolveSandboxPath(workDir, entry.Location)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return nil, bserrors.New(bserrors.ClassSandbox, "STAGING_FAILED", err).WithElement(entry.Dependency)
		}
		if err := req.Artifacts.CheckoutArtifact(ctx, entry.Dependency, dest); err != nil {
			return nil, bserrors.New(bserrors.ClassSandbox, "STAGING_FAILED", err).WithElement(entry.Dependency)
		}
		depEl, err := req.Resolve(entry.Dependency)
		if err != nil {
			return nil, bserrors.New(bserrors.ClassSandbox, "STAGING_FAILED", err).WithElement(entry.Dependency)
		}
		if err := checker.ClaimTree(dest, entry.Dependency, depEl.Public.OverlapWhitelist, req.OverlapFatal); err != nil {
			return nil, err
		}
	}

	// Step 4: run each staged dependency's integration-commands in
	// topological order, read-only except the build/install roots.
	for _, name := range depOrder {
		if name == req.Target.Name {
			continue
		}
		depEl, err := req.Resolve(name)
		if err != nil {
			return nil, bserrors.New(bserrors.ClassSandbox, "INTEGRATION_FAILED", err).WithElement(name)
		}
		for _, raw := range depEl.Public.IntegrationCommands {
			cmd, err := resolver.Resolve(raw)
			if err != nil {
				return nil, bserrors.New(bserrors.ClassSandbox, "INTEGRATION_FAILED", err).WithElement(name)
			}
			log.Debugf("integration command for %s: %s", name, cmd)
			res, err := req.Executor.Run(ctx, Command{
				Argv:    []string{cmd},
				Env:     req.ResolvedVariables,
				WorkDir: buildRoot,
			}, workDir)
			if err != nil {
				return nil, bserrors.New(bserrors.ClassSandbox, "INTEGRATION_FAILED", err).WithElement(name)
			}
			if res.ExitCode != 0 {
				return nil, bserrors.Newf(bserrors.ClassSandbox, "INTEGRATION_FAILED",
					"integration command for %s exited %d: %s", name, res.ExitCode, cmd).WithElement(name)
			}
		}
	}

	// Step 5: stage E's own sources under %{build-root}.
	for _, src := range req.Target.Sources {
		dir, err := resolver.Resolve(src.Directory)
		if err != nil {
			return nil, bserrors.New(bserrors.ClassSandbox, "STAGING_FAILED", err).WithElement(req.Target.Name)
		}
		dest, err := resolveSandboxPath(buildRoot, dir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return nil, bserrors.New(bserrors.ClassSandbox, "STAGING_FAILED", err).WithElement(req.Target.Name)
		}
		if err := req.Sources.StageSource(ctx, src, dest); err != nil {
			return nil, bserrors.New(bserrors.ClassSandbox, "STAGING_FAILED", err).WithElement(req.Target.Name)
		}
	}

	// Step 6-7: build the Command proto and invoke the executor.
	behavior, err := element.Resolve(req.Target)
	if err != nil {
		return nil, err
	}
	commandSubdir, err := resolveSandboxPath(buildRoot, req.ResolvedVariables["command-subdir"])
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(commandSubdir, 0o755); err != nil {
		return nil, bserrors.New(bserrors.ClassSandbox, "WORKSPACE_ALLOC_FAILED", err).WithElement(req.Target.Name)
	}

	argv := make([]string, 0, len(behavior.Commands.All()))
	for _, raw := range behavior.Commands.All() {
		resolved, err := resolver.Resolve(raw)
		if err != nil {
			return nil, bserrors.New(bserrors.ClassSandbox, "COMMAND_RESOLVE_FAILED", err).WithElement(req.Target.Name)
		}
		argv = append(argv, resolved)
	}

	cmd := Command{
		Argv:     argv,
		Env:      req.Target.Environment,
		Platform: Platform{OS: req.Target.Sandbox.BuildOS, Arch: req.Target.Sandbox.BuildArch},
		WorkDir:  commandSubdir,
	}

	var execResult *ExecResult
	var buildSuccess bool
	if len(cmd.Argv) == 0 {
		execResult = &ExecResult{ExitCode: 0}
		buildSuccess = true
	} else {
		execResult, err = req.Executor.Run(ctx, cmd, workDir)
		if err != nil {
			return o.failureArtifact(ctx, req, workDir, buildRoot, nil, fmt.Sprintf("executor error: %v", err))
		}
		buildSuccess = execResult.ExitCode == 0
	}

	logsDigest := ""
	if req.Blobs != nil && execResult != nil {
		logsDigest, err = req.Blobs.Put(ctx, execResult.Log)
		if err != nil {
			return nil, bserrors.New(bserrors.ClassCache, "LOG_STORE_FAILED", err).WithElement(req.Target.Name)
		}
	}

	if !buildSuccess {
		return o.failureArtifact(ctx, req, workDir, buildRoot, &logsDigest,
			fmt.Sprintf("command exited %d", execResult.ExitCode))
	}

	// Step 8: collect %{install-root}, enforce the filesystem metadata
	// policy, and compute the tree digest.
	if err := NormalizeTree(installRoot); err != nil {
		return nil, bserrors.New(bserrors.ClassSandbox, "METADATA_POLICY_FAILED", err).WithElement(req.Target.Name)
	}
	treeDigest, err := TreeDigest(installRoot)
	if err != nil {
		return nil, bserrors.New(bserrors.ClassSandbox, "METADATA_POLICY_FAILED", err).WithElement(req.Target.Name)
	}

	// Step 9: optionally cache the build-tree.
	buildTreeDigest := ""
	if req.Blobs != nil && req.CacheBuildTree == "always" {
		buildTreeDigest, err = TreeDigest(buildRoot)
		if err != nil {
			return nil, bserrors.New(bserrors.ClassCache, "BUILDTREE_STORE_FAILED", err).WithElement(req.Target.Name)
		}
	}

	// Step 10: assemble the Artifact proto.
	return &Artifact{
		ElementName:         req.Target.Name,
		ProjectName:         req.Target.ProjectName,
		StrongKey:           req.StrongKey,
		WeakKey:             req.WeakKey,
		BuildDepKeys:        req.BuildDepStrongKeys,
		TreeDigest:          treeDigest,
		BuildTreeDigest:     buildTreeDigest,
		LogsDigest:          logsDigest,
		BuildSuccess:        true,
		Public:              stringifyPublic(req.Target),
		ResolvedEnvironment: req.Target.Environment,
		ResolvedVariables:   req.ResolvedVariables,
	}, nil
}

// failureArtifact builds the build_success=false Artifact proto spec.md
// §4.8 requires even for a failed Build(E), optionally caching the
// build-tree under the "auto" policy.
func (o *Orchestrator) failureArtifact(ctx context.Context, req Request, _, buildRoot string, logsDigest *string, reason string) (*Artifact, error) {
	buildTreeDigest := ""
	if req.Blobs != nil && (req.CacheBuildTree == "always" || req.CacheBuildTree == "auto") {
		if d, err := TreeDigest(buildRoot); err == nil {
			buildTreeDigest = d
		}
	}
	digest := ""
	if logsDigest != nil {
		digest = *logsDigest
	}
	return &Artifact{
		ElementName:     req.Target.Name,
		ProjectName:     req.Target.ProjectName,
		StrongKey:       req.StrongKey,
		WeakKey:         req.WeakKey,
		BuildDepKeys:    req.BuildDepStrongKeys,
		BuildTreeDigest: buildTreeDigest,
		LogsDigest:      digest,
		BuildSuccess:    false,
	}, bserrors.Newf(bserrors.ClassSandbox, "BUILD_FAILED", "%s: %s", req.Target.Name, reason).WithElement(req.Target.Name)
}

// ComputeStagingPlan derives the ordered (dependency, location) entries of
// spec.md §4.8 step 2 from target's build-scope closure, sorted
// parent-before-child by destination path.
func ComputeStagingPlan(g *dag.Graph, target *element.Element) ([]StagingEntry, error) {
	closure, err := g.Closure([]string{target.Name}, dag.Build)
	if err != nil {
		return nil, bserrors.New(bserrors.ClassSandbox, "STAGING_FAILED", err).WithElement(target.Name)
	}
	locations := make(map[string]string, len(target.Dependencies))
	for _, d := range target.Dependencies {
		if d.Type == dag.Build || d.Type == dag.All {
			loc := d.Location
			if loc == "" {
				loc = "/"
			}
			locations[d.Target] = loc
		}
	}
	var plan []StagingEntry
	for _, name := range closure {
		if name == target.Name {
			continue
		}
		loc, ok := locations[name]
		if !ok {
			loc = "/"
		}
		plan = append(plan, StagingEntry{Dependency: name, Location: loc})
	}
	sort.SliceStable(plan, func(i, j int) bool {
		di := strings.Count(filepath.Clean(plan[i].Location), "/")
		dj := strings.Count(filepath.Clean(plan[j].Location), "/")
		if di != dj {
			return di < dj
		}
		return plan[i].Location < plan[j].Location
	})
	return plan, nil
}

// resolveSandboxPath joins rel onto base, rejecting any rel that would
// escape base once cleaned (spec.md §4.8: directory/command-subdir "must
// resolve to a subpath").
func resolveSandboxPath(base, rel string) (string, error) {
	if rel == "" {
		rel = "/"
	}
	cleaned := filepath.Clean("/" + rel)
	joined := filepath.Join(base, cleaned)
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", bserrors.Newf(bserrors.ClassSandbox, "PATH_ESCAPES_ROOT", "path %q escapes sandbox root", rel)
	}
	return joined, nil
}

func stringifyPublic(el *element.Element) map[string]string {
	out := map[string]string{}
	for k, v := range el.Public.SplitRules {
		out["split-rules."+k] = strings.Join(v, ",")
	}
	return out
}

// runShell executes src under workDir with env, using mvdan.cc/sh/v3's
// POSIX interpreter — this package's default, dependency-free Executor for
// use when no external sandbox executor (bubblewrap, buildbox-run) is
// configured, matching spec.md §1's framing that the low-level executor is
// a pluggable dependency the core merely invokes.
func runShell(ctx context.Context, src, workDir string, env map[string]string) (*ExecResult, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader("set -e\n"+src), "")
	if err != nil {
		return nil, fmt.Errorf("parsing shell commands: %w", err)
	}

	var out bytes.Buffer
	pairs := make([]string, 0, len(env))
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}

	runner, err := interp.New(
		interp.StdIO(strings.NewReader(""), &out, &out),
		interp.Dir(workDir),
		interp.Env(expand.ListEnviron(pairs...)),
	)
	if err != nil {
		return nil, fmt.Errorf("building shell interpreter: %w", err)
	}

	runErr := runner.Run(ctx, file)
	exitCode := 0
	if runErr != nil {
		var status interp.ExitStatus
		if ok := asExitStatus(runErr, &status); ok {
			exitCode = int(status)
		} else {
			return nil, runErr
		}
	}
	return &ExecResult{ExitCode: exitCode, Log: out.Bytes()}, nil
}

func asExitStatus(err error, status *interp.ExitStatus) bool {
	if s, ok := err.(interp.ExitStatus); ok {
		*status = s
		return true
	}
	return false
}

// ShellExecutor is the default Executor, running commands locally via
// mvdan.cc/sh/v3 rather than delegating to an external bubblewrap/
// buildbox-run process.
type ShellExecutor struct{}

func (ShellExecutor) Run(ctx context.Context, cmd Command, _ string) (*ExecResult, error) {
	script := strings.Join(cmd.Argv, "\n")
	return runShell(ctx, script, cmd.WorkDir, cmd.Env)
}
