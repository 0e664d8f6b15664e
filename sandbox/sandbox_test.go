package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildstream-sub000/engine/cachekey"
	"github.com/buildstream-sub000/engine/element"
	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/internal/dag"
	"github.com/buildstream-sub000/engine/internal/ynode"
)

func manualElement(t *testing.T, name, yamlConfig string, deps []element.Dependency) *element.Element {
	t.Helper()
	cfg, err := ynode.Parse(name, []byte(yamlConfig))
	require.NoError(t, err)
	return &element.Element{
		ProjectName:  "test",
		Name:         name,
		Kind:         element.KindManual,
		Dependencies: deps,
		Config:       cfg,
	}
}

// fakeArtifacts checks out a dependency's artifact tree as a single marker
// file, just enough for the overlap checker and staging plan to exercise.
type fakeArtifacts struct{}

func (fakeArtifacts) CheckoutArtifact(_ context.Context, el, destDir string) error {
	return os.WriteFile(filepath.Join(destDir, el+".marker"), []byte(el), 0o644)
}

type fakeSources struct{}

func (fakeSources) StageSource(_ context.Context, src *element.Source, destDir string) error {
	return os.WriteFile(filepath.Join(destDir, "source.txt"), []byte(src.Kind), 0o644)
}

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	digest := "blob-" + string(rune('a'+len(m.blobs)))
	m.blobs[digest] = data
	return digest, nil
}

func buildGraph(t *testing.T) *dag.Graph {
	t.Helper()
	g := dag.NewGraph()
	require.NoError(t, g.AddNode("base.bst", nil))
	require.NoError(t, g.AddNode("app.bst", []dag.Edge{{Target: "base.bst", Kind: dag.Build}}))
	return g
}

func registry(elements map[string]*element.Element) Registry {
	return func(name string) (*element.Element, error) {
		el, ok := elements[name]
		if !ok {
			return nil, bserrors.Newf(bserrors.ClassLoad, "UNKNOWN_ELEMENT", "no such element %q", name)
		}
		return el, nil
	}
}

func TestOrchestratorBuildSucceeds(t *testing.T) {
	g := buildGraph(t)
	base := manualElement(t, "base.bst", "{}", nil)
	app := manualElement(t, "app.bst", `
build-commands:
  - "mkdir -p ../install"
  - "echo hello > ../install/output.txt"
`, []element.Dependency{{Target: "base.bst", Type: dag.Build}})

	o := New()
	artifact, err := o.Build(context.Background(), Request{
		Graph:    g,
		Target:   app,
		Resolve:  registry(map[string]*element.Element{"base.bst": base, "app.bst": app}),
		ResolvedVariables: map[string]string{
			"build-root":     "build",
			"install-root":   "install",
			"command-subdir": "",
		},
		Artifacts:    fakeArtifacts{},
		Sources:      fakeSources{},
		Executor:     ShellExecutor{},
		Blobs:        newMemBlobs(),
		OverlapFatal: true,
		StrongKey:    cachekey.Key("strong-app"),
		WeakKey:      cachekey.Key("weak-app"),
	})
	require.NoError(t, err)
	require.True(t, artifact.BuildSuccess)
	require.Equal(t, "app.bst", artifact.ElementName)
	require.NotEmpty(t, artifact.TreeDigest)
	require.NotEmpty(t, artifact.LogsDigest)
}

func TestOrchestratorBuildReportsFailureArtifact(t *testing.T) {
	g := buildGraph(t)
	base := manualElement(t, "base.bst", "{}", nil)
	app := manualElement(t, "app.bst", `
build-commands:
  - "exit 3"
`, []element.Dependency{{Target: "base.bst", Type: dag.Build}})

	o := New()
	artifact, err := o.Build(context.Background(), Request{
		Graph:    g,
		Target:   app,
		Resolve:  registry(map[string]*element.Element{"base.bst": base, "app.bst": app}),
		ResolvedVariables: map[string]string{
			"build-root":     "build",
			"install-root":   "install",
			"command-subdir": "",
		},
		Artifacts:    fakeArtifacts{},
		Sources:      fakeSources{},
		Executor:     ShellExecutor{},
		Blobs:        newMemBlobs(),
		OverlapFatal: true,
	})
	require.Error(t, err)
	require.Equal(t, bserrors.ClassSandbox, bserrors.ClassOf(err))
	require.NotNil(t, artifact)
	require.False(t, artifact.BuildSuccess)
}

func TestOrchestratorBuildRunsIntegrationCommands(t *testing.T) {
	g := buildGraph(t)
	base := manualElement(t, "base.bst", "{}", nil)
	base.Public.IntegrationCommands = []string{"touch %{marker-path}"}
	app := manualElement(t, "app.bst", `
build-commands:
  - "mkdir -p ../install"
`, []element.Dependency{{Target: "base.bst", Type: dag.Build}})

	o := New()
	_, err := o.Build(context.Background(), Request{
		Graph:   g,
		Target:  app,
		Resolve: registry(map[string]*element.Element{"base.bst": base, "app.bst": app}),
		ResolvedVariables: map[string]string{
			"build-root":     "build",
			"install-root":   "install",
			"command-subdir": "",
			"marker-path":    "integration-ran",
		},
		Artifacts:    fakeArtifacts{},
		Sources:      fakeSources{},
		Executor:     ShellExecutor{},
		Blobs:        newMemBlobs(),
		OverlapFatal: true,
	})
	require.NoError(t, err)
}

func TestComputeStagingPlanOrdersParentBeforeChild(t *testing.T) {
	g := dag.NewGraph()
	require.NoError(t, g.AddNode("libc.bst", nil))
	require.NoError(t, g.AddNode("gcc.bst", []dag.Edge{{Target: "libc.bst", Kind: dag.Build}}))
	require.NoError(t, g.AddNode("app.bst", []dag.Edge{
		{Target: "gcc.bst", Kind: dag.Build},
		{Target: "libc.bst", Kind: dag.Build},
	}))

	target := &element.Element{
		Name: "app.bst",
		Dependencies: []element.Dependency{
			{Target: "gcc.bst", Type: dag.Build, Location: "/usr"},
			{Target: "libc.bst", Type: dag.Build, Location: "/"},
		},
	}

	plan, err := ComputeStagingPlan(g, target)
	require.NoError(t, err)
	require.Len(t, plan, 2)

	// "/" (depth 0) must stage before "/usr" (depth 1), regardless of
	// dependency declaration order, so a parent directory exists before a
	// nested dependency is checked out under it.
	require.Equal(t, "libc.bst", plan[0].Dependency)
	require.Equal(t, "/", plan[0].Location)
	require.Equal(t, "gcc.bst", plan[1].Dependency)
	require.Equal(t, "/usr", plan[1].Location)
}

func TestComputeStagingPlanDefaultsLocationToRoot(t *testing.T) {
	g := dag.NewGraph()
	require.NoError(t, g.AddNode("base.bst", nil))
	require.NoError(t, g.AddNode("app.bst", []dag.Edge{{Target: "base.bst", Kind: dag.Build}}))

	target := &element.Element{
		Name:         "app.bst",
		Dependencies: []element.Dependency{{Target: "base.bst", Type: dag.Build}},
	}

	plan, err := ComputeStagingPlan(g, target)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	require.Equal(t, "/", plan[0].Location)
}

func TestResolveSandboxPathKeepsPathsUnderBase(t *testing.T) {
	dir := t.TempDir()
	_, err := resolveSandboxPath(dir, "../../etc")
	require.NoError(t, err) // cleaned to "/etc" under dir, never escapes

	// A path that, after joining, would not remain a child of base is the
	// only genuinely rejectable case; filepath.Clean("/"+rel) always
	// collapses ".." against the leading root, so escape is structurally
	// impossible once rel is forced under "/". This asserts that structural
	// guarantee rather than a reachable error path.
	joined, err := resolveSandboxPath(dir, "a/b/../../c")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "c"), joined)
}

func TestOverlapCheckerDetectsConflict(t *testing.T) {
	checker := NewOverlapChecker()
	require.NoError(t, checker.claim("/usr/lib/libc.so", "libc.bst", "digest-a", nil, true))
	err := checker.claim("/usr/lib/libc.so", "other.bst", "digest-b", nil, true)
	require.Error(t, err)
	require.Equal(t, bserrors.ClassSandbox, bserrors.ClassOf(err))
}

func TestOverlapCheckerAllowsSameContent(t *testing.T) {
	checker := NewOverlapChecker()
	require.NoError(t, checker.claim("/usr/lib/libc.so", "libc.bst", "digest-a", nil, true))
	require.NoError(t, checker.claim("/usr/lib/libc.so", "other.bst", "digest-a", nil, true))
}

func TestOverlapCheckerAllowsWhitelistedPath(t *testing.T) {
	checker := NewOverlapChecker()
	require.NoError(t, checker.claim("/etc/passwd", "base.bst", "digest-a", nil, true))
	err := checker.claim("/etc/passwd", "other.bst", "digest-b", []string{"/etc/*"}, true)
	require.NoError(t, err)
}

func TestOverlapCheckerNonFatalRecordsWithoutError(t *testing.T) {
	checker := NewOverlapChecker()
	require.NoError(t, checker.claim("/etc/passwd", "base.bst", "digest-a", nil, true))
	err := checker.claim("/etc/passwd", "other.bst", "digest-b", nil, false)
	require.NoError(t, err)
}

func TestNormalizeTreeStripsSetuidBit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "suid-bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o4755))

	require.NoError(t, NormalizeTree(dir))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Mode()&setUIDGIDBits)
}

func TestTreeDigestIsOrderIndependentAndContentSensitive(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dirA, "a.txt"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "b.txt"), []byte("two"), 0o644))

	// Stage in the opposite order into dirB; the digest must not depend on
	// filesystem write order.
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "b.txt"), []byte("two"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "a.txt"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "a.txt"), []byte("one"), 0o644))

	digestA, err := TreeDigest(dirA)
	require.NoError(t, err)
	digestB, err := TreeDigest(dirB)
	require.NoError(t, err)
	require.Equal(t, digestA, digestB)

	require.NoError(t, os.WriteFile(filepath.Join(dirB, "b.txt"), []byte("changed"), 0o644))
	digestBChanged, err := TreeDigest(dirB)
	require.NoError(t, err)
	require.NotEqual(t, digestB, digestBChanged)
}
