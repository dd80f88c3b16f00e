package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rubbs14/shipper/pkg/builder"
	"github.com/rubbs14/shipper/pkg/environment"
	"github.com/rubbs14/shipper/pkg/executor"
	"github.com/rubbs14/shipper/pkg/models"
	"github.com/rubbs14/shipper/pkg/tester"
)

type fakeEnv struct {
	name     string
	installs []string
	staged   []string
	stageErr error
}

func (f *fakeEnv) Name() string { return f.name }
func (f *fakeEnv) Path() string { return "" }
func (f *fakeEnv) Exec(ctx context.Context, program string, args []string, opts ...executor.Option) (*executor.Result, error) {
	return &executor.Result{}, nil
}
func (f *fakeEnv) Install(ctx context.Context, artifactPath string) error {
	f.installs = append(f.installs, artifactPath)
	return nil
}
func (f *fakeEnv) StageSource(ctx context.Context, src string) error {
	if f.stageErr != nil {
		return f.stageErr
	}
	f.staged = append(f.staged, src)
	return nil
}

type fakeManager struct {
	lock      sync.Mutex
	live      map[string]*fakeEnv
	all       map[string]*fakeEnv
	created   []string
	destroyed []string
	createErr error
	stageErr  error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		live: make(map[string]*fakeEnv),
		all:  make(map[string]*fakeEnv),
	}
}

func (f *fakeManager) Create(ctx context.Context, name string, dependencies, channels []string) (environment.Environment, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.live[name]; ok {
		return nil, fmt.Errorf("%w: environment %s already exists", environment.ErrEnvironmentCreation, name)
	}
	env := &fakeEnv{name: name, stageErr: f.stageErr}
	f.live[name] = env
	f.all[name] = env
	f.created = append(f.created, name)
	return env, nil
}

func (f *fakeManager) Destroy(ctx context.Context, name string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.live, name)
	f.destroyed = append(f.destroyed, name)
	return nil
}

func (f *fakeManager) Names() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	names := make([]string, 0, len(f.live))
	for name := range f.live {
		names = append(names, name)
	}
	return names
}

type fakePackager struct {
	artifactPath string
	err          error
	builds       int
}

func (f *fakePackager) Build(ctx context.Context, env environment.Environment, req builder.BuildRequest) (string, error) {
	f.builds++
	if f.err != nil {
		return "", f.err
	}
	return f.artifactPath, nil
}

type fakeFramework struct {
	report models.TestReport
	runs   int
}

func (f *fakeFramework) DiscoverAndRun(ctx context.Context, env environment.Environment, startDir, pattern, coverageSource string) (models.TestReport, error) {
	f.runs++
	return f.report, nil
}

type fakeRegistry struct {
	uploads []string
}

func (f *fakeRegistry) Upload(ctx context.Context, env environment.Environment, artifactPath, org, token string) error {
	f.uploads = append(f.uploads, artifactPath)
	return nil
}

type fixture struct {
	config    models.PipelineFile
	manager   *fakeManager
	packager  *fakePackager
	framework *fakeFramework
	registry  *fakeRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := t.TempDir()
	installRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "parameterize"), 0755); err != nil {
		t.Fatal(err)
	}

	recipeDir := filepath.Join(src, "package", "parameterize")
	if err := os.MkdirAll(recipeDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(recipeDir, "meta.yaml"), []byte("requirements:\n  run:\nDEPENDENCY_PLACEHOLDER"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "DEPENDENCIES"), []byte("numpy\nscipy\n"), 0644); err != nil {
		t.Fatal(err)
	}

	return &fixture{
		config: models.PipelineFile{
			Project:       "parameterize",
			Source:        src,
			ReleaseBranch: "master",
			Channels:      []string{"acellera", "conda-forge"},
			Build: models.BuildSpec{
				Dependencies:  []string{"python=3.10", "conda-build"},
				Recipe:        recipeDir,
				VersionFile:   filepath.Join(src, "parameterize", "version.py"),
				PythonVersion: "3.10",
				InstallRoot:   installRoot,
			},
			Test: models.TestSpec{
				Dependencies:   []string{"python=3.10", "pytest"},
				CoverageSource: "parameterize",
			},
			Deploy: models.DeploySpec{
				Organization: "acellera",
				Dependencies: []string{"anaconda-client"},
			},
		},
		manager:   newFakeManager(),
		packager:  &fakePackager{artifactPath: filepath.Join(installRoot, "pkg.tar.bz2")},
		framework: &fakeFramework{report: models.TestReport{Passed: 10}},
		registry:  &fakeRegistry{},
	}
}

func (f *fixture) run(trigger models.TriggerContext) *Run {
	return NewRun(trigger, f.config, f.manager).
		WithPackager(f.packager).
		WithFramework(f.framework).
		WithRegistry(f.registry, "token").
		WithOutput(io.Discard)
}

func TestExecuteTaggedRelease(t *testing.T) {
	f := newFixture(t)
	run := f.run(models.NewTriggerContext("master", "master", "7"))

	if err := run.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if run.State() != StateDone {
		t.Errorf("expected state %s, got %s", StateDone, run.State())
	}

	contents, err := os.ReadFile(f.config.Build.VersionFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(contents), "return \"master\"") {
		t.Errorf("version was not injected before the build: %s", contents)
	}

	if len(f.registry.uploads) != 1 {
		t.Fatalf("expected 1 registry upload, got %d", len(f.registry.uploads))
	}
	if run.Artifact().Version.Value != "master" {
		t.Errorf("published artifact carries the wrong version: %s", run.Artifact().Version.Value)
	}

	if len(f.manager.created) != 3 {
		t.Errorf("expected build, test and deploy environments, got %v", f.manager.created)
	}
	if len(f.manager.Names()) != 0 {
		t.Errorf("environments leaked after the run: %v", f.manager.Names())
	}

	results := run.Results()
	if len(results) != 4 {
		t.Fatalf("expected 4 stage results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != models.StatusSuccess {
			t.Errorf("stage %s should have succeeded: %s", r.Stage, r.Detail)
		}
	}
}

func TestExecuteUntaggedBranch(t *testing.T) {
	f := newFixture(t)
	run := f.run(models.NewTriggerContext("feature-x", "", ""))

	if err := run.Execute(context.Background()); err != nil {
		t.Fatalf("untagged runs must exit clean with publish skipped, got %v", err)
	}
	if run.State() != StateDone {
		t.Errorf("expected state %s, got %s", StateDone, run.State())
	}

	contents, err := os.ReadFile(f.config.Build.VersionFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(contents), models.SentinelVersion) {
		t.Errorf("expected the sentinel version, got %s", contents)
	}

	if len(f.registry.uploads) != 0 {
		t.Error("publish must be skipped for untagged runs")
	}
	if f.framework.runs != 1 {
		t.Errorf("build and test must still run, got %d test runs", f.framework.runs)
	}
	if len(f.manager.created) != 2 {
		t.Errorf("no deploy environment should exist for a skipped publish, got %v", f.manager.created)
	}
}

func TestExecuteTaggedOffReleaseBranch(t *testing.T) {
	f := newFixture(t)
	run := f.run(models.NewTriggerContext("1.2.0", "1.2.0", ""))

	if err := run.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	contents, err := os.ReadFile(f.config.Build.VersionFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(contents), "return \"1.2.0\"") {
		t.Errorf("tag version was not injected: %s", contents)
	}
	if len(f.registry.uploads) != 0 {
		t.Error("tagged runs off the release branch must not publish")
	}
}

func TestExecuteSubstitutesRecipeDependencies(t *testing.T) {
	f := newFixture(t)
	f.config.Build.DependencyFile = filepath.Join(f.config.Source, "DEPENDENCIES")
	run := f.run(models.NewTriggerContext("feature-x", "", ""))

	// The configured recipe is the recipe directory, as in shipper.yml; the
	// metadata file inside it must be rewritten.
	if err := run.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	contents, err := os.ReadFile(filepath.Join(f.config.Build.Recipe, "meta.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(contents), "DEPENDENCY_PLACEHOLDER") {
		t.Errorf("recipe placeholder was not substituted: %s", contents)
	}
	if !strings.Contains(string(contents), "    - numpy\n") {
		t.Errorf("dependency entries missing from recipe: %s", contents)
	}
}

func TestSourceStagedIntoIsolatedEnvironments(t *testing.T) {
	f := newFixture(t)
	run := f.run(models.NewTriggerContext("feature-x", "", ""))

	if err := run.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	buildEnv := f.manager.all["parameterize-build"]
	if buildEnv == nil || len(buildEnv.staged) != 1 || buildEnv.staged[0] != f.config.Source {
		t.Errorf("source was not staged into the build environment: %+v", buildEnv)
	}
	testEnv := f.manager.all["parameterize-test"]
	if testEnv == nil || len(testEnv.staged) != 1 || testEnv.staged[0] != f.config.Source {
		t.Errorf("source was not staged into the test environment: %+v", testEnv)
	}
}

func TestSourceStagingFailureFailsBuildStage(t *testing.T) {
	f := newFixture(t)
	f.manager.stageErr = errors.New("workspace copy failed")
	run := f.run(models.NewTriggerContext("feature-x", "", ""))

	err := run.Execute(context.Background())
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected a StageError, got %v", err)
	}
	if stageErr.Stage != models.StageBuild {
		t.Errorf("expected the build stage to fail, got %s", stageErr.Stage)
	}
	if f.packager.builds != 0 {
		t.Error("packager must not run with an unstaged workspace")
	}
}

func TestFailingTestsBlockPublish(t *testing.T) {
	f := newFixture(t)
	f.framework.report = models.TestReport{Passed: 9, Failed: 1}
	run := f.run(models.NewTriggerContext("master", "master", ""))

	err := run.Execute(context.Background())
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected a StageError, got %v", err)
	}
	if stageErr.Stage != models.StageTest {
		t.Errorf("expected the test stage to fail, got %s", stageErr.Stage)
	}
	if stageErr.ExitCode() != ExitTest {
		t.Errorf("expected exit code %d, got %d", ExitTest, stageErr.ExitCode())
	}
	if run.State() != StateFailed {
		t.Errorf("expected the absorbing failed state, got %s", run.State())
	}
	if len(f.registry.uploads) != 0 {
		t.Error("a red suite must prevent the publish gate entirely")
	}
	for _, name := range f.manager.created {
		if strings.Contains(name, "deploy") {
			t.Error("no deploy environment may be created after a test failure")
		}
	}
}

func TestBuildFailureHaltsPipeline(t *testing.T) {
	f := newFixture(t)
	f.packager.err = errors.New("packager diagnostic")
	run := f.run(models.NewTriggerContext("master", "master", ""))

	err := run.Execute(context.Background())
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected a StageError, got %v", err)
	}
	if stageErr.Stage != models.StageBuild {
		t.Errorf("expected the build stage to fail, got %s", stageErr.Stage)
	}
	if stageErr.ExitCode() != ExitBuild {
		t.Errorf("expected exit code %d, got %d", ExitBuild, stageErr.ExitCode())
	}
	if !strings.Contains(err.Error(), "packager diagnostic") {
		t.Errorf("wrapped diagnostic missing from %v", err)
	}
	if f.framework.runs != 0 {
		t.Error("later stages must not run after the first failure")
	}

	results := run.Results()
	last := results[len(results)-1]
	if last.Stage != models.StageBuild || last.Status != models.StatusFailure {
		t.Errorf("execution log should end with the failing stage, got %+v", last)
	}
}

func TestEnvironmentCreationFailure(t *testing.T) {
	f := newFixture(t)
	f.manager.createErr = fmt.Errorf("%w: channel unreachable", environment.ErrEnvironmentCreation)
	run := f.run(models.NewTriggerContext("feature-x", "", ""))

	err := run.Execute(context.Background())
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected a StageError, got %v", err)
	}
	if stageErr.Stage != models.StageEnvironment {
		t.Errorf("expected the environment stage to fail, got %s", stageErr.Stage)
	}
	if stageErr.ExitCode() != ExitEnvironment {
		t.Errorf("expected exit code %d, got %d", ExitEnvironment, stageErr.ExitCode())
	}
	if f.packager.builds != 0 {
		t.Error("build must not run without its environment")
	}
}

func TestVersionInjectionFailure(t *testing.T) {
	f := newFixture(t)
	f.config.Build.VersionFile = filepath.Join(f.config.Source, "missing", "version.py")
	run := f.run(models.NewTriggerContext("feature-x", "", ""))

	err := run.Execute(context.Background())
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected a StageError, got %v", err)
	}
	if stageErr.Stage != models.StageVersion {
		t.Errorf("expected the version stage to fail, got %s", stageErr.Stage)
	}
	if stageErr.ExitCode() != ExitVersion {
		t.Errorf("expected exit code %d, got %d", ExitVersion, stageErr.ExitCode())
	}
	if len(f.manager.created) != 0 {
		t.Error("no environment may be created when injection fails")
	}
}

func TestCoverageUploadFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	f.framework.report = models.TestReport{Passed: 5, CoverageFile: "coverage.xml"}
	run := f.run(models.NewTriggerContext("feature-x", "", "")).
		WithCoverageUpload(failingUploader{}, "token")

	if err := run.Execute(context.Background()); err != nil {
		t.Errorf("coverage upload failures are best-effort, got %v", err)
	}
}

type failingUploader struct{}

func (failingUploader) Upload(ctx context.Context, env environment.Environment, coverageFile, token string) error {
	return errors.New("upload timed out")
}

var _ tester.CoverageUploader = failingUploader{}
