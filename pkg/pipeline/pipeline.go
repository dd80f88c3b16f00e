// Package pipeline sequences the fixed stage topology: version injection,
// build, test and the conditional publish, with one isolated environment per
// stage and a single absorbing failure state.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/rubbs14/shipper/pkg/builder"
	"github.com/rubbs14/shipper/pkg/environment"
	"github.com/rubbs14/shipper/pkg/models"
	"github.com/rubbs14/shipper/pkg/publisher"
	"github.com/rubbs14/shipper/pkg/tester"
	"github.com/rubbs14/shipper/pkg/version"
)

// State is the orchestrator's position in the run.
type State string

const (
	StateInit            State = "init"
	StateVersionInjected State = "version-injected"
	StateBuilt           State = "built"
	StateTested          State = "tested"
	StatePublished       State = "published"
	StateSkippedPublish  State = "skipped-publish"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Exit codes distinguish the failing stage.
const (
	ExitOK          = 0
	ExitEnvironment = 2
	ExitVersion     = 3
	ExitBuild       = 4
	ExitTest        = 5
	ExitPublish     = 6
)

// StageError reports the first failing stage together with the wrapped
// diagnostic from the external collaborator.
type StageError struct {
	Stage models.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func (e *StageError) ExitCode() int {
	switch e.Stage {
	case models.StageEnvironment:
		return ExitEnvironment
	case models.StageVersion:
		return ExitVersion
	case models.StageBuild:
		return ExitBuild
	case models.StageTest:
		return ExitTest
	case models.StagePublish:
		return ExitPublish
	}
	return 1
}

// Run is a single pipeline invocation. Stages execute strictly in order and
// each is attempted exactly once; the first failure halts everything that
// follows. The active environment is tracked here so at most one execution
// context exists at a time.
type Run struct {
	trigger  models.TriggerContext
	config   models.PipelineFile
	manager  environment.Manager
	packager builder.Packager

	framework     tester.Framework
	uploader      tester.CoverageUploader
	coverageToken string

	registry  publisher.RegistryClient
	authToken string

	active   environment.Environment
	artifact *models.Artifact
	state    State
	results  []models.StageResult
	out      io.Writer
}

func NewRun(trigger models.TriggerContext, config models.PipelineFile, manager environment.Manager) *Run {
	return &Run{
		trigger: trigger,
		config:  config,
		manager: manager,
		state:   StateInit,
		out:     os.Stdout,
	}
}

func (r *Run) WithPackager(packager builder.Packager) *Run {
	r.packager = packager
	return r
}

func (r *Run) WithFramework(framework tester.Framework) *Run {
	r.framework = framework
	return r
}

func (r *Run) WithCoverageUpload(uploader tester.CoverageUploader, token string) *Run {
	r.uploader = uploader
	r.coverageToken = token
	return r
}

func (r *Run) WithRegistry(registry publisher.RegistryClient, token string) *Run {
	r.registry = registry
	r.authToken = token
	return r
}

func (r *Run) WithOutput(out io.Writer) *Run {
	r.out = out
	return r
}

func (r *Run) State() State {
	return r.state
}

// Results is the run's execution log in stage order.
func (r *Run) Results() []models.StageResult {
	return r.results
}

// Artifact returns the build output once the build stage has completed.
func (r *Run) Artifact() *models.Artifact {
	return r.artifact
}

// Execute drives the state machine to Done or to the absorbing Failed state.
// Every environment the run created is destroyed on the way out.
func (r *Run) Execute(ctx context.Context) error {
	defer r.teardown(ctx)

	v := version.Compute(r.trigger)
	if err := r.injectVersion(v); err != nil {
		return r.fail(models.StageVersion, err)
	}
	r.succeed(models.StageVersion, v.Value)
	r.state = StateVersionInjected

	artifact, err := r.build(ctx, v)
	if err != nil {
		return err
	}
	r.artifact = artifact
	r.succeed(models.StageBuild, artifact.Path)
	r.state = StateBuilt

	report, err := r.test(ctx, artifact)
	if err != nil {
		return err
	}
	r.succeed(models.StageTest, fmt.Sprintf("%d passed", report.Passed))
	r.state = StateTested

	if !publisher.ShouldPublish(r.trigger, r.config.ReleaseBranch) {
		r.succeed(models.StagePublish, "skipped: not a tagged release from the release branch")
		r.state = StateSkippedPublish
	} else {
		if err := r.publish(ctx, artifact); err != nil {
			return err
		}
		r.succeed(models.StagePublish, artifact.Version.Value)
		r.state = StatePublished
	}

	r.state = StateDone
	return nil
}

// injectVersion runs strictly before the build stage. Injecting after the
// build would have no effect on the artifact.
func (r *Run) injectVersion(v models.ReleaseVersion) error {
	if err := version.Inject(v, r.config.Build.VersionFile); err != nil {
		return err
	}
	if r.config.Build.DependencyFile != "" {
		if err := version.InjectDependencies(r.config.Build.Recipe, r.config.Build.DependencyFile); err != nil {
			return err
		}
	}
	return nil
}

func (r *Run) build(ctx context.Context, v models.ReleaseVersion) (*models.Artifact, error) {
	env, err := r.createAndActivate(ctx, r.envName("build"), r.config.Build.Dependencies)
	if err != nil {
		return nil, r.fail(models.StageEnvironment, err)
	}
	defer r.deactivate()

	if err := r.stageSource(ctx, env); err != nil {
		return nil, r.fail(models.StageBuild, err)
	}

	artifact, err := builder.NewBuilder(r.packager, r.config.Build).
		WithChannels(r.config.Channels).
		WithBuildNumber(version.BuildNumber(r.trigger)).
		Build(ctx, env, r.config.Source, v)
	if err != nil {
		return nil, r.fail(models.StageBuild, err)
	}
	return artifact, nil
}

// test never reuses the build environment: build-time dependencies must not
// be visible to the suite, or a missing runtime dependency declaration would
// go unnoticed.
func (r *Run) test(ctx context.Context, artifact *models.Artifact) (models.TestReport, error) {
	env, err := r.createAndActivate(ctx, r.envName("test"), r.config.Test.Dependencies)
	if err != nil {
		return models.TestReport{}, r.fail(models.StageEnvironment, err)
	}
	defer r.deactivate()

	if err := r.stageSource(ctx, env); err != nil {
		return models.TestReport{}, r.fail(models.StageTest, err)
	}

	runner := tester.NewRunner(r.framework)
	if r.uploader != nil {
		runner = runner.WithCoverageUpload(r.uploader, r.coverageToken)
	}
	report, err := runner.Run(ctx, env, artifact, r.config.Test)
	if err != nil {
		return report, r.fail(models.StageTest, err)
	}
	return report, nil
}

func (r *Run) publish(ctx context.Context, artifact *models.Artifact) error {
	env, err := r.createAndActivate(ctx, r.envName("deploy"), r.config.Deploy.Dependencies)
	if err != nil {
		return r.fail(models.StageEnvironment, err)
	}
	defer r.deactivate()

	gate := publisher.NewGate(r.registry)
	if err := gate.Publish(ctx, env, artifact, r.config.Deploy.Organization, r.authToken); err != nil {
		return r.fail(models.StagePublish, err)
	}
	return nil
}

// stageSource copies the source tree into environments whose workspace is
// not the invoking working directory (container-backed isolation).
func (r *Run) stageSource(ctx context.Context, env environment.Environment) error {
	stager, ok := env.(environment.SourceStager)
	if !ok {
		return nil
	}
	return stager.StageSource(ctx, r.config.Source)
}

func (r *Run) envName(stage string) string {
	return fmt.Sprintf("%s-%s", r.config.Project, stage)
}

func (r *Run) createAndActivate(ctx context.Context, name string, dependencies []string) (environment.Environment, error) {
	if r.active != nil {
		return nil, fmt.Errorf("environment %s is still active", r.active.Name())
	}
	env, err := r.manager.Create(ctx, name, dependencies, r.config.Channels)
	if err != nil {
		return nil, err
	}
	r.active = env
	fmt.Fprintf(r.out, "environment %s created\n", name)
	return env, nil
}

func (r *Run) deactivate() {
	r.active = nil
}

func (r *Run) succeed(stage models.Stage, detail string) {
	r.results = append(r.results, models.StageResult{Stage: stage, Status: models.StatusSuccess, Detail: detail})
	fmt.Fprintf(r.out, "stage %s succeeded: %s\n", stage, detail)
}

func (r *Run) fail(stage models.Stage, err error) error {
	r.results = append(r.results, models.StageResult{Stage: stage, Status: models.StatusFailure, Detail: err.Error()})
	r.state = StateFailed
	fmt.Fprintf(r.out, "stage %s failed: %v\n", stage, err)
	return &StageError{Stage: stage, Err: err}
}

// teardown destroys every environment the run created. Destroy is idempotent
// so leftovers and already-clean names are both fine.
func (r *Run) teardown(ctx context.Context) {
	var eg errgroup.Group
	for _, name := range r.manager.Names() {
		name := name
		eg.Go(func() error {
			return r.manager.Destroy(ctx, name)
		})
	}
	if err := eg.Wait(); err != nil {
		log.Printf("environment teardown: %v", err)
	}
}
