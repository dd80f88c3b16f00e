package models

// Stage identifies one step of the fixed pipeline topology.
type Stage string

const (
	StageEnvironment Stage = "environment"
	StageVersion     Stage = "version"
	StageBuild       Stage = "build"
	StageTest        Stage = "test"
	StagePublish     Stage = "publish"
)

// SentinelVersion is the release version for every run that is not a tagged
// release.
const SentinelVersion = "0.0.0"

// SentinelBuildNumber is the build counter used outside real tag builds.
const SentinelBuildNumber = "0"

// TriggerContext describes the CI event that started the run. It is built
// once per invocation and never modified afterwards.
type TriggerContext struct {
	Branch      string
	Tag         string
	Tagged      bool
	BuildNumber string
}

// NewTriggerContext derives the tagged-release flag from the raw trigger
// input. The CI sets the branch to the tag name on tag builds, so a run is a
// tagged release exactly when a tag is present and equals the ref under
// comparison.
func NewTriggerContext(branch, tag, buildNumber string) TriggerContext {
	return TriggerContext{
		Branch:      branch,
		Tag:         tag,
		Tagged:      tag != "" && tag == branch,
		BuildNumber: buildNumber,
	}
}

// ReleaseVersion is the effective version embedded into the artifact.
type ReleaseVersion struct {
	Value string
}

// Artifact is the packaged build output. It is produced exactly once by the
// build stage and immutable afterwards.
type Artifact struct {
	Path     string
	Version  ReleaseVersion
	Channels []string
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// StageResult is one entry of the run's execution log.
type StageResult struct {
	Stage  Stage
	Status Status
	Detail string
}

// TestReport is the outcome of the test suite run inside the test
// environment.
type TestReport struct {
	Passed       int
	Failed       int
	CoverageFile string
}

// PipelineFile is the yaml definition of a single pipeline run
// (default shipper.yml).
type PipelineFile struct {
	Project       string     `yaml:"project" validate:"required"`
	Source        string     `yaml:"source" validate:"required"`
	ReleaseBranch string     `yaml:"release_branch" validate:"required"`
	Channels      []string   `yaml:"channels"`
	Build         BuildSpec  `yaml:"build" validate:"required"`
	Test          TestSpec   `yaml:"test" validate:"required"`
	Deploy        DeploySpec `yaml:"deploy"`
}

type BuildSpec struct {
	Dependencies   []string `yaml:"dependencies" validate:"required,dive,required"`
	Recipe         string   `yaml:"recipe" validate:"required"`
	VersionFile    string   `yaml:"version_file" validate:"required"`
	DependencyFile string   `yaml:"dependency_file"`
	PythonVersion  string   `yaml:"python_version" validate:"required"`
	InstallRoot    string   `yaml:"install_root"`
	CacheDirs      []string `yaml:"cache_dirs"`
	Exclude        []string `yaml:"exclude"`
}

type TestSpec struct {
	Dependencies   []string `yaml:"dependencies" validate:"required,dive,required"`
	Pattern        string   `yaml:"pattern"`
	CoverageSource string   `yaml:"coverage_source"`
}

type DeploySpec struct {
	Organization string   `yaml:"organization"`
	Dependencies []string `yaml:"dependencies"`
}
