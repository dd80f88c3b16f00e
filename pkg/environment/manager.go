// Package environment manages named, isolated execution environments with
// pinned dependency sets. Environments are owned by the stage that creates
// them and are never shared across stages.
package environment

import (
	"context"
	"errors"
	"io"

	"github.com/rubbs14/shipper/pkg/executor"
)

var (
	// ErrEnvironmentCreation covers unsatisfiable dependency sets,
	// unreachable channels and name collisions within a run.
	ErrEnvironmentCreation = errors.New("environment: creation failed")
)

// Environment is a single isolated execution context. Commands run through
// Exec see the environment's tools and dependency set and nothing from any
// other environment.
type Environment interface {
	Name() string

	// Path is the host filesystem location holding the environment's state.
	Path() string

	// Exec runs a program inside the environment.
	Exec(ctx context.Context, program string, args []string, opts ...executor.Option) (*executor.Result, error)

	// Install adds a locally built artifact to the environment.
	Install(ctx context.Context, artifactPath string) error
}

// SourceStager is implemented by environments whose workspace is separate
// from the invoking process's working directory. The build and test stages
// stage the source tree through it before running collaborators.
type SourceStager interface {
	StageSource(ctx context.Context, src string) error
}

// Manager creates and destroys environments. Environment names are unique
// per pipeline run; create and destroy against the same name are serialized.
type Manager interface {
	Create(ctx context.Context, name string, dependencies, channels []string) (Environment, error)

	// Destroy removes the named environment and all of its host state. It is
	// idempotent: destroying an environment that does not exist is treated as
	// already clean.
	Destroy(ctx context.Context, name string) error

	// Names lists the environments currently tracked by this manager.
	Names() []string
}

// Options configures per-run logging for environment operations.
type Options struct {
	ShowProgress bool
	Stdout       io.Writer
	Stderr       io.Writer
}
