// Package tester installs the built artifact into a fresh environment and
// runs the external test suite with coverage instrumentation.
package tester

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/rubbs14/shipper/pkg/environment"
	"github.com/rubbs14/shipper/pkg/models"
)

var (
	// ErrTestFailure means the suite failed or could not be discovered. It is
	// fatal for the pipeline: nothing gets published on red tests.
	ErrTestFailure = errors.New("tester: test suite failed")
)

// Framework is the external test framework. It runs inside the test
// environment, never the build environment.
type Framework interface {
	DiscoverAndRun(ctx context.Context, env environment.Environment, startDir, pattern, coverageSource string) (models.TestReport, error)
}

// CoverageUploader ships the coverage report after a green run. Upload
// failures never fail the pipeline.
type CoverageUploader interface {
	Upload(ctx context.Context, env environment.Environment, coverageFile, token string) error
}

type Runner struct {
	framework     Framework
	uploader      CoverageUploader
	coverageToken string
}

func NewRunner(framework Framework) *Runner {
	return &Runner{framework: framework}
}

func (r *Runner) WithCoverageUpload(uploader CoverageUploader, token string) *Runner {
	r.uploader = uploader
	r.coverageToken = token
	return r
}

// Run installs the artifact into env and executes the suite. Coverage is
// scoped to the package's own source, not its dependencies.
func (r *Runner) Run(ctx context.Context, env environment.Environment, artifact *models.Artifact, spec models.TestSpec) (models.TestReport, error) {
	if err := env.Install(ctx, artifact.Path); err != nil {
		return models.TestReport{}, fmt.Errorf("%w: could not install artifact: %v", ErrTestFailure, err)
	}

	report, err := r.framework.DiscoverAndRun(ctx, env, ".", spec.Pattern, spec.CoverageSource)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrTestFailure, err)
	}
	if report.Failed > 0 {
		return report, fmt.Errorf("%w: %d test(s) failed", ErrTestFailure, report.Failed)
	}
	if report.Passed == 0 {
		return report, fmt.Errorf("%w: no tests were discovered", ErrTestFailure)
	}

	if r.uploader != nil && report.CoverageFile != "" {
		if err := r.uploader.Upload(ctx, env, report.CoverageFile, r.coverageToken); err != nil {
			log.Printf("coverage upload failed: %v", err)
		}
	}

	return report, nil
}
