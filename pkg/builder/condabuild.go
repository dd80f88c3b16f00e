package builder

import (
	"context"
	"fmt"
	"strings"

	"github.com/rubbs14/shipper/pkg/environment"
	"github.com/rubbs14/shipper/pkg/executor"
)

const DefaultPackagerProgram = "conda"

// CondaBuild drives the conda packager inside the build environment. The
// recipe is excluded from the output and channels are passed in priority
// order.
type CondaBuild struct {
	program string
}

func NewCondaBuild(program string) *CondaBuild {
	if program == "" {
		program = DefaultPackagerProgram
	}
	return &CondaBuild{program: program}
}

func (c *CondaBuild) Build(ctx context.Context, env environment.Environment, req BuildRequest) (string, error) {
	args := []string{"build", req.Recipe,
		"--no-include-recipe",
		"--output-folder", req.OutputDir,
		"--python", req.PythonVersion,
	}
	for _, ch := range req.Channels {
		args = append(args, "-c", ch)
	}

	buildEnv := executor.WithEnv([]string{
		fmt.Sprintf("RELEASE_VERSION=%s", req.Version.Value),
		fmt.Sprintf("BUILD_NUMBER=%s", req.BuildNumber),
	})

	if _, err := env.Exec(ctx, c.program, args, buildEnv); err != nil {
		return "", err
	}

	// A second invocation with --output prints the artifact path without
	// rebuilding.
	result, err := env.Exec(ctx, c.program, append(args, "--output"), buildEnv)
	if err != nil {
		return "", err
	}
	artifactPath := strings.TrimSpace(result.Stdout)
	if artifactPath == "" {
		return "", fmt.Errorf("packager did not report an artifact path")
	}
	return artifactPath, nil
}
