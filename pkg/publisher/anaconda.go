package publisher

import (
	"context"

	"github.com/rubbs14/shipper/pkg/environment"
)

const DefaultRegistryProgram = "anaconda"

// Anaconda uploads the artifact to the package registry under the configured
// organization.
type Anaconda struct {
	program string
}

func NewAnaconda(program string) *Anaconda {
	if program == "" {
		program = DefaultRegistryProgram
	}
	return &Anaconda{program: program}
}

func (a *Anaconda) Upload(ctx context.Context, env environment.Environment, artifactPath, org, token string) error {
	args := []string{"-t", token, "upload", "-u", org, artifactPath}
	_, err := env.Exec(ctx, a.program, args)
	return err
}
