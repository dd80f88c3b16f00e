package tester

import (
	"context"

	"github.com/rubbs14/shipper/pkg/environment"
)

const DefaultUploaderProgram = "codecov"

// Codecov uploads the coverage report through the external uploader. Callers
// treat failures as best-effort.
type Codecov struct {
	program string
}

func NewCodecov(program string) *Codecov {
	if program == "" {
		program = DefaultUploaderProgram
	}
	return &Codecov{program: program}
}

func (c *Codecov) Upload(ctx context.Context, env environment.Environment, coverageFile, token string) error {
	args := []string{"-f", coverageFile}
	if token != "" {
		args = append(args, "-t", token)
	}
	_, err := env.Exec(ctx, c.program, args)
	return err
}
