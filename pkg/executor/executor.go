// Package executor runs external collaborator commands with output capture,
// environment injection and context-based cancellation.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Result holds the output and exit code from a command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Options configures a single execution.
type Options struct {
	WorkingDir string
	Env        []string
	Stdout     io.Writer
	Stderr     io.Writer
}

type Option func(*Options)

func WithWorkingDir(dir string) Option {
	return func(o *Options) {
		o.WorkingDir = dir
	}
}

// WithEnv appends the given KEY=VALUE pairs to the current process
// environment.
func WithEnv(env []string) Option {
	return func(o *Options) {
		o.Env = append(o.Env, env...)
	}
}

// WithWriters mirrors the command's output to the given writers in addition
// to capturing it in the Result.
func WithWriters(stdout, stderr io.Writer) Option {
	return func(o *Options) {
		o.Stdout = stdout
		o.Stderr = stderr
	}
}

// Executor runs a program with arguments. Implementations are injected into
// every stage so tests can substitute fakes.
type Executor interface {
	Run(ctx context.Context, program string, args []string, opts ...Option) (*Result, error)
}

type CommandExecutor struct{}

func NewCommandExecutor() Executor {
	return &CommandExecutor{}
}

func (c *CommandExecutor) Run(ctx context.Context, program string, args []string, opts ...Option) (*Result, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = options.WorkingDir
	cmd.Env = append(os.Environ(), options.Env...)

	cmd.Stdout = &stdout
	if options.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdout, options.Stdout)
	}
	cmd.Stderr = &stderr
	if options.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, options.Stderr)
	}

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("%s exited with code %d: %s", program, result.ExitCode, lastLine(result.Stderr))
	}
	if err != nil {
		return result, fmt.Errorf("unable to run %s: %v", program, err)
	}
	return result, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
