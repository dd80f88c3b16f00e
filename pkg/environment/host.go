package environment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rubbs14/shipper/pkg/executor"
	"github.com/rubbs14/shipper/pkg/store"
)

// HostManager keeps environments as directories under a state root on the
// host filesystem and drives the external environment tool to resolve
// dependency sets into them.
type HostManager struct {
	root string
	tool string
	exec executor.Executor
	envs store.Store
	lock sync.Mutex
	opts Options
}

func NewHostManager(root, tool string, exec executor.Executor, opts Options) *HostManager {
	return &HostManager{
		root: root,
		tool: tool,
		exec: exec,
		envs: store.NewMemStore(),
		opts: opts,
	}
}

func (h *HostManager) envPath(name string) string {
	return filepath.Join(h.root, "envs", name)
}

func (h *HostManager) Create(ctx context.Context, name string, dependencies, channels []string) (Environment, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if _, err := h.envs.Get(name); err == nil {
		return nil, fmt.Errorf("%w: environment %s already exists and was not torn down", ErrEnvironmentCreation, name)
	}

	path := h.envPath(name)

	// Clean prior state left behind by an earlier run before creating.
	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("%w: could not clean prior state for %s: %v", ErrEnvironmentCreation, name, err)
		}
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("%w: could not create state directory for %s: %v", ErrEnvironmentCreation, name, err)
	}

	args := []string{"create", "-y", "-p", path}
	for _, c := range channels {
		args = append(args, "-c", c)
	}
	args = append(args, dependencies...)

	if _, err := h.exec.Run(ctx, h.tool, args, executor.WithWriters(h.opts.Stdout, h.opts.Stderr)); err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("%w: could not resolve dependencies for %s: %v", ErrEnvironmentCreation, name, err)
	}

	if err := h.envs.Set(name, path); err != nil {
		return nil, fmt.Errorf("%w: could not track environment %s: %v", ErrEnvironmentCreation, name, err)
	}

	return &hostEnv{name: name, path: path, tool: h.tool, exec: h.exec, opts: h.opts}, nil
}

func (h *HostManager) Destroy(ctx context.Context, name string) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if err := os.RemoveAll(h.envPath(name)); err != nil {
		return fmt.Errorf("could not remove environment %s: %v", name, err)
	}
	if err := h.envs.Delete(name); err != nil && err != store.ErrKeyDoesntExist {
		return err
	}
	return nil
}

func (h *HostManager) Names() []string {
	return h.envs.Keys()
}

type hostEnv struct {
	name string
	path string
	tool string
	exec executor.Executor
	opts Options
}

func (e *hostEnv) Name() string {
	return e.name
}

func (e *hostEnv) Path() string {
	return e.path
}

// Exec prepends the environment's bin directory to PATH so the pinned tools
// shadow anything installed on the host.
func (e *hostEnv) Exec(ctx context.Context, program string, args []string, opts ...executor.Option) (*executor.Result, error) {
	envOpts := []executor.Option{
		executor.WithEnv([]string{
			fmt.Sprintf("PATH=%s:%s", filepath.Join(e.path, "bin"), os.Getenv("PATH")),
			fmt.Sprintf("ENV_PREFIX=%s", e.path),
		}),
		executor.WithWriters(e.opts.Stdout, e.opts.Stderr),
	}
	return e.exec.Run(ctx, program, args, append(envOpts, opts...)...)
}

func (e *hostEnv) Install(ctx context.Context, artifactPath string) error {
	if _, err := e.Exec(ctx, e.tool, []string{"install", "-y", "-p", e.path, artifactPath}); err != nil {
		return fmt.Errorf("could not install %s into environment %s: %v", artifactPath, e.name, err)
	}
	return nil
}
