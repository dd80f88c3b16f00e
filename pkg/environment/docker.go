package environment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/rubbs14/shipper/pkg/executor"
	"github.com/rubbs14/shipper/pkg/store"
	"github.com/rubbs14/shipper/pkg/utils"
)

const (
	STATE_DIR   = ".shipper"
	WORKING_DIR = "/app"
)

// DockerManager backs every environment with its own container. The
// environment's workspace is bind mounted from the host state directory so
// state survives for the run's duration and can be fully removed on teardown.
type DockerManager struct {
	cli   *client.Client
	image string
	tool  string
	envs  store.Store
	lock  sync.Mutex
	wd    string
	opts  Options
}

func NewDockerManager(image, tool string, opts Options) *DockerManager {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatal(err)
	}

	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	return &DockerManager{
		cli:   cli,
		image: image,
		tool:  tool,
		envs:  store.NewMemStore(),
		wd:    wd,
		opts:  opts,
	}
}

func (d *DockerManager) envPath(name string) string {
	return filepath.Join(d.wd, STATE_DIR, "envs", name)
}

func (d *DockerManager) Create(ctx context.Context, name string, dependencies, channels []string) (Environment, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if _, err := d.envs.Get(name); err == nil {
		return nil, fmt.Errorf("%w: environment %s already exists and was not torn down", ErrEnvironmentCreation, name)
	}

	path := d.envPath(name)
	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("%w: could not clean prior state for %s: %v", ErrEnvironmentCreation, name, err)
		}
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("%w: could not create state directory for %s: %v", ErrEnvironmentCreation, name, err)
	}

	reader, err := d.cli.ImagePull(ctx, d.image, types.ImagePullOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: unable to pull image for environment %s: %v", ErrEnvironmentCreation, name, err)
	}
	defer reader.Close()
	if d.opts.ShowProgress {
		if _, err := io.Copy(d.opts.Stdout, reader); err != nil {
			return nil, fmt.Errorf("%w: unable to read image pull logs for %s: %v", ErrEnvironmentCreation, name, err)
		}
	} else {
		io.Copy(io.Discard, reader)
	}

	containerName := slug.Make(name + uuid.NewString())
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: WORKING_DIR,
	}, &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: path,
				Target: WORKING_DIR,
			},
		},
	}, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to create container for environment %s: %v", ErrEnvironmentCreation, name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		d.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: unable to start container for environment %s: %v", ErrEnvironmentCreation, name, err)
	}

	env := &dockerEnv{name: name, path: path, tool: d.tool, cli: d.cli, containerID: resp.ID, opts: d.opts}

	if len(dependencies) > 0 {
		args := []string{"install", "-y"}
		for _, c := range channels {
			args = append(args, "-c", c)
		}
		args = append(args, dependencies...)
		if _, err := env.Exec(ctx, d.tool, args); err != nil {
			d.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
			os.RemoveAll(path)
			return nil, fmt.Errorf("%w: could not resolve dependencies for %s: %v", ErrEnvironmentCreation, name, err)
		}
	}

	if err := d.envs.Set(name, resp.ID); err != nil {
		return nil, fmt.Errorf("%w: could not track environment %s: %v", ErrEnvironmentCreation, name, err)
	}

	return env, nil
}

func (d *DockerManager) Destroy(ctx context.Context, name string) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if id, err := d.envs.Get(name); err == nil {
		if err := d.cli.ContainerRemove(ctx, id.(string), types.ContainerRemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("could not remove container for environment %s: %v", name, err)
		}
	}
	if err := os.RemoveAll(d.envPath(name)); err != nil {
		return fmt.Errorf("could not remove environment %s: %v", name, err)
	}
	if err := d.envs.Delete(name); err != nil && err != store.ErrKeyDoesntExist {
		return err
	}
	return nil
}

func (d *DockerManager) Names() []string {
	return d.envs.Keys()
}

type dockerEnv struct {
	name        string
	path        string
	tool        string
	cli         *client.Client
	containerID string
	opts        Options
}

func (e *dockerEnv) Name() string {
	return e.name
}

func (e *dockerEnv) Path() string {
	return e.path
}

func (e *dockerEnv) Exec(ctx context.Context, program string, args []string, opts ...executor.Option) (*executor.Result, error) {
	execOpts := &executor.Options{}
	for _, opt := range opts {
		opt(execOpts)
	}

	execResp, err := e.cli.ContainerExecCreate(ctx, e.containerID, types.ExecConfig{
		Cmd:          append([]string{program}, args...),
		WorkingDir:   WORKING_DIR,
		Env:          execOpts.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to exec in environment %s: %v", e.name, err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("unable to attach to exec in environment %s: %v", e.name, err)
	}
	defer attach.Close()

	var stdout, stderr teeBuffer
	stdout.mirror = e.opts.Stdout
	stderr.mirror = e.opts.Stderr
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("unable to read exec output from environment %s: %v", e.name, err)
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("unable to inspect exec in environment %s: %v", e.name, err)
	}

	result := &executor.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}
	if inspect.ExitCode != 0 {
		return result, fmt.Errorf("%s exited with code %d in environment %s", program, inspect.ExitCode, e.name)
	}
	return result, nil
}

// teeBuffer captures exec output while mirroring it to the run's log writer.
type teeBuffer struct {
	buf    bytes.Buffer
	mirror io.Writer
}

func (t *teeBuffer) Write(p []byte) (int, error) {
	if t.mirror != nil {
		t.mirror.Write(p)
	}
	return t.buf.Write(p)
}

func (t *teeBuffer) String() string {
	return t.buf.String()
}

// StageSource copies the source tree into the environment workspace. The
// workspace is bind mounted at the container's working directory, so staged
// paths resolve relative to it.
func (e *dockerEnv) StageSource(ctx context.Context, src string) error {
	if err := utils.TarCopy(src, e.path, ""); err != nil {
		return fmt.Errorf("could not stage source into environment %s: %v", e.name, err)
	}
	return nil
}

func (e *dockerEnv) Install(ctx context.Context, artifactPath string) error {
	stream, err := utils.TarStream(artifactPath)
	if err != nil {
		return fmt.Errorf("could not prepare artifact %s for environment %s: %v", artifactPath, e.name, err)
	}

	if err := e.cli.CopyToContainer(ctx, e.containerID, WORKING_DIR, stream, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("could not copy artifact %s to environment %s: %v", artifactPath, e.name, err)
	}

	target := filepath.Join(WORKING_DIR, filepath.Base(artifactPath))
	if _, err := e.Exec(ctx, e.tool, []string{"install", "-y", target}); err != nil {
		return fmt.Errorf("could not install %s into environment %s: %v", artifactPath, e.name, err)
	}
	return nil
}
