package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rubbs14/shipper/pkg/environment"
	"github.com/rubbs14/shipper/pkg/executor"
	"github.com/rubbs14/shipper/pkg/models"
	"github.com/rubbs14/shipper/pkg/utils"
)

type fakeEnv struct {
	name string
}

func (f *fakeEnv) Name() string { return f.name }
func (f *fakeEnv) Path() string { return "" }
func (f *fakeEnv) Exec(ctx context.Context, program string, args []string, opts ...executor.Option) (*executor.Result, error) {
	return &executor.Result{}, nil
}
func (f *fakeEnv) Install(ctx context.Context, artifactPath string) error { return nil }

type fakePackager struct {
	artifactPath string
	err          error
	requests     []BuildRequest
}

func (f *fakePackager) Build(ctx context.Context, env environment.Environment, req BuildRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return f.artifactPath, nil
}

func buildSpec(installRoot string) models.BuildSpec {
	return models.BuildSpec{
		Recipe:        "package/parameterize",
		VersionFile:   "parameterize/version.py",
		PythonVersion: "3.10",
		InstallRoot:   installRoot,
		Exclude:       []string{"parameterize/test-data"},
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestBuildMissingInstallRoot(t *testing.T) {
	packager := &fakePackager{}
	b := NewBuilder(packager, buildSpec(""))

	_, err := b.Build(context.Background(), &fakeEnv{}, t.TempDir(), models.ReleaseVersion{Value: "1.2.0"})
	if !errors.Is(err, ErrBuild) {
		t.Errorf("expected ErrBuild for a missing install root, got %v", err)
	}
	if len(packager.requests) != 0 {
		t.Error("packager must not be invoked without an install root")
	}
}

func TestBuildPurgesStaleCaches(t *testing.T) {
	src := t.TempDir()
	installRoot := t.TempDir()
	writeFile(t, filepath.Join(src, "parameterize", "__init__.py"), "")
	writeFile(t, filepath.Join(src, "parameterize", "__pycache__", "stale.pyc"), "stale")
	writeFile(t, filepath.Join(src, ".pytest_cache", "v", "cache"), "stale")

	b := NewBuilder(&fakePackager{artifactPath: filepath.Join(installRoot, "pkg-1.2.0.tar.bz2")}, buildSpec(installRoot))
	if _, err := b.Build(context.Background(), &fakeEnv{}, src, models.ReleaseVersion{Value: "1.2.0"}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(src, "parameterize", "__pycache__")); !os.IsNotExist(err) {
		t.Error("stale bytecode cache survived the purge")
	}
	if _, err := os.Stat(filepath.Join(src, ".pytest_cache")); !os.IsNotExist(err) {
		t.Error("stale test cache survived the purge")
	}
	if _, err := os.Stat(filepath.Join(src, "parameterize", "__init__.py")); err != nil {
		t.Error("purge must not touch regular source files")
	}
}

func TestBuildStripsExcludedSubtrees(t *testing.T) {
	src := t.TempDir()
	installRoot := t.TempDir()
	writeFile(t, filepath.Join(installRoot, "parameterize", "__init__.py"), "")
	writeFile(t, filepath.Join(installRoot, "parameterize", "test-data", "fixture.dat"), "fixture")
	writeFile(t, filepath.Join(installRoot, ".git", "HEAD"), "ref: refs/heads/master")

	b := NewBuilder(&fakePackager{artifactPath: filepath.Join(installRoot, "pkg-1.2.0.tar.bz2")}, buildSpec(installRoot))
	if _, err := b.Build(context.Background(), &fakeEnv{}, src, models.ReleaseVersion{Value: "1.2.0"}); err != nil {
		t.Fatal(err)
	}

	files, err := utils.ListFiles(installRoot)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if strings.HasPrefix(f, filepath.Join("parameterize", "test-data")) || strings.HasPrefix(f, ".git") {
			t.Errorf("artifact listing contains excluded path %s", f)
		}
	}
}

func TestBuildNormalizesPermissions(t *testing.T) {
	src := t.TempDir()
	installRoot := t.TempDir()
	writeFile(t, filepath.Join(installRoot, "parameterize", "home.py"), "")

	b := NewBuilder(&fakePackager{artifactPath: filepath.Join(installRoot, "pkg-1.2.0.tar.bz2")}, buildSpec(installRoot))
	if _, err := b.Build(context.Background(), &fakeEnv{}, src, models.ReleaseVersion{Value: "1.2.0"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(installRoot, "parameterize", "home.py"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o004 == 0 {
		t.Errorf("file is not world-readable: %v", info.Mode())
	}
	dirInfo, err := os.Stat(filepath.Join(installRoot, "parameterize"))
	if err != nil {
		t.Fatal(err)
	}
	if dirInfo.Mode().Perm()&0o005 != 0o005 {
		t.Errorf("directory is not world-traversable: %v", dirInfo.Mode())
	}
}

func TestBuildForwardsRequest(t *testing.T) {
	installRoot := t.TempDir()
	packager := &fakePackager{artifactPath: filepath.Join(installRoot, "pkg-1.2.0.tar.bz2")}

	b := NewBuilder(packager, buildSpec(installRoot)).
		WithChannels([]string{"acellera", "conda-forge"}).
		WithBuildNumber("7")
	artifact, err := b.Build(context.Background(), &fakeEnv{}, t.TempDir(), models.ReleaseVersion{Value: "1.2.0"})
	if err != nil {
		t.Fatal(err)
	}

	req := packager.requests[0]
	if req.Version.Value != "1.2.0" || req.BuildNumber != "7" || req.PythonVersion != "3.10" {
		t.Errorf("unexpected build request: %+v", req)
	}
	if len(req.Channels) != 2 || req.Channels[0] != "acellera" {
		t.Errorf("channels not forwarded in priority order: %v", req.Channels)
	}
	if artifact.Version.Value != "1.2.0" {
		t.Errorf("artifact carries the wrong version: %s", artifact.Version.Value)
	}
}

func TestBuildDoesNotMutateExclusions(t *testing.T) {
	installRoot := t.TempDir()
	backing := make([]string, 2, 8)
	backing[0] = "parameterize/test-data"
	backing[1] = "keep-me"

	spec := buildSpec(installRoot)
	spec.Exclude = backing[:1]

	b := NewBuilder(&fakePackager{artifactPath: filepath.Join(installRoot, "pkg-1.2.0.tar.bz2")}, spec)
	if _, err := b.Build(context.Background(), &fakeEnv{}, t.TempDir(), models.ReleaseVersion{Value: "1.2.0"}); err != nil {
		t.Fatal(err)
	}

	if backing[1] != "keep-me" {
		t.Errorf("builder wrote into the caller's exclusion backing array: %v", backing)
	}
}

func TestBuildWrapsPackagerError(t *testing.T) {
	installRoot := t.TempDir()
	b := NewBuilder(&fakePackager{err: errors.New("compiler exploded")}, buildSpec(installRoot))

	_, err := b.Build(context.Background(), &fakeEnv{}, t.TempDir(), models.ReleaseVersion{Value: "1.2.0"})
	if !errors.Is(err, ErrBuild) {
		t.Errorf("expected ErrBuild wrapping the packager diagnostic, got %v", err)
	}
}
