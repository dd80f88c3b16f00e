// Package builder turns the injected source tree into a versioned artifact
// inside a build environment and applies post-build hygiene.
package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/rubbs14/shipper/pkg/environment"
	"github.com/rubbs14/shipper/pkg/models"
	"github.com/rubbs14/shipper/pkg/utils"
)

var (
	// ErrBuild wraps packager failures and the missing install root
	// configuration error. Neither is retried.
	ErrBuild = errors.New("builder: build failed")
)

// Packager is the external tool that produces the artifact. It runs inside
// the build environment and returns the artifact path.
type Packager interface {
	Build(ctx context.Context, env environment.Environment, req BuildRequest) (string, error)
}

// BuildRequest carries everything the packager needs for one build.
type BuildRequest struct {
	Recipe        string
	OutputDir     string
	PythonVersion string
	Channels      []string
	Version       models.ReleaseVersion
	BuildNumber   string
}

var defaultCacheDirs = []string{"__pycache__", ".pytest_cache"}

// VCS metadata never ships in an artifact.
var vcsMetadata = []string{".git", ".gitignore", ".gitattributes"}

type Builder struct {
	packager    Packager
	spec        models.BuildSpec
	channels    []string
	buildNumber string
}

func NewBuilder(packager Packager, spec models.BuildSpec) *Builder {
	return &Builder{
		packager:    packager,
		spec:        spec,
		buildNumber: models.SentinelBuildNumber,
	}
}

func (b *Builder) WithChannels(channels []string) *Builder {
	b.channels = channels
	return b
}

func (b *Builder) WithBuildNumber(buildNumber string) *Builder {
	b.buildNumber = buildNumber
	return b
}

// Build purges stale caches from the source tree, invokes the packager inside
// env and strips development-only subtrees and VCS metadata from the install
// root before fixing permissions. The version must already be injected into
// the tree.
func (b *Builder) Build(ctx context.Context, env environment.Environment, src string, version models.ReleaseVersion) (*models.Artifact, error) {
	if b.spec.InstallRoot == "" {
		return nil, fmt.Errorf("%w: install root is not configured", ErrBuild)
	}

	cacheDirs := b.spec.CacheDirs
	if len(cacheDirs) == 0 {
		cacheDirs = defaultCacheDirs
	}
	if err := utils.PurgeDirs(src, cacheDirs); err != nil {
		return nil, fmt.Errorf("%w: could not purge stale caches: %v", ErrBuild, err)
	}

	artifactPath, err := b.packager.Build(ctx, env, BuildRequest{
		Recipe:        b.spec.Recipe,
		OutputDir:     b.spec.InstallRoot,
		PythonVersion: b.spec.PythonVersion,
		Channels:      b.channels,
		Version:       version,
		BuildNumber:   b.buildNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}

	exclusions := make([]string, 0, len(b.spec.Exclude)+len(vcsMetadata))
	exclusions = append(exclusions, b.spec.Exclude...)
	exclusions = append(exclusions, vcsMetadata...)
	if err := utils.RemoveSubtrees(b.spec.InstallRoot, exclusions); err != nil {
		return nil, fmt.Errorf("%w: could not strip excluded subtrees: %v", ErrBuild, err)
	}
	if err := utils.NormalizePermissions(b.spec.InstallRoot); err != nil {
		return nil, fmt.Errorf("%w: could not fix artifact permissions: %v", ErrBuild, err)
	}

	return &models.Artifact{
		Path:     artifactPath,
		Version:  version,
		Channels: b.channels,
	}, nil
}
