// Package version computes the effective release version for a run and
// injects it into the source tree before the build stage.
package version

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rubbs14/shipper/pkg/models"
)

var (
	// ErrWrite means an injection target's parent directory does not exist.
	ErrWrite = errors.New("version: injection target missing")
)

// DependencyPlaceholder is the marker in the build recipe replaced with the
// resolved dependency list.
const DependencyPlaceholder = "DEPENDENCY_PLACEHOLDER"

// RecipeMetadataFile is the metadata file inside a recipe directory.
const RecipeMetadataFile = "meta.yaml"

const accessorTemplate = "def version():\n    return \"%s\"\n"

// Compute derives the release version from the trigger context. Tagged
// releases use the tag, everything else gets the sentinel.
func Compute(t models.TriggerContext) models.ReleaseVersion {
	if t.Tagged {
		return models.ReleaseVersion{Value: t.Tag}
	}
	return models.ReleaseVersion{Value: models.SentinelVersion}
}

// BuildNumber returns the build counter for the run. Outside real tag builds
// the counter is pinned to the sentinel.
func BuildNumber(t models.TriggerContext) string {
	if t.Tagged && t.BuildNumber != "" {
		return t.BuildNumber
	}
	return models.SentinelBuildNumber
}

// Inject overwrites the metadata accessor file at path with an accessor
// returning the version as a literal string. The file is replaced, never
// appended to.
func Inject(v models.ReleaseVersion, path string) error {
	parent := filepath.Dir(path)
	if _, err := os.Stat(parent); err != nil {
		return fmt.Errorf("%w: %s", ErrWrite, parent)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf(accessorTemplate, v.Value)), 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// InjectDependencies replaces the recipe's dependency placeholder with the
// entries of the dependency spec file, one per line. recipePath may be the
// recipe directory, in which case the metadata file inside it is rewritten.
func InjectDependencies(recipePath, dependencyFile string) error {
	if info, err := os.Stat(recipePath); err == nil && info.IsDir() {
		recipePath = filepath.Join(recipePath, RecipeMetadataFile)
	}

	deps, err := ReadDependencyFile(dependencyFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	recipe, err := os.ReadFile(recipePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	var b strings.Builder
	for _, dep := range deps {
		fmt.Fprintf(&b, "    - %s\n", dep)
	}

	out := strings.Replace(string(recipe), DependencyPlaceholder, b.String(), 1)
	if err := os.WriteFile(recipePath, []byte(out), 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// ReadDependencyFile reads one package spec per line, skipping blanks and
// comments.
func ReadDependencyFile(path string) ([]string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	deps := make([]string, 0)
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		deps = append(deps, line)
	}
	return deps, nil
}
