// Package trigger builds the run's trigger context from the invoking CI
// event, falling back to repository introspection for local runs.
package trigger

import (
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/rubbs14/shipper/pkg/models"
)

const (
	BranchEnv      = "TRAVIS_BRANCH"
	TagEnv         = "TRAVIS_TAG"
	BuildNumberEnv = "TRAVIS_BUILD_NUMBER"
)

// FromEnv reads the trigger context from the CI-provided environment. The
// second return value reports whether the CI context was present at all.
func FromEnv() (models.TriggerContext, bool) {
	branch, ok := os.LookupEnv(BranchEnv)
	if !ok || branch == "" {
		return models.TriggerContext{}, false
	}
	return models.NewTriggerContext(branch, os.Getenv(TagEnv), os.Getenv(BuildNumberEnv)), true
}

// FromRepo derives the trigger context from the repository at path: the
// checked-out branch, and the tag pointing at HEAD if there is one. On a tag
// checkout HEAD is detached, so the tag name stands in for the ref under
// comparison, matching what the CI does on tag builds.
func FromRepo(path string) (models.TriggerContext, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return models.TriggerContext{}, fmt.Errorf("could not open repository at %s: %v", path, err)
	}

	head, err := repo.Head()
	if err != nil {
		return models.TriggerContext{}, fmt.Errorf("could not resolve HEAD: %v", err)
	}

	tag, err := tagAt(repo, head.Hash())
	if err != nil {
		return models.TriggerContext{}, err
	}

	branch := head.Name().Short()
	if !head.Name().IsBranch() && tag != "" {
		branch = tag
	}

	return models.NewTriggerContext(branch, tag, ""), nil
}

// Resolve prefers the CI environment and falls back to the repository. A run
// outside both yields an untagged context.
func Resolve(repoPath string) models.TriggerContext {
	if ctx, ok := FromEnv(); ok {
		return ctx
	}
	ctx, err := FromRepo(repoPath)
	if err != nil {
		return models.NewTriggerContext("", "", "")
	}
	return ctx
}

func tagAt(repo *git.Repository, hash plumbing.Hash) (string, error) {
	tags, err := repo.Tags()
	if err != nil {
		return "", fmt.Errorf("could not list tags: %v", err)
	}
	defer tags.Close()

	var found string
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		target := ref.Hash()
		if obj, err := repo.TagObject(ref.Hash()); err == nil {
			// Annotated tags point at a tag object, not the commit.
			target = obj.Target
		}
		if target == hash {
			found = ref.Name().Short()
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("could not walk tags: %v", err)
	}
	return found, nil
}
