// Package publisher gates the one externally visible, irreversible stage:
// uploading the artifact to the package registry.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/rubbs14/shipper/pkg/environment"
	"github.com/rubbs14/shipper/pkg/models"
)

var (
	// ErrPublish covers registry authentication and network failures, and
	// attempts to publish twice within one run.
	ErrPublish = errors.New("publisher: publish failed")
)

// ShouldPublish is the deploy policy: only tagged releases built from the
// release branch are published.
func ShouldPublish(t models.TriggerContext, releaseBranch string) bool {
	return t.Tagged && t.Branch == releaseBranch
}

// RegistryClient is the external client that performs the artifact upload.
type RegistryClient interface {
	Upload(ctx context.Context, env environment.Environment, artifactPath, org, token string) error
}

// Gate invokes the registry client at most once per run. Idempotency across
// runs is the registry's responsibility.
type Gate struct {
	registry  RegistryClient
	published bool
}

func NewGate(registry RegistryClient) *Gate {
	return &Gate{registry: registry}
}

func (g *Gate) Publish(ctx context.Context, env environment.Environment, artifact *models.Artifact, org, token string) error {
	if g.published {
		return fmt.Errorf("%w: artifact was already published in this run", ErrPublish)
	}
	if err := g.registry.Upload(ctx, env, artifact.Path, org, token); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	g.published = true
	return nil
}
