// Package azdo wraps the Azure DevOps REST SDK behind the minimal client
// surface the pool needs: connect/validate, disconnect, liveness flag.
package azdo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/microsoft/azure-devops-go-api/azuredevops/v7"
	"github.com/microsoft/azure-devops-go-api/azuredevops/v7/core"

	"github.com/devdeck-tools/azdoconn/internal/errs"
	"github.com/devdeck-tools/azdoconn/internal/model"
)

// Client is the collaborator contract consumed by the connection pool. The
// pool never interprets Azure DevOps responses beyond connect success/failure.
type Client interface {
	// Connect authenticates and validates the configured project is reachable.
	Connect(ctx context.Context) error
	// Disconnect releases the handle. Safe to call repeatedly.
	Disconnect(ctx context.Context) error
	// IsConnected reports whether Connect has succeeded and not been undone.
	IsConnected() bool
}

// Factory builds a Client for a resolved connection config.
type Factory func(cfg model.ConnectionConfig) Client

// NewClient is the production Factory.
func NewClient(cfg model.ConnectionConfig) Client {
	return &restClient{cfg: cfg}
}

type restClient struct {
	cfg model.ConnectionConfig

	mu        sync.Mutex
	core      core.Client
	connected bool
}

func (c *restClient) Connect(ctx context.Context) error {
	conn := azuredevops.NewPatConnection(NormalizeOrgURL(c.cfg.OrganizationURL), c.cfg.PersonalAccessToken)

	coreClient, err := core.NewClient(ctx, conn)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConnection, err)
	}

	// Resolving the project both validates the PAT and proves the project exists.
	project := c.cfg.ProjectName
	if _, err := coreClient.GetProject(ctx, core.GetProjectArgs{ProjectId: &project}); err != nil {
		return fmt.Errorf("%w: project %q: %v", errs.ErrConnection, project, err)
	}

	c.mu.Lock()
	c.core = coreClient
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Disconnect drops the client reference. The REST transport is stateless, so
// there is nothing to tear down beyond forgetting the handle.
func (c *restClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.core = nil
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *restClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// NormalizeOrgURL canonicalizes an organization URL for comparison and for
// the SDK: lowercase scheme/host handling is left to the transport, but
// trailing slashes always come off.
func NormalizeOrgURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
