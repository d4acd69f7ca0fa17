package canvas

import (
	"context"

	"github.com/pkg/errors"
)

// DefaultDepth is used by requests that do not set a depth.
const DefaultDepth = 2

// GraphRequest describes a graph build requested over the API or the CLI.
type GraphRequest struct {
	Resource ResourceIdentifier `json:"resource"`
	// Namespace selects a namespace build when Resource is empty.
	Namespace string `json:"namespace,omitempty"`
	// Depth defaults to DefaultDepth when nil.
	Depth    *int              `json:"depth,omitempty"`
	MaxNodes int               `json:"maxNodes,omitempty"`
	Include  map[Category]bool `json:"include,omitempty"`
}

// Options converts the request into BuildOptions for clusterID.
func (r GraphRequest) Options(clusterID string) BuildOptions {
	opts := DefaultBuildOptions()
	opts.MaxNodes = r.MaxNodes
	opts.ClusterID = clusterID
	for c, on := range r.Include {
		opts.Categories[c] = on
	}
	return opts
}

func (r GraphRequest) depth() int {
	if r.Depth == nil {
		return DefaultDepth
	}
	return *r.Depth
}

// Controller handles graph requests for a single cluster.
type Controller struct {
	clusterID string
	builder   *GraphBuilder
}

// NewController creates a controller building through backend.
func NewController(clusterID string, backend Backend, opts ...BuilderOption) (*Controller, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	return &Controller{
		clusterID: clusterID,
		builder:   NewGraphBuilder(backend, opts...),
	}, nil
}

// ClusterID returns the cluster the controller builds for.
func (c *Controller) ClusterID() string {
	return c.clusterID
}

// Builder returns the underlying graph builder.
func (c *Controller) Builder() *GraphBuilder {
	return c.builder
}

// GetGraph runs the build described by req: a resource build when
// req.Resource has a kind, a namespace build otherwise.
func (c *Controller) GetGraph(ctx context.Context, req GraphRequest) (*Graph, error) {
	if req.Resource.Kind != "" {
		return c.GetResourceGraph(ctx, req)
	}
	return c.GetNamespaceGraph(ctx, req)
}

// GetResourceGraph builds the graph around req.Resource.
func (c *Controller) GetResourceGraph(ctx context.Context, req GraphRequest) (*Graph, error) {
	return c.builder.BuildFromResource(ctx, req.Resource, req.depth(), req.Options(c.clusterID))
}

// GetNamespaceGraph builds the graph of req.Namespace.
func (c *Controller) GetNamespaceGraph(ctx context.Context, req GraphRequest) (*Graph, error) {
	return c.builder.BuildFromNamespace(ctx, req.Namespace, req.depth(), req.Options(c.clusterID))
}
