package canvas

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/agentkube/kubegraph/pkg/logger"
	"github.com/agentkube/kubegraph/pkg/metrics"
)

// Build modes reported in metrics and logs.
const (
	ModeResource  = "resource"
	ModeNamespace = "namespace"
)

// NamespaceKinds are listed by BuildFromNamespace regardless of options.
var NamespaceKinds = []string{
	"Pod", "Service", "Deployment", "StatefulSet", "DaemonSet", "ReplicaSet",
	"Job", "CronJob", "ConfigMap", "Secret", "PersistentVolumeClaim",
	"ServiceAccount", "HorizontalPodAutoscaler", "PodDisruptionBudget",
	"ResourceQuota", "LimitRange", "Endpoints",
}

var (
	rbacNamespaceKinds    = []string{"Role", "RoleBinding"}
	networkNamespaceKinds = []string{"NetworkPolicy", "Ingress"}
)

// GraphBuilder builds relationship graphs through a Backend.
type GraphBuilder struct {
	backend        Backend
	registry       *Registry
	ruleTimeout    time.Duration
	concurrency    int
	onWarning      func(Warning)
	namespaceKinds []string
}

// BuilderOption configures a GraphBuilder.
type BuilderOption func(*GraphBuilder)

// WithRegistry replaces the default registry.
func WithRegistry(r *Registry) BuilderOption {
	return func(b *GraphBuilder) {
		if r != nil {
			b.registry = r
		}
	}
}

// WithRuleTimeout sets the per-rule timeout.
func WithRuleTimeout(d time.Duration) BuilderOption {
	return func(b *GraphBuilder) {
		if d > 0 {
			b.ruleTimeout = d
		}
	}
}

// WithConcurrency bounds concurrent rule runs and endpoint fetches.
func WithConcurrency(n int) BuilderOption {
	return func(b *GraphBuilder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithWarningHandler receives every warning raised during a build.
func WithWarningHandler(fn func(Warning)) BuilderOption {
	return func(b *GraphBuilder) {
		b.onWarning = fn
	}
}

// WithNamespaceKinds adds kinds listed by BuildFromNamespace, such as
// custom resource kinds.
func WithNamespaceKinds(kinds ...string) BuilderOption {
	return func(b *GraphBuilder) {
		b.namespaceKinds = append(b.namespaceKinds, kinds...)
	}
}

// NewGraphBuilder creates a builder. Without WithRegistry it uses
// DefaultRegistry.
func NewGraphBuilder(backend Backend, opts ...BuilderOption) *GraphBuilder {
	b := &GraphBuilder{
		backend:     backend,
		ruleTimeout: DefaultRuleTimeout,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry == nil {
		b.registry = DefaultRegistry()
	}
	return b
}

// Backend returns the backend the builder reads from.
func (b *GraphBuilder) Backend() Backend {
	return b.backend
}

// Registry returns the registry the builder resolves rules from.
func (b *GraphBuilder) Registry() *Registry {
	return b.registry
}

// BuildFromResource builds the graph reachable from seed within depth
// discovery hops. Cancellation of ctx returns the graph built so far.
func (b *GraphBuilder) BuildFromResource(ctx context.Context, seed ResourceIdentifier, depth int, opts BuildOptions) (*Graph, error) {
	if err := b.validate(depth, opts); err != nil {
		return nil, err
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}

	run := b.newRun(ModeResource, opts)
	run.push(frontierEntry{id: seed, depth: depth})
	return run.finish(run.traverse(ctx))
}

// BuildFromNamespace builds the union of the graphs of every resource of
// interest in namespace.
func (b *GraphBuilder) BuildFromNamespace(ctx context.Context, namespace string, depth int, opts BuildOptions) (*Graph, error) {
	if err := b.validate(depth, opts); err != nil {
		return nil, err
	}
	if namespace == "" {
		return nil, errors.Wrap(ErrInvalidIdentifier, "namespace is required")
	}

	run := b.newRun(ModeNamespace, opts)
	if err := run.seedNamespace(ctx, namespace, b.KindsFor(opts), depth); err != nil {
		return run.finish(err)
	}
	return run.finish(run.traverse(ctx))
}

func (b *GraphBuilder) validate(depth int, opts BuildOptions) error {
	if depth < 0 {
		return errors.Wrapf(ErrInvalidOptions, "depth must not be negative, got %d", depth)
	}
	return opts.Validate()
}

// KindsFor returns the kinds a namespace build with opts lists.
func (b *GraphBuilder) KindsFor(opts BuildOptions) []string {
	kinds := append([]string(nil), NamespaceKinds...)
	if opts.Includes(CategoryRBAC) {
		kinds = append(kinds, rbacNamespaceKinds...)
	}
	if opts.Includes(CategoryNetwork) {
		kinds = append(kinds, networkNamespaceKinds...)
	}
	if opts.Includes(CategoryCustomResources) {
		kinds = append(kinds, b.namespaceKinds...)
	}
	return kinds
}

type frontierEntry struct {
	id ResourceIdentifier
	// obj is set when the resource was already fetched.
	obj   *unstructured.Unstructured
	depth int
}

// endpoint is the resolution of a relationship endpoint.
type endpoint struct {
	key   string
	obj   *unstructured.Unstructured
	attrs map[string]interface{}
}

// buildRun holds the state of a single build call.
type buildRun struct {
	b            *GraphBuilder
	mode         string
	opts         BuildOptions
	graph        *Graph
	orchestrator *Orchestrator
	queue        []frontierEntry
	visited      map[string]struct{}
	queued       map[string]struct{}
	endpoints    map[string]endpoint
	start        time.Time
}

func (b *GraphBuilder) newRun(mode string, opts BuildOptions) *buildRun {
	g := NewGraph()
	g.Metadata = Metadata{
		BuildID:   uuid.NewString(),
		ClusterID: opts.ClusterID,
		Stats: BuildStats{
			RuleRuns:   make(map[string]int),
			RuleErrors: make(map[string]int),
		},
	}
	orchestrator := NewOrchestrator(b.registry, b.backend,
		WithOrchestratorTimeout(b.ruleTimeout),
		WithOrchestratorConcurrency(b.concurrency))

	return &buildRun{
		b:            b,
		mode:         mode,
		opts:         opts,
		graph:        g,
		orchestrator: orchestrator,
		visited:      make(map[string]struct{}),
		queued:       make(map[string]struct{}),
		endpoints:    make(map[string]endpoint),
		start:        time.Now(),
	}
}

func (r *buildRun) push(e frontierEntry) {
	r.queue = append(r.queue, e)
}

func (r *buildRun) pop() frontierEntry {
	e := r.queue[0]
	r.queue[0] = frontierEntry{}
	r.queue = r.queue[1:]
	return e
}

// seedNamespace lists every kind concurrently and seeds the frontier with the
// results in kind order.
func (r *buildRun) seedNamespace(ctx context.Context, namespace string, kinds []string, depth int) error {
	lists := make([]*ResourceList, len(kinds))
	denied := make([]error, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.b.concurrency)
	for i, kind := range kinds {
		g.Go(func() error {
			list, err := r.b.backend.ListResources(gctx, kind, namespace, "")
			switch {
			case err == nil:
				lists[i] = list
			case IsPermissionDenied(err):
				denied[i] = err
			case IsNotFound(err):
			default:
				return errors.Wrapf(err, "listing %s in %s", kind, namespace)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			r.cancel()
			return nil
		}
		return err
	}

	for i, kind := range kinds {
		if denied[i] != nil {
			r.warn(Warning{
				Resource: ResourceIdentifier{Kind: kind, Namespace: namespace},
				Reason:   WarningPermissionDenied,
				Message:  denied[i].Error(),
			})
		}
		if lists[i] == nil {
			continue
		}
		for j := range lists[i].Items {
			obj := &lists[i].Items[j]
			r.push(frontierEntry{id: IdentifierFor(obj), obj: obj, depth: depth})
		}
	}
	return nil
}

// traverse drains the frontier. It returns nil on cancellation so that the
// partial graph is kept.
func (r *buildRun) traverse(ctx context.Context) error {
	for len(r.queue) > 0 {
		if ctx.Err() != nil {
			r.cancel()
			return nil
		}
		if r.graph.Metadata.Truncated {
			return nil
		}

		entry := r.pop()
		obj := entry.obj
		if obj == nil {
			fetched, err := r.fetch(ctx, entry.id)
			if err != nil {
				if ctx.Err() != nil {
					r.cancel()
					return nil
				}
				return err
			}
			if fetched == nil {
				continue
			}
			obj = fetched
		}

		key := ResolveNodeKey(obj)
		attrs := NodeAttributes(obj, r.opts.ClusterID)
		if _, seen := r.visited[key]; seen {
			r.graph.AddNode(key, attrs)
			continue
		}
		if !r.materialize(key, attrs) {
			return nil
		}
		r.visited[key] = struct{}{}
		r.queued[key] = struct{}{}

		if entry.depth <= 0 {
			continue
		}
		if err := r.expand(ctx, obj, key, entry.depth); err != nil {
			if ctx.Err() != nil {
				r.cancel()
				return nil
			}
			return err
		}
	}
	return nil
}

// fetch returns nil without error for resources that are missing or not
// readable.
func (r *buildRun) fetch(ctx context.Context, id ResourceIdentifier) (*unstructured.Unstructured, error) {
	obj, err := r.b.backend.GetResource(ctx, id)
	switch {
	case err == nil:
		return obj, nil
	case IsNotFound(err):
		return nil, nil
	case IsPermissionDenied(err):
		r.warn(Warning{Resource: id, Reason: WarningPermissionDenied, Message: err.Error()})
		return nil, nil
	default:
		return nil, errors.Wrapf(err, "fetching %s", id)
	}
}

// materialize adds or merges a node unless that would exceed maxNodes.
func (r *buildRun) materialize(key string, attrs map[string]interface{}) bool {
	if !r.graph.HasNode(key) && r.graph.NodeCount() >= r.opts.maxNodes() {
		r.truncate()
		return false
	}
	r.graph.AddNode(key, attrs)
	return true
}

func (r *buildRun) expand(ctx context.Context, obj *unstructured.Unstructured, key string, depth int) error {
	result := r.orchestrator.Run(ctx, obj, r.opts)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	stats := &r.graph.Metadata.Stats
	stats.ResourcesExpanded++
	for _, name := range result.Ran {
		stats.RuleRuns[name]++
	}
	for _, f := range result.Failures {
		stats.RuleErrors[f.Rule]++
	}

	self := IdentifierFor(obj)
	var rels []Relationship
	for _, rel := range result.Relationships {
		if !r.opts.Includes(rel.Kind.Category()) {
			continue
		}
		if rel.Source.Validate() != nil || rel.Target.Validate() != nil {
			logger.Log(logger.LevelDebug, map[string]string{
				"resource": self.String(),
				"kind":     string(rel.Kind),
			}, nil, "dropping relationship with incomplete endpoint")
			continue
		}
		rels = append(rels, rel)
	}
	stats.TotalRelationships += len(rels)

	if err := r.resolveEndpoints(ctx, self, rels); err != nil {
		return err
	}

	for _, rel := range rels {
		source := r.endpointFor(rel.Source, self, key)
		target := r.endpointFor(rel.Target, self, key)
		if !r.materialize(source.key, source.attrs) || !r.materialize(target.key, target.attrs) {
			continue
		}
		r.graph.AddEdge(source.key, target.key, rel.Kind, rel.Detail)
		r.enqueue(source, depth-1)
		r.enqueue(target, depth-1)
	}
	return nil
}

// resolveEndpoints fetches every endpoint not resolved earlier in this build.
func (r *buildRun) resolveEndpoints(ctx context.Context, self ResourceIdentifier, rels []Relationship) error {
	var pending []ResourceIdentifier
	seen := make(map[string]struct{})
	for _, rel := range rels {
		for _, id := range []ResourceIdentifier{rel.Source, rel.Target} {
			lk := id.lookupKey()
			if id.Equal(self) {
				continue
			}
			if _, ok := r.endpoints[lk]; ok {
				continue
			}
			if _, ok := seen[lk]; ok {
				continue
			}
			seen[lk] = struct{}{}
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	type fetched struct {
		obj    *unstructured.Unstructured
		denied error
	}
	results := make([]fetched, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.b.concurrency)
	for i, id := range pending {
		g.Go(func() error {
			obj, err := r.b.backend.GetResource(gctx, id)
			switch {
			case err == nil:
				results[i].obj = obj
			case IsPermissionDenied(err):
				results[i].denied = err
			case IsNotFound(err):
			default:
				return errors.Wrapf(err, "fetching %s", id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, id := range pending {
		res := results[i]
		if res.denied != nil {
			r.warn(Warning{Resource: id, Reason: WarningPermissionDenied, Message: res.denied.Error()})
		}
		if res.obj != nil {
			r.endpoints[id.lookupKey()] = endpoint{
				key:   ResolveNodeKey(res.obj),
				obj:   res.obj,
				attrs: NodeAttributes(res.obj, r.opts.ClusterID),
			}
			continue
		}
		r.endpoints[id.lookupKey()] = endpoint{
			key:   KeyForIdentifier(id),
			attrs: placeholderAttributes(id, r.opts.ClusterID),
		}
	}
	return nil
}

func (r *buildRun) endpointFor(id, self ResourceIdentifier, selfKey string) endpoint {
	if id.Equal(self) {
		return endpoint{key: selfKey}
	}
	return r.endpoints[id.lookupKey()]
}

// enqueue schedules a fetched endpoint for expansion once.
func (r *buildRun) enqueue(e endpoint, depth int) {
	if e.obj == nil || depth < 0 {
		return
	}
	if _, ok := r.queued[e.key]; ok {
		return
	}
	r.queued[e.key] = struct{}{}
	r.push(frontierEntry{id: IdentifierFor(e.obj), obj: e.obj, depth: depth})
}

func (r *buildRun) truncate() {
	if r.graph.Metadata.Truncated {
		return
	}
	r.graph.Metadata.Truncated = true
	r.warn(Warning{
		Reason:  WarningTruncated,
		Message: "node limit of " + strconv.Itoa(r.opts.maxNodes()) + " reached",
	})
}

func (r *buildRun) cancel() {
	if r.graph.Metadata.Cancelled {
		return
	}
	r.graph.Metadata.Cancelled = true
	r.warn(Warning{Reason: WarningCancelled, Message: "build cancelled, returning partial graph"})
}

func (r *buildRun) warn(w Warning) {
	r.graph.Metadata.Warnings = append(r.graph.Metadata.Warnings, w)
	if w.Reason == WarningPermissionDenied {
		metrics.PermissionDenied(w.Resource.Kind)
	}
	logger.Log(logger.LevelWarn, map[string]string{
		"buildId":  r.graph.Metadata.BuildID,
		"reason":   w.Reason,
		"resource": w.Resource.String(),
	}, nil, w.Message)
	if r.b.onWarning != nil {
		r.b.onWarning(w)
	}
}

func (r *buildRun) finish(err error) (*Graph, error) {
	nodes := r.graph.NodeCount()
	r.graph.Metadata.Stats.DurationMillis = time.Since(r.start).Milliseconds()

	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case r.graph.Metadata.Cancelled:
		outcome = metrics.OutcomeCancelled
	case r.graph.Metadata.Truncated:
		outcome = metrics.OutcomeTruncated
	}
	metrics.ObserveBuild(r.mode, outcome, nodes)

	fields := map[string]string{
		"buildId": r.graph.Metadata.BuildID,
		"mode":    r.mode,
		"outcome": outcome,
		"nodes":   strconv.Itoa(nodes),
		"edges":   strconv.Itoa(r.graph.EdgeCount()),
	}
	if err != nil {
		logger.Log(logger.LevelError, fields, err, "graph build failed")
		return nil, err
	}
	logger.Log(logger.LevelInfo, fields, nil, "graph built")
	return r.graph, nil
}
