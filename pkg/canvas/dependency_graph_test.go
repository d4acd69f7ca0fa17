package canvas

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func builtinRegistry(extra ...Rule) *Registry {
	reg := NewRegistry()
	for _, r := range BuiltinRules() {
		reg.Register(r)
	}
	for _, r := range extra {
		reg.Register(r)
	}
	return reg
}

func edgeTriples(g *Graph) [][3]string {
	var out [][3]string
	for _, e := range g.Edges() {
		out = append(out, [3]string{e.Source, e.Target, string(e.Kind)})
	}
	return out
}

func TestBuildFromResourceCollapsesPods(t *testing.T) {
	deploy, rs, pod1, pod2 := nginxFixture()
	b := NewGraphBuilder(newFakeBackend(deploy, rs, pod1, pod2), WithRegistry(builtinRegistry()))

	g, err := b.BuildFromResource(context.Background(), ref("Deployment", "nginx", "default"), 2, DefaultBuildOptions())
	require.NoError(t, err)

	assert.Equal(t, 3, g.NodeCount())
	assert.ElementsMatch(t, [][3]string{
		{"Deployment:default:nginx", "ReplicaSet:default:nginx:abc123", "owned"},
		{"ReplicaSet:default:nginx:abc123", "Pod:default:ReplicaSet-nginx-7f8c9:abc123", "owned"},
	}, edgeTriples(g))

	pod, ok := g.Node("Pod:default:ReplicaSet-nginx-7f8c9:abc123")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"nginx-7f8c9-aa1", "nginx-7f8c9-aa2"}, pod.Attributes["instances"])

	assert.False(t, g.Metadata.Truncated)
	assert.False(t, g.Metadata.Cancelled)
	assert.NotEmpty(t, g.Metadata.BuildID)
	assert.Equal(t, 2, g.Metadata.Stats.ResourcesExpanded)
}

func TestBuildDepthBound(t *testing.T) {
	deploy, rs, pod1, pod2 := nginxFixture()
	backend := newFakeBackend(deploy, rs, pod1, pod2)
	b := NewGraphBuilder(backend, WithRegistry(builtinRegistry()))

	g, err := b.BuildFromResource(context.Background(), ref("Deployment", "nginx", "default"), 0, DefaultBuildOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, g.NodeCount())
	assert.Zero(t, g.EdgeCount())
	assert.Zero(t, g.Metadata.Stats.ResourcesExpanded)

	g, err = b.BuildFromResource(context.Background(), ref("Deployment", "nginx", "default"), 1, DefaultBuildOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, g.NodeCount())
	assert.True(t, g.HasNode("ReplicaSet:default:nginx:abc123"))
	assert.Empty(t, g.NodesByKind("Pod"))
	assert.Equal(t, 1, g.Metadata.Stats.ResourcesExpanded)
}

func TestBuildTruncatesAtMaxNodes(t *testing.T) {
	deploy, rs, pod1, pod2 := nginxFixture()
	b := NewGraphBuilder(newFakeBackend(deploy, rs, pod1, pod2), WithRegistry(builtinRegistry()))

	opts := DefaultBuildOptions()
	opts.MaxNodes = 2
	g, err := b.BuildFromResource(context.Background(), ref("Deployment", "nginx", "default"), 5, opts)
	require.NoError(t, err)

	assert.Equal(t, 2, g.NodeCount())
	assert.True(t, g.Metadata.Truncated)
	require.NotEmpty(t, g.Metadata.Warnings)
	assert.Equal(t, WarningTruncated, g.Metadata.Warnings[len(g.Metadata.Warnings)-1].Reason)
	for _, e := range g.Edges() {
		assert.True(t, g.HasNode(e.Source))
		assert.True(t, g.HasNode(e.Target))
	}
}

func TestMissingSeedYieldsEmptyGraph(t *testing.T) {
	b := NewGraphBuilder(newFakeBackend(), WithRegistry(builtinRegistry()))
	g, err := b.BuildFromResource(context.Background(), ref("Deployment", "ghost", "default"), 2, DefaultBuildOptions())
	require.NoError(t, err)
	assert.Zero(t, g.NodeCount())
	assert.Empty(t, g.Metadata.Warnings)
}

func TestUnreadableEndpointsBecomePlaceholders(t *testing.T) {
	pod := newObject("v1", "Pod", "default", "web")
	withField(pod, containers(map[string]interface{}{"name": "app", "image": "nginx"}), "spec", "containers")
	withField(pod, []interface{}{
		map[string]interface{}{"name": "creds", "secret": map[string]interface{}{"secretName": "db-creds"}},
		map[string]interface{}{"name": "config", "configMap": map[string]interface{}{"name": "gone"}},
	}, "spec", "volumes")

	backend := newFakeBackend(pod)
	backend.denied["Secret"] = true

	var mu sync.Mutex
	var seen []Warning
	b := NewGraphBuilder(backend, WithRegistry(builtinRegistry()), WithWarningHandler(func(w Warning) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, w)
	}))

	opts := DefaultBuildOptions()
	opts.ClusterID = "east"
	g, err := b.BuildFromResource(context.Background(), ref("Pod", "web", "default"), 1, opts)
	require.NoError(t, err)

	assert.Equal(t, 3, g.NodeCount())
	assert.Equal(t, 2, g.EdgeCount())

	secret, ok := g.Node("Secret:default:db-creds")
	require.True(t, ok)
	assert.Equal(t, true, secret.Attributes["missing"])
	assert.Equal(t, "east", secret.Attributes["clusterId"])

	cm, ok := g.Node("ConfigMap:default:gone")
	require.True(t, ok)
	assert.Equal(t, true, cm.Attributes["missing"])

	require.Len(t, g.Metadata.Warnings, 1)
	assert.Equal(t, WarningPermissionDenied, g.Metadata.Warnings[0].Reason)
	assert.Equal(t, "Secret", g.Metadata.Warnings[0].Resource.Kind)
	assert.Equal(t, g.Metadata.Warnings, seen)
}

func TestDeniedSeedIsSkippedWithWarning(t *testing.T) {
	backend := newFakeBackend(newObject("v1", "Secret", "default", "token"))
	backend.denied["Secret"] = true

	g, err := NewGraphBuilder(backend, WithRegistry(builtinRegistry())).
		BuildFromResource(context.Background(), ref("Secret", "token", "default"), 1, DefaultBuildOptions())
	require.NoError(t, err)
	assert.Zero(t, g.NodeCount())
	require.Len(t, g.Metadata.Warnings, 1)
	assert.Equal(t, WarningPermissionDenied, g.Metadata.Warnings[0].Reason)
}

func TestBackendFailureAbortsBuild(t *testing.T) {
	pod := newObject("v1", "Pod", "default", "web")
	withField(pod, "robot", "spec", "serviceAccountName")
	backend := newFakeBackend(pod)
	backend.failing["ServiceAccount"] = errors.New("connection reset")

	g, err := NewGraphBuilder(backend, WithRegistry(builtinRegistry())).
		BuildFromResource(context.Background(), ref("Pod", "web", "default"), 1, DefaultBuildOptions())
	assert.Nil(t, g)
	assert.ErrorContains(t, err, "connection reset")
}

func TestSelfReferenceIsKept(t *testing.T) {
	mirror := RuleFuncs{
		RuleName: "mirror",
		DiscoverFunc: func(ctx context.Context, obj *unstructured.Unstructured, _ Backend) ([]Relationship, error) {
			self := IdentifierFor(obj)
			return []Relationship{{Source: self, Target: self, Kind: "mirrors"}}, nil
		},
	}
	cm := newObject("v1", "ConfigMap", "default", "loop")
	g, err := NewGraphBuilder(newFakeBackend(cm), WithRegistry(builtinRegistry(mirror))).
		BuildFromResource(context.Background(), ref("ConfigMap", "loop", "default"), 3, DefaultBuildOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, g.NodeCount())
	assert.Equal(t, [][3]string{{"ConfigMap:default:loop", "ConfigMap:default:loop", "mirrors"}}, edgeTriples(g))
}

func TestCyclesTerminateAndResourcesAreFetchedOnce(t *testing.T) {
	a := newObject("v1", "ConfigMap", "default", "a")
	c := newObject("v1", "ConfigMap", "default", "b")
	link := RuleFuncs{
		RuleName: "ring",
		DiscoverFunc: func(ctx context.Context, obj *unstructured.Unstructured, _ Backend) ([]Relationship, error) {
			next := "a"
			if obj.GetName() == "a" {
				next = "b"
			}
			return []Relationship{{Source: IdentifierFor(obj), Target: ref("ConfigMap", next, "default"), Kind: "next"}}, nil
		},
	}
	backend := newFakeBackend(a, c)
	g, err := NewGraphBuilder(backend, WithRegistry(builtinRegistry(link))).
		BuildFromResource(context.Background(), ref("ConfigMap", "a", "default"), 50, DefaultBuildOptions())
	require.NoError(t, err)

	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 2, g.EdgeCount())
	assert.Equal(t, 1, backend.getCount(ref("ConfigMap", "b", "default")))
}

func TestDisabledCategoryDropsRelationships(t *testing.T) {
	sa := newObject("v1", "ServiceAccount", "ci", "builder")
	rb := newObject("rbac.authorization.k8s.io/v1", "RoleBinding", "ci", "builder-edit")
	withField(rb, map[string]interface{}{"kind": "ClusterRole", "name": "edit", "apiGroup": "rbac.authorization.k8s.io"}, "roleRef")
	withField(rb, []interface{}{map[string]interface{}{"kind": "ServiceAccount", "name": "builder"}}, "subjects")
	backend := newFakeBackend(sa, rb)
	b := NewGraphBuilder(backend, WithRegistry(builtinRegistry()))

	g, err := b.BuildFromResource(context.Background(), ref("ServiceAccount", "builder", "ci"), 1, DefaultBuildOptions())
	require.NoError(t, err)
	assert.Equal(t, [][3]string{{"RoleBinding:ci:builder-edit", "ServiceAccount:ci:builder", "rbac_subject"}}, edgeTriples(g))

	opts := DefaultBuildOptions()
	opts.Categories[CategoryRBAC] = false
	g, err = b.BuildFromResource(context.Background(), ref("ServiceAccount", "builder", "ci"), 1, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, g.NodeCount())
	assert.Zero(t, g.EdgeCount())
}

func TestCancellationKeepsPartialGraph(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := RuleFuncs{
		RuleName: "cancel",
		DiscoverFunc: func(_ context.Context, obj *unstructured.Unstructured, _ Backend) ([]Relationship, error) {
			cancel()
			return []Relationship{{Source: IdentifierFor(obj), Target: ref("ConfigMap", "next", "default"), Kind: "next"}}, nil
		},
	}
	cm := newObject("v1", "ConfigMap", "default", "start")
	g, err := NewGraphBuilder(newFakeBackend(cm), WithRegistry(builtinRegistry(stop))).
		BuildFromResource(ctx, ref("ConfigMap", "start", "default"), 3, DefaultBuildOptions())
	require.NoError(t, err)

	assert.True(t, g.Metadata.Cancelled)
	assert.True(t, g.HasNode("ConfigMap:default:start"))
	require.NotEmpty(t, g.Metadata.Warnings)
	assert.Equal(t, WarningCancelled, g.Metadata.Warnings[len(g.Metadata.Warnings)-1].Reason)
}

func TestBuildRejectsBadInput(t *testing.T) {
	b := NewGraphBuilder(newFakeBackend(), WithRegistry(builtinRegistry()))

	_, err := b.BuildFromResource(context.Background(), ResourceIdentifier{Kind: "Pod"}, 1, DefaultBuildOptions())
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = b.BuildFromResource(context.Background(), ref("Pod", "web", "default"), -1, DefaultBuildOptions())
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = b.BuildFromResource(context.Background(), ref("Pod", "web", "default"), 1, BuildOptions{MaxNodes: MaxNodesLimit + 1})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = b.BuildFromNamespace(context.Background(), "", 1, DefaultBuildOptions())
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestBuildFromNamespaceMergesSharedResources(t *testing.T) {
	template := func(name string) *unstructured.Unstructured {
		d := newObject("apps/v1", "Deployment", "shop", name)
		withField(d, containers(map[string]interface{}{"name": name, "image": name}), "spec", "template", "spec", "containers")
		withField(d, []interface{}{
			map[string]interface{}{"name": "settings", "configMap": map[string]interface{}{"name": "settings"}},
		}, "spec", "template", "spec", "volumes")
		return d
	}
	cm := newObject("v1", "ConfigMap", "shop", "settings")
	other := newObject("v1", "ConfigMap", "elsewhere", "settings")

	backend := newFakeBackend(template("api"), template("worker"), cm, other)
	backend.denied["Secret"] = true

	g, err := NewGraphBuilder(backend, WithRegistry(builtinRegistry())).
		BuildFromNamespace(context.Background(), "shop", 1, DefaultBuildOptions())
	require.NoError(t, err)

	assert.Equal(t, 3, g.NodeCount())
	assert.Equal(t, []string{"ConfigMap:shop:settings"}, g.NodesByKind("ConfigMap"))
	assert.ElementsMatch(t, []string{"Deployment:shop:api", "Deployment:shop:worker"}, g.Predecessors("ConfigMap:shop:settings"))

	require.Len(t, g.Metadata.Warnings, 1)
	assert.Equal(t, "Secret", g.Metadata.Warnings[0].Resource.Kind)
	assert.Equal(t, WarningPermissionDenied, g.Metadata.Warnings[0].Reason)
}

func TestBuildFromNamespaceExtraKinds(t *testing.T) {
	app := newObject("argoproj.io/v1alpha1", "Application", "apps", "shop")
	backend := newFakeBackend(app)

	b := NewGraphBuilder(backend, WithRegistry(builtinRegistry()), WithNamespaceKinds("Application"))
	g, err := b.BuildFromNamespace(context.Background(), "apps", 1, DefaultBuildOptions())
	require.NoError(t, err)
	assert.True(t, g.HasNode("Application:apps:shop"))

	opts := DefaultBuildOptions()
	opts.Categories[CategoryCustomResources] = false
	g, err = b.BuildFromNamespace(context.Background(), "apps", 1, opts)
	require.NoError(t, err)
	assert.Zero(t, g.NodeCount())
}

func TestControllerRoutesRequests(t *testing.T) {
	deploy, rs, pod1, pod2 := nginxFixture()
	c, err := NewController("dev", newFakeBackend(deploy, rs, pod1, pod2), WithRegistry(builtinRegistry()))
	require.NoError(t, err)

	depth := 1
	g, err := c.GetGraph(context.Background(), GraphRequest{Resource: ref("Deployment", "nginx", "default"), Depth: &depth})
	require.NoError(t, err)
	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, "dev", g.Metadata.ClusterID)

	g, err = c.GetGraph(context.Background(), GraphRequest{Namespace: "default"})
	require.NoError(t, err)
	assert.Equal(t, 3, g.NodeCount())

	_, err = NewController("dev", nil)
	assert.Error(t, err)
}
