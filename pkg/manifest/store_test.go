package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const appManifest = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
  namespace: shop
  labels:
    app: web
spec:
  replicas: 2
---
# comment only
---
apiVersion: v1
kind: List
items:
- apiVersion: v1
  kind: Service
  metadata:
    name: web
    namespace: shop
    labels:
      app: web
- apiVersion: v1
  kind: ConfigMap
  metadata:
    name: settings
    namespace: shop
---
{"apiVersion": "v1", "kind": "Namespace", "metadata": {"name": "shop"}}
`

func loadedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	n, err := s.Load(strings.NewReader(appManifest))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	return s
}

func TestDecodeFlattensListsAndSkipsEmptyDocuments(t *testing.T) {
	objs, err := Decode(strings.NewReader(appManifest))
	require.NoError(t, err)

	var kinds []string
	for _, obj := range objs {
		kinds = append(kinds, obj.GetKind())
	}
	assert.Equal(t, []string{"Deployment", "Service", "ConfigMap", "Namespace"}, kinds)

	replicas, found, err := unstructured.NestedInt64(objs[0].Object, "spec", "replicas")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(2), replicas)
}

func TestDecodeRejectsMalformedYAML(t *testing.T) {
	_, err := Decode(strings.NewReader("kind: [unterminated"))
	assert.Error(t, err)
}

func TestLoadRejectsObjectsWithoutName(t *testing.T) {
	s := NewStore()
	_, err := s.Load(strings.NewReader("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  namespace: x\n"))
	assert.ErrorIs(t, err, canvas.ErrInvalidIdentifier)
	assert.Zero(t, s.Len())
}

func TestGetResource(t *testing.T) {
	s := loadedStore(t)
	ctx := context.Background()

	obj, err := s.GetResource(ctx, canvas.ResourceIdentifier{Kind: "Deployment", Name: "web", Namespace: "shop"})
	require.NoError(t, err)
	assert.Equal(t, "web", obj.GetName())

	// Returned objects are copies.
	obj.SetName("changed")
	again, err := s.GetResource(ctx, canvas.ResourceIdentifier{Kind: "Deployment", Name: "web", Namespace: "shop"})
	require.NoError(t, err)
	assert.Equal(t, "web", again.GetName())

	_, err = s.GetResource(ctx, canvas.ResourceIdentifier{Kind: "Deployment", Name: "api", Namespace: "shop"})
	assert.True(t, canvas.IsNotFound(err))

	ns, err := s.GetResource(ctx, canvas.ResourceIdentifier{Kind: "Namespace", Name: "shop"})
	require.NoError(t, err)
	assert.Equal(t, "Namespace", ns.GetKind())
}

func TestListResourcesFiltersByNamespaceAndSelector(t *testing.T) {
	s := loadedStore(t)
	ctx := context.Background()

	list, err := s.ListResources(ctx, "Service", "shop", "app=web")
	require.NoError(t, err)
	require.Len(t, list.Items, 1)

	list, err = s.ListResources(ctx, "Service", "", "app=api")
	require.NoError(t, err)
	assert.Empty(t, list.Items)

	list, err = s.ListResources(ctx, "ConfigMap", "other", "")
	require.NoError(t, err)
	assert.Empty(t, list.Items)

	_, err = s.ListResources(ctx, "Service", "shop", "app in (")
	assert.Error(t, err)
}

func TestDeny(t *testing.T) {
	s := loadedStore(t)
	ctx := context.Background()
	s.Deny("ConfigMap", "shop")
	s.Deny("Service", "")

	_, err := s.ListResources(ctx, "ConfigMap", "shop", "")
	assert.True(t, canvas.IsPermissionDenied(err))
	_, err = s.GetResource(ctx, canvas.ResourceIdentifier{Kind: "Service", Name: "web", Namespace: "shop"})
	assert.True(t, canvas.IsPermissionDenied(err))

	_, err = s.ListResources(ctx, "Deployment", "shop", "")
	assert.NoError(t, err)
}

func TestAddReplacesAndKeepsOrder(t *testing.T) {
	s := loadedStore(t)
	_, err := s.Load(strings.NewReader("apiVersion: v1\nkind: Service\nmetadata:\n  name: web\n  namespace: shop\n  labels:\n    tier: front\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, s.Len())

	list, err := s.ListResources(context.Background(), "Service", "shop", "tier=front")
	require.NoError(t, err)
	assert.Len(t, list.Items, 1)
	assert.Equal(t, []string{"shop"}, s.Namespaces())
}

func TestLoadPathsWalksDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), []byte(appManifest), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "pod.yml"),
		[]byte("apiVersion: v1\nkind: Pod\nmetadata:\n  name: p\n  namespace: shop\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# not a manifest"), 0o600))

	s := NewStore()
	n, err := s.LoadPaths(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = s.LoadPaths(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	s := loadedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ListResources(ctx, "Service", "", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStoreBacksGraphBuilder(t *testing.T) {
	s := NewStore()
	_, err := s.Load(strings.NewReader(`
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
  namespace: shop
  uid: dep-1
---
apiVersion: apps/v1
kind: ReplicaSet
metadata:
  name: web-6d4cf56db6
  namespace: shop
  uid: rs-1
  ownerReferences:
  - apiVersion: apps/v1
    kind: Deployment
    name: web
    uid: dep-1
    controller: true
`))
	require.NoError(t, err)

	b := canvas.NewGraphBuilder(s)
	g, err := b.BuildFromResource(context.Background(),
		canvas.ResourceIdentifier{Kind: "Deployment", Name: "web", Namespace: "shop"}, 1, canvas.BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 1, g.EdgeCount())
}
