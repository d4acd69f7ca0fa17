package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/rest"

	"github.com/agentkube/kubegraph/pkg/canvas"
	"github.com/agentkube/kubegraph/pkg/config"
	"github.com/agentkube/kubegraph/pkg/kubeconfig"
	"github.com/agentkube/kubegraph/pkg/manifest"
)

const shopManifest = `
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
`

func testConfig() config.Config {
	return config.Config{
		Port:        4688,
		LogLevel:    "info",
		Depth:       2,
		MaxNodes:    100,
		Concurrency: 4,
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, *int) {
	t.Helper()
	s := manifest.NewStore()
	_, err := s.Load(strings.NewReader(shopManifest))
	require.NoError(t, err)

	store := kubeconfig.NewContextStore()
	require.NoError(t, store.AddContext(kubeconfig.NewContextFromConfig("kind-dev", &rest.Config{Host: "https://127.0.0.1:6443"}, kubeconfig.KubeConfig)))

	connects := 0
	factory := func(context.Context, *kubeconfig.Context) (canvas.Backend, error) {
		connects++
		return s, nil
	}
	return SetupRouter(testConfig(), store, factory), &connects
}

func do(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPingAndStatus(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())

	w = do(t, router, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "running", status["status"])
	assert.Equal(t, float64(4688), status["port"])
}

func TestContexts(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodGet, "/api/v1/contexts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var contexts []SimplifiedContext
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &contexts))
	require.Len(t, contexts, 1)
	assert.Equal(t, "kind-dev", contexts[0].Name)
	assert.Equal(t, "kubeconfig", contexts[0].Source)

	w = do(t, router, http.MethodGet, "/api/v1/contexts/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResourceGraph(t *testing.T) {
	router, connects := newTestRouter(t)
	req := canvas.GraphRequest{Resource: canvas.ResourceIdentifier{Kind: "Deployment", Name: "web", Namespace: "shop"}}

	w := do(t, router, http.MethodPost, "/api/v1/clusters/kind-dev/graph/resource", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp canvas.GraphResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Nodes, 2)
	assert.Len(t, resp.Edges, 1)
	assert.Equal(t, "kind-dev", resp.Metadata.ClusterID)

	w = do(t, router, http.MethodPost, "/api/v1/clusters/kind-dev/graph/resource", req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, *connects, "controller is reused")

	missing := canvas.GraphRequest{Resource: canvas.ResourceIdentifier{Kind: "Pod", Name: "gone", Namespace: "shop"}}
	w = do(t, router, http.MethodPost, "/api/v1/clusters/kind-dev/graph/resource", missing)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Nodes)
}

func TestResourceGraphErrors(t *testing.T) {
	router, _ := newTestRouter(t)
	seed := canvas.ResourceIdentifier{Kind: "Deployment", Name: "web", Namespace: "shop"}
	negative := -1

	tests := []struct {
		name string
		path string
		body interface{}
		code int
	}{
		{"unknown cluster", "/api/v1/clusters/prod/graph/resource", canvas.GraphRequest{Resource: seed}, http.StatusNotFound},
		{"missing kind", "/api/v1/clusters/kind-dev/graph/resource", canvas.GraphRequest{}, http.StatusBadRequest},
		{"missing name", "/api/v1/clusters/kind-dev/graph/resource", canvas.GraphRequest{Resource: canvas.ResourceIdentifier{Kind: "Pod"}}, http.StatusBadRequest},
		{"negative depth", "/api/v1/clusters/kind-dev/graph/resource", canvas.GraphRequest{Resource: seed, Depth: &negative}, http.StatusBadRequest},
		{"node budget", "/api/v1/clusters/kind-dev/graph/resource", canvas.GraphRequest{Resource: seed, MaxNodes: canvas.MaxNodesLimit + 1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestNamespaceGraph(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodGet, "/api/v1/clusters/kind-dev/graph/namespaces/shop?depth=1&exclude=rbac,network", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp canvas.GraphResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Nodes, 2)
	assert.Len(t, resp.Edges, 1)

	w = do(t, router, http.MethodGet, "/api/v1/clusters/kind-dev/graph/namespaces/shop?depth=deep", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/clusters/kind-dev/graph/namespaces/empty", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Nodes)
}

func TestValidateGraph(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodGet, "/api/v1/clusters/kind-dev/graph/namespaces/shop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp canvas.GraphResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = do(t, router, http.MethodPost, "/api/v1/graph/validate", resp)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Report struct {
			Valid     bool `json:"valid"`
			NodeCount int  `json:"nodeCount"`
		} `json:"report"`
		Statistics struct {
			ResourceKinds map[string]int `json:"resourceKinds"`
		} `json:"statistics"`
		Cycles [][]string `json:"cycles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(t, out.Report.Valid)
	assert.Equal(t, 2, out.Report.NodeCount)
	assert.Equal(t, 1, out.Statistics.ResourceKinds["ReplicaSet"])
	assert.Empty(t, out.Cycles)

	resp.Edges = append(resp.Edges, canvas.ResponseEdge{ID: "dangling", Source: "a", Target: "b", Type: "owned"})
	w = do(t, router, http.MethodPost, "/api/v1/graph/validate", resp)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRulesAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Rules []canvas.RuleInfo `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Greater(t, len(out.Rules), len(canvas.BuiltinRules()))

	w = do(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kubegraph_")
}
