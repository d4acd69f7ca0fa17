package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/agentkube/kubegraph/pkg/canvas"
	crhandlers "github.com/agentkube/kubegraph/pkg/canvas/handlers"
	"github.com/agentkube/kubegraph/pkg/config"
	"github.com/agentkube/kubegraph/pkg/controller"
	"github.com/agentkube/kubegraph/pkg/kube"
	"github.com/agentkube/kubegraph/pkg/kubeconfig"
	"github.com/agentkube/kubegraph/pkg/logger"
)

// BackendFactory builds the backend reading the cluster of a context.
type BackendFactory func(ctx context.Context, kc *kubeconfig.Context) (canvas.Backend, error)

// ClusterManager is the shared cluster manager instance
var clusterManager *ClusterManager

// Initialize sets up the cluster manager used by the graph handlers. A nil
// factory connects to the cluster through the context's REST config.
func Initialize(store kubeconfig.ContextStore, cfg config.Config, factory BackendFactory) {
	clusterManager = NewClusterManager(store, cfg, factory)
}

type cachedController struct {
	kc         *kubeconfig.Context
	controller *canvas.Controller
}

// ClusterManager hands out one graph controller per context. Controllers
// are built on first use and rebuilt when the store replaces the context.
type ClusterManager struct {
	store    kubeconfig.ContextStore
	cfg      config.Config
	factory  BackendFactory
	registry *canvas.Registry

	mu          sync.Mutex
	controllers map[string]cachedController
}

// NewClusterManager creates a new ClusterManager
func NewClusterManager(store kubeconfig.ContextStore, cfg config.Config, factory BackendFactory) *ClusterManager {
	cm := &ClusterManager{
		store:       store,
		cfg:         cfg,
		factory:     factory,
		registry:    crhandlers.NewRegistry(),
		controllers: make(map[string]cachedController),
	}
	if cm.factory == nil {
		cm.factory = cm.connect
	}
	return cm
}

// Registry returns the rules every controller builds with.
func (cm *ClusterManager) Registry() *canvas.Registry {
	return cm.registry
}

func (cm *ClusterManager) connect(ctx context.Context, kc *kubeconfig.Context) (canvas.Backend, error) {
	restConfig, err := kc.RESTConfig()
	if err != nil {
		return nil, err
	}
	opts := []kube.Option{kube.WithRequestTimeout(cm.cfg.RequestTimeout)}
	if !cm.cfg.LoadCRDs {
		return kube.NewForConfig(restConfig, opts...)
	}
	return kube.Connect(ctx, restConfig, opts...)
}

// Controller returns the graph controller of the named context.
func (cm *ClusterManager) Controller(ctx context.Context, name string) (*canvas.Controller, error) {
	kc, err := cm.store.GetContext(name)
	if err != nil {
		cm.mu.Lock()
		delete(cm.controllers, name)
		cm.mu.Unlock()
		return nil, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cached, ok := cm.controllers[name]; ok && cached.kc == kc {
		return cached.controller, nil
	}

	backend, err := cm.factory(ctx, kc)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to cluster %s", name)
	}
	controller, err := canvas.NewController(name, backend,
		canvas.WithRegistry(cm.registry),
		canvas.WithRuleTimeout(cm.cfg.RuleTimeout),
		canvas.WithConcurrency(cm.cfg.Concurrency),
		canvas.WithNamespaceKinds(crhandlers.KindNames()...),
		canvas.WithWarningHandler(func(w canvas.Warning) {
			logger.Log(logger.LevelDebug, map[string]string{
				"clusterName": name,
				"resource":    w.Resource.String(),
				"reason":      w.Reason,
			}, nil, w.Message)
		}),
	)
	if err != nil {
		return nil, err
	}
	cm.controllers[name] = cachedController{kc: kc, controller: controller}
	logger.Log(logger.LevelInfo, map[string]string{"clusterName": name, "server": kc.Server}, nil, "graph controller created")
	return controller, nil
}

// WatchTarget returns what a graph watcher needs to follow the namespace
// builds of the named context. Only contexts read through the Kubernetes
// API can be watched.
func (cm *ClusterManager) WatchTarget(ctx context.Context, name string) (controller.Target, error) {
	ctrl, err := cm.Controller(ctx, name)
	if err != nil {
		return controller.Target{}, err
	}
	backend, ok := ctrl.Builder().Backend().(*kube.Backend)
	if !ok {
		return controller.Target{}, errors.Errorf("cluster %s is not read through the Kubernetes API", name)
	}

	req := canvas.GraphRequest{}
	cm.defaults(&req)
	var resources []schema.GroupVersionResource
	for _, m := range backend.Kinds().Namespaced(ctrl.Builder().KindsFor(req.Options(name))...) {
		resources = append(resources, m.GroupVersionResource)
	}

	return controller.Target{
		Cluster:   name,
		Client:    backend.Client(),
		Resources: resources,
		Build: func(ctx context.Context, namespace string) (*canvas.Graph, error) {
			r := req
			r.Namespace = namespace
			return ctrl.GetNamespaceGraph(ctx, r)
		},
	}, nil
}

// defaults fills the request fields the caller left unset.
func (cm *ClusterManager) defaults(req *canvas.GraphRequest) {
	if req.Depth == nil {
		depth := cm.cfg.Depth
		req.Depth = &depth
	}
	if req.MaxNodes == 0 {
		req.MaxNodes = cm.cfg.MaxNodes
	}
}

// PingHandler handles the ping endpoint
func PingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

// HomeHandler handles the root endpoint
func HomeHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "kubegraph resource relationship API",
	})
}

// ListRules returns the registered discovery rules.
func ListRules(c *gin.Context) {
	if clusterManager == nil {
		logger.Log(logger.LevelError, nil, nil, "Cluster manager not initialized")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": clusterManager.Registry().List()})
}

// statusFor maps build errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, canvas.ErrInvalidIdentifier), errors.Is(err, canvas.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, kubeconfig.ErrContextNotFound):
		return http.StatusNotFound
	case errors.Is(err, canvas.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
