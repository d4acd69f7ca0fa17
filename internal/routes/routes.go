package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentkube/kubegraph/internal/handlers"
	"github.com/agentkube/kubegraph/pkg/config"
	"github.com/agentkube/kubegraph/pkg/kubeconfig"
	"github.com/agentkube/kubegraph/pkg/metrics"
)

// Version is reported by the status endpoint. Set it with -ldflags.
var Version = "dev"

// SetupRouter configures the Gin router with all routes. A nil factory
// connects to clusters through their kubeconfig contexts.
func SetupRouter(cfg config.Config, kubeConfigStore kubeconfig.ContextStore, factory handlers.BackendFactory) *gin.Engine {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	handlers.Initialize(kubeConfigStore, cfg, factory)

	// Create default gin router with Logger and Recovery middleware
	router := gin.Default()

	router.GET("/", handlers.HomeHandler)
	router.GET("/ping", handlers.PingHandler)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/status", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{
					"status":     "running",
					"port":       cfg.Port,
					"in_cluster": cfg.InCluster,
					"version":    Version,
				})
			})

			v1.GET("/rules", handlers.ListRules)

			// Kubernetes contexts endpoint
			v1.GET("/contexts", HandleGetContexts(kubeConfigStore))
			v1.GET("/contexts/:name", HandleGetContextByName(kubeConfigStore))

			v1.POST("/graph/validate", handlers.ValidateGraph)

			clusters := v1.Group("/clusters/:clusterName/graph")
			{
				clusters.POST("/resource", handlers.GetResourceGraph)
				clusters.GET("/namespaces/:namespace", handlers.GetNamespaceGraph)
			}
		}
	}

	return router
}
