package routes

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/agentkube/kubegraph/pkg/kubeconfig"
	"github.com/agentkube/kubegraph/pkg/logger"
)

// SimplifiedContext is a minimal representation of a kubeconfig context
type SimplifiedContext struct {
	Name        string            `json:"name"`
	Server      string            `json:"server"`
	Namespace   string            `json:"namespace,omitempty"`
	Source      string            `json:"source"`
	KubeContext map[string]string `json:"kubeContext,omitempty"`
}

func sourceName(source int) string {
	switch source {
	case kubeconfig.KubeConfig:
		return "kubeconfig"
	case kubeconfig.InCluster:
		return "incluster"
	default:
		return "unknown"
	}
}

func simplify(ctx *kubeconfig.Context) SimplifiedContext {
	out := SimplifiedContext{
		Name:      ctx.Name,
		Server:    ctx.Server,
		Namespace: ctx.Namespace,
		Source:    sourceName(ctx.Source),
	}
	if ctx.KubeContext != nil {
		out.KubeContext = map[string]string{
			"cluster": ctx.KubeContext.Cluster,
			"user":    ctx.KubeContext.AuthInfo,
		}
	}
	return out
}

// HandleGetContexts handles the GET /contexts endpoint
func HandleGetContexts(kubeConfigStore kubeconfig.ContextStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		contexts, err := kubeConfigStore.GetContexts()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		logger.Log(logger.LevelDebug, map[string]string{"totalContexts": strconv.Itoa(len(contexts))}, nil, "HandleGetContexts called")

		simplified := make([]SimplifiedContext, 0, len(contexts))
		for _, ctx := range contexts {
			simplified = append(simplified, simplify(ctx))
		}
		c.JSON(http.StatusOK, simplified)
	}
}

// HandleGetContextByName handles the GET /contexts/:name endpoint
func HandleGetContextByName(kubeConfigStore kubeconfig.ContextStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, err := kubeConfigStore.GetContext(c.Param("name"))
		if err != nil {
			if errors.Is(err, kubeconfig.ErrContextNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Context not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, simplify(ctx))
	}
}
