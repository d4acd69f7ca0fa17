package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentkube/kubegraph/pkg/canvas"
	"github.com/agentkube/kubegraph/pkg/logger"
	"github.com/agentkube/kubegraph/pkg/validate"
)

// GetResourceGraph handles requests to build the graph around one resource.
// The body is a canvas.GraphRequest.
func GetResourceGraph(c *gin.Context) {
	if clusterManager == nil {
		logger.Log(logger.LevelError, nil, nil, "Cluster manager not initialized")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	clusterName := c.Param("clusterName")
	if clusterName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cluster name is required"})
		return
	}

	var req canvas.GraphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("invalid request: %v", err),
		})
		return
	}
	if req.Resource.Kind == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource kind is required"})
		return
	}

	buildGraph(c, clusterName, req, map[string]string{
		"clusterName":  clusterName,
		"namespace":    req.Resource.Namespace,
		"resourceType": req.Resource.Kind,
		"resourceName": req.Resource.Name,
	})
}

// GetNamespaceGraph handles requests to build the graph of a namespace.
// Query parameters: depth, maxNodes, and include or exclude holding comma
// separated categories.
func GetNamespaceGraph(c *gin.Context) {
	if clusterManager == nil {
		logger.Log(logger.LevelError, nil, nil, "Cluster manager not initialized")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	clusterName := c.Param("clusterName")
	namespace := c.Param("namespace")
	if clusterName == "" || namespace == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cluster name and namespace are required"})
		return
	}

	req := canvas.GraphRequest{Namespace: namespace}
	if v := c.Query("depth"); v != "" {
		depth, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid depth %q", v)})
			return
		}
		req.Depth = &depth
	}
	if v := c.Query("maxNodes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid maxNodes %q", v)})
			return
		}
		req.MaxNodes = n
	}
	req.Include = make(map[canvas.Category]bool)
	for _, name := range splitList(c.Query("include")) {
		req.Include[canvas.Category(name)] = true
	}
	for _, name := range splitList(c.Query("exclude")) {
		req.Include[canvas.Category(name)] = false
	}

	buildGraph(c, clusterName, req, map[string]string{
		"clusterName": clusterName,
		"namespace":   namespace,
	})
}

func buildGraph(c *gin.Context, clusterName string, req canvas.GraphRequest, fields map[string]string) {
	controller, err := clusterManager.Controller(c.Request.Context(), clusterName)
	if err != nil {
		logger.Log(logger.LevelError, fields, err, "getting graph controller")
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	clusterManager.defaults(&req)
	graph, err := controller.GetGraph(c.Request.Context(), req)
	if err != nil {
		logger.Log(logger.LevelError, fields, err, "building graph")
		c.JSON(statusFor(err), gin.H{
			"error": fmt.Sprintf("failed to build graph: %v", err),
		})
		return
	}

	fields["buildID"] = graph.Metadata.BuildID
	fields["nodes"] = strconv.Itoa(graph.NodeCount())
	logger.Log(logger.LevelDebug, fields, nil, "graph built")
	c.JSON(http.StatusOK, graph.Response())
}

// ValidateGraph checks a graph previously returned by the API. The body is
// the graph response; the reply holds the validation report, statistics
// and any cycles.
func ValidateGraph(c *gin.Context) {
	var resp canvas.GraphResponse
	if err := c.ShouldBindJSON(&resp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("invalid request: %v", err),
		})
		return
	}
	graph, err := canvas.GraphFromResponse(resp)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report":     validate.Validate(graph),
		"statistics": validate.Statistics(graph),
		"cycles":     validate.Cycles(graph),
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
