package handlers

import (
	"context"
	"net"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const temporalHostEnv = "TEMPORAL_HOST"

// containerPaths locates the containers of each workload kind that may run
// Temporal workers.
var containerPaths = map[string][]string{
	"Pod":         {"spec", "containers"},
	"Deployment":  {"spec", "template", "spec", "containers"},
	"StatefulSet": {"spec", "template", "spec", "containers"},
	"DaemonSet":   {"spec", "template", "spec", "containers"},
	"Job":         {"spec", "template", "spec", "containers"},
	"CronJob":     {"spec", "jobTemplate", "spec", "template", "spec", "containers"},
}

// temporalHandler links Temporal workers and scheduled workflows to the
// frontend service named by their TEMPORAL_HOST variable. Temporal ships no
// custom resources.
type temporalHandler struct {
	base
}

func newTemporalHandler() *temporalHandler {
	return &temporalHandler{base: base{name: "temporal"}}
}

func (h *temporalHandler) Supports(obj *unstructured.Unstructured) bool {
	return canvas.APIGroup(obj.GetAPIVersion()) == coreGroup(obj.GetKind()) && temporalHost(obj) != ""
}

func (h *temporalHandler) Discover(_ context.Context, obj *unstructured.Unstructured, _ canvas.Backend) ([]canvas.Relationship, error) {
	host := temporalHost(obj)
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		host = hostname
	}
	name, namespace, ok := serviceHost(host, obj.GetNamespace())
	if !ok {
		return nil, nil
	}
	target := canvas.ResourceIdentifier{Kind: "Service", Name: name, Namespace: namespace}
	return []canvas.Relationship{relate(canvas.IdentifierFor(obj), target, RelationshipTemporalFrontend, temporalHostEnv)}, nil
}

// coreGroup returns the API group of a workload kind.
func coreGroup(kind string) string {
	switch kind {
	case "Pod":
		return ""
	case "Job", "CronJob":
		return "batch"
	}
	return "apps"
}

// temporalHost returns the first TEMPORAL_HOST value set on a container.
func temporalHost(obj *unstructured.Unstructured) string {
	path, ok := containerPaths[obj.GetKind()]
	if !ok {
		return ""
	}
	containers, _, _ := unstructured.NestedSlice(obj.Object, path...)
	for _, c := range containers {
		container, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		env, _, _ := unstructured.NestedSlice(container, "env")
		for _, e := range env {
			v, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			if name, _, _ := unstructured.NestedString(v, "name"); name != temporalHostEnv {
				continue
			}
			if value, _, _ := unstructured.NestedString(v, "value"); value != "" {
				return value
			}
		}
	}
	return ""
}
