package handlers

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const (
	knativeServingGroup  = "serving.knative.dev"
	knativeRevisionLabel = "serving.knative.dev/revision"
)

// knativeHandler links revisions to the deployments serving them and routes
// to the revisions and configurations receiving their traffic. Ownership
// between services, configurations and revisions comes from owner
// references.
type knativeHandler struct {
	base
}

func newKnativeHandler() *knativeHandler {
	return &knativeHandler{base: base{name: "knative", kinds: []Kind{
		kind(knativeServingGroup, "v1", "services", "Service", true),
		kind(knativeServingGroup, "v1", "configurations", "Configuration", true),
		kind(knativeServingGroup, "v1", "routes", "Route", true),
		kind(knativeServingGroup, "v1", "revisions", "Revision", true),
	}}}
}

func (h *knativeHandler) Supports(obj *unstructured.Unstructured) bool {
	return h.owns(obj, "Route", "Revision")
}

func (h *knativeHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	ns := obj.GetNamespace()

	if obj.GetKind() == "Revision" {
		return labelled(ctx, backend, self, "Deployment", ns, labels.Set{knativeRevisionLabel: obj.GetName()}, RelationshipKnativeServes, "")
	}

	traffic, _, _ := unstructured.NestedSlice(obj.Object, "spec", "traffic")
	var rels []canvas.Relationship
	for _, t := range traffic {
		target, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		detail := ""
		if percent, found, _ := unstructured.NestedInt64(target, "percent"); found {
			detail = fmt.Sprintf("%d%%", percent)
		}
		if name, _, _ := unstructured.NestedString(target, "revisionName"); name != "" {
			rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "Revision", Name: name, Namespace: ns, APIVersion: obj.GetAPIVersion()}, RelationshipKnativeTraffic, detail))
		}
		if name, _, _ := unstructured.NestedString(target, "configurationName"); name != "" {
			rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "Configuration", Name: name, Namespace: ns, APIVersion: obj.GetAPIVersion()}, RelationshipKnativeTraffic, detail))
		}
	}
	return rels, nil
}
