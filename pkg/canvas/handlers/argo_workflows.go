package handlers

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const (
	argoWorkflowsGroup    = "argoproj.io"
	argoWorkflowLabel     = "workflows.argoproj.io/workflow"
	argoCronWorkflowLabel = "workflows.argoproj.io/cron-workflow"
)

// argoWorkflowsHandler links Argo workflows to the pods they spawn, cron
// workflows to their runs and both to the templates, volumes and service
// account they use.
type argoWorkflowsHandler struct {
	base
}

func newArgoWorkflowsHandler() *argoWorkflowsHandler {
	return &argoWorkflowsHandler{base: base{name: "argo-workflows", kinds: []Kind{
		kind(argoWorkflowsGroup, "v1alpha1", "workflows", "Workflow", true),
		kind(argoWorkflowsGroup, "v1alpha1", "cronworkflows", "CronWorkflow", true),
		kind(argoWorkflowsGroup, "v1alpha1", "workflowtemplates", "WorkflowTemplate", true),
		kind(argoWorkflowsGroup, "v1alpha1", "clusterworkflowtemplates", "ClusterWorkflowTemplate", false),
	}}}
}

func (h *argoWorkflowsHandler) Supports(obj *unstructured.Unstructured) bool {
	return h.owns(obj, "Workflow", "CronWorkflow", "WorkflowTemplate")
}

func (h *argoWorkflowsHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	ns := obj.GetNamespace()
	var rels []canvas.Relationship

	spec, _, _ := unstructured.NestedMap(obj.Object, "spec")
	switch obj.GetKind() {
	case "Workflow":
		pods, err := labelled(ctx, backend, self, "Pod", ns, labels.Set{argoWorkflowLabel: obj.GetName()}, RelationshipArgoWorkflow, "")
		if err != nil {
			return nil, err
		}
		rels = append(rels, pods...)
	case "CronWorkflow":
		runs, err := labelled(ctx, backend, self, "Workflow", ns, labels.Set{argoCronWorkflowLabel: obj.GetName()}, canvas.RelationshipOwned, "")
		if err != nil {
			return nil, err
		}
		rels = append(rels, runs...)
		spec, _, _ = unstructured.NestedMap(obj.Object, "spec", "workflowSpec")
	}
	if spec == nil {
		return rels, nil
	}

	if name, _, _ := unstructured.NestedString(spec, "workflowTemplateRef", "name"); name != "" {
		target := canvas.ResourceIdentifier{Kind: "WorkflowTemplate", Name: name, Namespace: ns, APIVersion: argoWorkflowsGroup + "/v1alpha1"}
		if cluster, _, _ := unstructured.NestedBool(spec, "workflowTemplateRef", "clusterScope"); cluster {
			target = canvas.ResourceIdentifier{Kind: "ClusterWorkflowTemplate", Name: name, APIVersion: argoWorkflowsGroup + "/v1alpha1"}
		}
		rels = append(rels, relate(self, target, RelationshipArgoTemplate, ""))
	}
	if sa, _, _ := unstructured.NestedString(spec, "serviceAccountName"); sa != "" {
		rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "ServiceAccount", Name: sa, Namespace: ns}, canvas.RelationshipServiceAccount, ""))
	}

	volumes, _, _ := unstructured.NestedSlice(spec, "volumes")
	templates, _, _ := unstructured.NestedSlice(spec, "templates")
	for _, t := range templates {
		if tmpl, ok := t.(map[string]interface{}); ok {
			vs, _, _ := unstructured.NestedSlice(tmpl, "volumes")
			volumes = append(volumes, vs...)
		}
	}
	return append(rels, volumeRefs(self, ns, volumes)...), nil
}
