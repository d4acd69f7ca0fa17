package handlers

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const (
	tektonGroup            = "tekton.dev"
	tektonPipelineRunLabel = "tekton.dev/pipelineRun"
	tektonTaskRunLabel     = "tekton.dev/taskRun"
)

// tektonHandler links pipeline and task runs to their definitions, to the
// runs and pods they start and to the workspaces they bind.
type tektonHandler struct {
	base
}

func newTektonHandler() *tektonHandler {
	return &tektonHandler{base: base{name: "tekton", kinds: []Kind{
		kind(tektonGroup, "v1", "pipelines", "Pipeline", true),
		kind(tektonGroup, "v1", "pipelineruns", "PipelineRun", true),
		kind(tektonGroup, "v1", "tasks", "Task", true),
		kind(tektonGroup, "v1", "taskruns", "TaskRun", true),
	}}}
}

func (h *tektonHandler) Supports(obj *unstructured.Unstructured) bool {
	return h.owns(obj, "PipelineRun", "TaskRun")
}

func (h *tektonHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	ns := obj.GetNamespace()
	apiVersion := obj.GetAPIVersion()
	var rels []canvas.Relationship

	refField, defKind, childKind, childLabel := "pipelineRef", "Pipeline", "TaskRun", tektonPipelineRunLabel
	if obj.GetKind() == "TaskRun" {
		refField, defKind, childKind, childLabel = "taskRef", "Task", "Pod", tektonTaskRunLabel
	}

	if name, _, _ := unstructured.NestedString(obj.Object, "spec", refField, "name"); name != "" {
		target := canvas.ResourceIdentifier{Kind: defKind, Name: name, Namespace: ns, APIVersion: apiVersion}
		if k, _, _ := unstructured.NestedString(obj.Object, "spec", refField, "kind"); k == "ClusterTask" {
			target = canvas.ResourceIdentifier{Kind: k, Name: name, APIVersion: apiVersion}
		}
		rels = append(rels, relate(self, target, RelationshipTektonRef, ""))
	}

	children, err := labelled(ctx, backend, self, childKind, ns, labels.Set{childLabel: obj.GetName()}, RelationshipTektonRun, "")
	if err != nil {
		return nil, err
	}
	rels = append(rels, children...)

	if sa, _, _ := unstructured.NestedString(obj.Object, "spec", "serviceAccountName"); sa != "" {
		rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "ServiceAccount", Name: sa, Namespace: ns}, canvas.RelationshipServiceAccount, ""))
	}
	if sa, _, _ := unstructured.NestedString(obj.Object, "spec", "taskRunTemplate", "serviceAccountName"); sa != "" {
		rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "ServiceAccount", Name: sa, Namespace: ns}, canvas.RelationshipServiceAccount, ""))
	}

	// Workspace bindings share the pod volume source shape.
	workspaces, _, _ := unstructured.NestedSlice(obj.Object, "spec", "workspaces")
	return append(rels, volumeRefs(self, ns, workspaces)...), nil
}
