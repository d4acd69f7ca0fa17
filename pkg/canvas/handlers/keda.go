package handlers

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const kedaGroup = "keda.sh"

// kedaHandler links ScaledObjects and ScaledJobs to the workload they scale
// and to the credentials their triggers read.
type kedaHandler struct {
	base
}

func newKedaHandler() *kedaHandler {
	return &kedaHandler{base: base{name: "keda", kinds: []Kind{
		kind(kedaGroup, "v1alpha1", "scaledobjects", "ScaledObject", true),
		kind(kedaGroup, "v1alpha1", "scaledjobs", "ScaledJob", true),
		kind(kedaGroup, "v1alpha1", "triggerauthentications", "TriggerAuthentication", true),
		kind(kedaGroup, "v1alpha1", "clustertriggerauthentications", "ClusterTriggerAuthentication", false),
	}}}
}

func (h *kedaHandler) Supports(obj *unstructured.Unstructured) bool {
	return h.owns(obj, "ScaledObject", "ScaledJob", "TriggerAuthentication")
}

func (h *kedaHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	ns := obj.GetNamespace()
	var rels []canvas.Relationship

	if obj.GetKind() == "TriggerAuthentication" {
		return triggerAuthSecrets(obj), nil
	}

	if obj.GetKind() == "ScaledObject" {
		ref, _, _ := unstructured.NestedStringMap(obj.Object, "spec", "scaleTargetRef")
		if ref["name"] != "" {
			target := canvas.ResourceIdentifier{Kind: ref["kind"], Name: ref["name"], Namespace: ns, APIVersion: ref["apiVersion"]}
			if target.Kind == "" {
				target.Kind = "Deployment"
			}
			rels = append(rels, relate(self, target, RelationshipKedaScales, ""))
		}
	}

	triggers, _, _ := unstructured.NestedSlice(obj.Object, "spec", "triggers")
	for _, t := range triggers {
		trigger, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _, _ := unstructured.NestedString(trigger, "type")

		if name, _, _ := unstructured.NestedString(trigger, "authenticationRef", "name"); name != "" {
			authKind, _, _ := unstructured.NestedString(trigger, "authenticationRef", "kind")
			target := canvas.ResourceIdentifier{Kind: "TriggerAuthentication", Name: name, Namespace: ns}
			if authKind == "ClusterTriggerAuthentication" {
				target = canvas.ResourceIdentifier{Kind: authKind, Name: name}
			}
			rels = append(rels, relate(self, target, RelationshipKedaTrigger, typ))
		}

		if cm, _, _ := unstructured.NestedString(trigger, "metadata", "configMapName"); cm != "" {
			rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "ConfigMap", Name: cm, Namespace: ns}, RelationshipKedaTrigger, typ))
		}
		if secret, _, _ := unstructured.NestedString(trigger, "metadata", "secretName"); secret != "" {
			rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "Secret", Name: secret, Namespace: ns}, RelationshipKedaTrigger, typ))
		}
	}
	return rels, nil
}

// triggerAuthSecrets links a TriggerAuthentication to the secrets it reads.
func triggerAuthSecrets(obj *unstructured.Unstructured) []canvas.Relationship {
	self := canvas.IdentifierFor(obj)
	refs, _, _ := unstructured.NestedSlice(obj.Object, "spec", "secretTargetRef")
	seen := map[string]struct{}{}
	var rels []canvas.Relationship
	for _, name := range canvas.NestedStrings(refs, "name") {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "Secret", Name: name, Namespace: obj.GetNamespace()}, RelationshipKedaTrigger, "secretTargetRef"))
	}
	return rels
}
