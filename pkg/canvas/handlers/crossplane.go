package handlers

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const crossplaneGroup = "apiextensions.crossplane.io"

// crossplaneHandler links claims to their composite resources, and
// composites to the composition that renders them and the managed
// resources they compose. Composite and claim kinds are user defined, so
// they are recognised by their references rather than by group.
type crossplaneHandler struct {
	base
}

func newCrossplaneHandler() *crossplaneHandler {
	return &crossplaneHandler{base: base{name: "crossplane", kinds: []Kind{
		kind(crossplaneGroup, "v1", "compositions", "Composition", false),
		kind(crossplaneGroup, "v1", "compositeresourcedefinitions", "CompositeResourceDefinition", false),
	}}}
}

func (h *crossplaneHandler) Supports(obj *unstructured.Unstructured) bool {
	if canvas.APIGroup(obj.GetAPIVersion()) == "" {
		return false
	}
	for _, field := range []string{"claimRef", "resourceRef", "compositionRef"} {
		if name, _, _ := unstructured.NestedString(obj.Object, "spec", field, "name"); name != "" {
			return true
		}
	}
	return false
}

func (h *crossplaneHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	var rels []canvas.Relationship

	claimRef, _, _ := unstructured.NestedMap(obj.Object, "spec", "claimRef")
	if claim, ok := objectRef(claimRef); ok {
		rels = append(rels, relate(claim, self, RelationshipCrossplaneClaim, ""))
	}
	resourceRef, _, _ := unstructured.NestedMap(obj.Object, "spec", "resourceRef")
	if composite, ok := objectRef(resourceRef); ok {
		rels = append(rels, relate(self, composite, RelationshipCrossplaneClaim, ""))
	}
	if name, _, _ := unstructured.NestedString(obj.Object, "spec", "compositionRef", "name"); name != "" {
		target := canvas.ResourceIdentifier{Kind: "Composition", Name: name, APIVersion: crossplaneGroup + "/v1"}
		rels = append(rels, relate(self, target, RelationshipCrossplaneCompose, ""))
	}

	composed, _, _ := unstructured.NestedSlice(obj.Object, "spec", "resourceRefs")
	for _, r := range composed {
		ref, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		if target, ok := objectRef(ref); ok {
			rels = append(rels, relate(self, target, canvas.RelationshipOwned, "composed"))
		}
	}
	return rels, nil
}

// objectRef reads an object reference carrying apiVersion, kind and name.
func objectRef(ref map[string]interface{}) (canvas.ResourceIdentifier, bool) {
	field := func(name string) string {
		v, _, _ := unstructured.NestedString(ref, name)
		return v
	}
	id := canvas.ResourceIdentifier{Kind: field("kind"), Name: field("name"), Namespace: field("namespace"), APIVersion: field("apiVersion")}
	if id.APIVersion == "" || id.Kind == "" || id.Name == "" {
		return canvas.ResourceIdentifier{}, false
	}
	return id, true
}
