package handlers

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const (
	fluxHelmGroup      = "helm.toolkit.fluxcd.io"
	fluxKustomizeGroup = "kustomize.toolkit.fluxcd.io"
	fluxSourceGroup    = "source.toolkit.fluxcd.io"
)

// fluxHandler links HelmReleases and Kustomizations to their source and to
// the resources they applied.
type fluxHandler struct {
	base
}

func newFluxHandler() *fluxHandler {
	return &fluxHandler{base: base{name: "flux", kinds: []Kind{
		kind(fluxHelmGroup, "v2", "helmreleases", "HelmRelease", true),
		kind(fluxKustomizeGroup, "v1", "kustomizations", "Kustomization", true),
		kind(fluxSourceGroup, "v1", "gitrepositories", "GitRepository", true),
		kind(fluxSourceGroup, "v1", "helmrepositories", "HelmRepository", true),
		kind(fluxSourceGroup, "v1beta2", "ocirepositories", "OCIRepository", true),
		kind(fluxSourceGroup, "v1", "buckets", "Bucket", true),
	}}}
}

func (h *fluxHandler) Supports(obj *unstructured.Unstructured) bool {
	return h.owns(obj, "HelmRelease", "Kustomization")
}

func (h *fluxHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	ns := obj.GetNamespace()
	var rels []canvas.Relationship

	group, sourcePath, defaultSource := fluxKustomizeGroup, []string{"spec", "sourceRef"}, "GitRepository"
	if obj.GetKind() == "HelmRelease" {
		group, sourcePath, defaultSource = fluxHelmGroup, []string{"spec", "chart", "spec", "sourceRef"}, "HelmRepository"
		if _, found, _ := unstructured.NestedMap(obj.Object, "spec", "chartRef"); found {
			sourcePath, defaultSource = []string{"spec", "chartRef"}, "OCIRepository"
		}
	}

	if source, ok := sourceRef(obj, defaultSource, sourcePath...); ok {
		rels = append(rels, relate(self, source, RelationshipFluxSource, ""))
	}

	target := ns
	if tn, _, _ := unstructured.NestedString(obj.Object, "spec", "targetNamespace"); tn != "" {
		target = tn
	}
	selector := labels.SelectorFromSet(labels.Set{
		group + "/name":      obj.GetName(),
		group + "/namespace": ns,
	})
	for _, k := range managedKinds {
		items, err := canvas.ListSelected(ctx, backend, k, target, selector)
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s applied by %s", k, self)
		}
		for i := range items {
			rels = append(rels, relate(self, canvas.IdentifierFor(&items[i]), RelationshipFluxManaged, ""))
		}
	}
	return rels, nil
}

// sourceRef reads a {kind, name, namespace} reference, defaulting the kind
// and the namespace of obj.
func sourceRef(obj *unstructured.Unstructured, defaultKind string, path ...string) (canvas.ResourceIdentifier, bool) {
	ref, found, _ := unstructured.NestedStringMap(obj.Object, path...)
	if !found || ref["name"] == "" {
		return canvas.ResourceIdentifier{}, false
	}
	id := canvas.ResourceIdentifier{Kind: ref["kind"], Name: ref["name"], Namespace: ref["namespace"]}
	if id.Kind == "" {
		id.Kind = defaultKind
	}
	if id.Namespace == "" {
		id.Namespace = obj.GetNamespace()
	}
	return id, true
}
