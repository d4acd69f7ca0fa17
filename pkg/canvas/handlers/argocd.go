package handlers

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const (
	argoInstanceLabel   = "argocd.argoproj.io/instance"
	argoSecretTypeLabel = "argocd.argoproj.io/secret-type"
)

// argoCDHandler links Applications to the resources they deploy, their
// project and repository credentials.
type argoCDHandler struct {
	base
}

func newArgoCDHandler() *argoCDHandler {
	return &argoCDHandler{base: base{name: "argocd", kinds: []Kind{
		kind("argoproj.io", "v1alpha1", "applications", "Application", true),
		kind("argoproj.io", "v1alpha1", "appprojects", "AppProject", true),
	}}}
}

func (h *argoCDHandler) Supports(obj *unstructured.Unstructured) bool {
	return h.owns(obj, "Application")
}

func (h *argoCDHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	var rels []canvas.Relationship

	dest, _, _ := unstructured.NestedString(obj.Object, "spec", "destination", "namespace")
	if dest != "" {
		selector := labels.SelectorFromSet(labels.Set{argoInstanceLabel: obj.GetName()})
		for _, k := range managedKinds {
			items, err := canvas.ListSelected(ctx, backend, k, dest, selector)
			if err != nil {
				return nil, errors.Wrapf(err, "listing %s deployed by %s", k, self)
			}
			for i := range items {
				rels = append(rels, relate(self, canvas.IdentifierFor(&items[i]), RelationshipArgoCDManaged, ""))
			}
		}
	}

	if project, _, _ := unstructured.NestedString(obj.Object, "spec", "project"); project != "" {
		target := canvas.ResourceIdentifier{Kind: "AppProject", Name: project, Namespace: obj.GetNamespace(), APIVersion: "argoproj.io/v1alpha1"}
		rels = append(rels, relate(self, target, RelationshipArgoCDProject, ""))
	}

	repos := applicationRepos(obj)
	if len(repos) == 0 {
		return rels, nil
	}
	secrets, err := canvas.ListSelected(ctx, backend, "Secret", obj.GetNamespace(),
		labels.SelectorFromSet(labels.Set{argoSecretTypeLabel: "repository"}))
	if err != nil {
		return nil, errors.Wrapf(err, "listing repository secrets for %s", self)
	}
	for i := range secrets {
		url := repositoryURL(&secrets[i])
		if _, ok := repos[url]; ok {
			rels = append(rels, relate(self, canvas.IdentifierFor(&secrets[i]), RelationshipArgoCDManaged, "repository "+url))
		}
	}
	return rels, nil
}

// applicationRepos returns the repoURLs of spec.source and spec.sources.
func applicationRepos(obj *unstructured.Unstructured) map[string]struct{} {
	repos := map[string]struct{}{}
	if url, _, _ := unstructured.NestedString(obj.Object, "spec", "source", "repoURL"); url != "" {
		repos[url] = struct{}{}
	}
	sources, _, _ := unstructured.NestedSlice(obj.Object, "spec", "sources")
	for _, url := range canvas.NestedStrings(sources, "repoURL") {
		repos[url] = struct{}{}
	}
	return repos
}

// repositoryURL reads the url of a repository secret from stringData or data.
func repositoryURL(secret *unstructured.Unstructured) string {
	if url, _, _ := unstructured.NestedString(secret.Object, "stringData", "url"); url != "" {
		return url
	}
	encoded, _, _ := unstructured.NestedString(secret.Object, "data", "url")
	return decodeBase64(encoded)
}
