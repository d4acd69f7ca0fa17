package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const (
	helmReleaseAnnotation = "meta.helm.sh/release-name"
	managedByLabel        = "app.kubernetes.io/managed-by"
	instanceLabel         = "app.kubernetes.io/instance"
	helmSecretPrefix      = "sh.helm.release.v1."
)

// helmHandler links resources installed by Helm to the secret holding the
// latest revision of their release.
type helmHandler struct {
	base
}

func newHelmHandler() *helmHandler {
	return &helmHandler{base: base{name: "helm"}}
}

func (h *helmHandler) Supports(obj *unstructured.Unstructured) bool {
	if obj.GetKind() == "Secret" {
		return false
	}
	return helmRelease(obj) != ""
}

func helmRelease(obj *unstructured.Unstructured) string {
	if name := obj.GetAnnotations()[helmReleaseAnnotation]; name != "" {
		return name
	}
	if obj.GetLabels()[managedByLabel] == "Helm" {
		return obj.GetLabels()[instanceLabel]
	}
	return ""
}

func (h *helmHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	release := helmRelease(obj)
	ns := obj.GetNamespace()
	if ns == "" {
		ns = obj.GetAnnotations()["meta.helm.sh/release-namespace"]
	}
	if release == "" || ns == "" {
		return nil, nil
	}

	secrets, err := canvas.ListAll(ctx, backend, "Secret", ns)
	if err != nil {
		return nil, errors.Wrapf(err, "listing release secrets of %s", release)
	}

	latest, revision := "", -1
	prefix := helmSecretPrefix + release + ".v"
	for i := range secrets {
		name := secrets[i].GetName()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		if n > revision {
			latest, revision = name, n
		}
	}
	if latest == "" {
		return nil, nil
	}

	return []canvas.Relationship{
		relate(canvas.IdentifierFor(obj), canvas.ResourceIdentifier{Kind: "Secret", Name: latest, Namespace: ns},
			RelationshipHelmRelease, "revision "+strconv.Itoa(revision)),
	}, nil
}
