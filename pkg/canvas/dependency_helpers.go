package canvas

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/agentkube/kubegraph/pkg/logger"
)

// ref builds an identifier for a related resource.
func ref(kind, name, namespace string) ResourceIdentifier {
	return ResourceIdentifier{Kind: kind, Name: name, Namespace: namespace}
}

// convert decodes a raw resource into a typed API object.
func convert(obj *unstructured.Unstructured, into interface{}) error {
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, into); err != nil {
		return errors.Wrapf(err, "decoding %s", IdentifierFor(obj))
	}
	return nil
}

// podTemplateKinds embed a pod template under spec.template.
var podTemplateKinds = map[string]struct{}{
	"Deployment":            {},
	"StatefulSet":           {},
	"DaemonSet":             {},
	"ReplicaSet":            {},
	"ReplicationController": {},
	"Job":                   {},
}

// podSpecOf returns the pod spec of a pod or of a workload's pod template.
func podSpecOf(obj *unstructured.Unstructured) (*corev1.PodSpec, error) {
	var path []string
	switch kind := obj.GetKind(); {
	case kind == "Pod":
		path = []string{"spec"}
	case kind == "CronJob":
		path = []string{"spec", "jobTemplate", "spec", "template", "spec"}
	default:
		if _, ok := podTemplateKinds[kind]; !ok {
			return nil, nil
		}
		path = []string{"spec", "template", "spec"}
	}

	raw, found, err := unstructured.NestedMap(obj.Object, path...)
	if err != nil || !found {
		return nil, err
	}
	spec := &corev1.PodSpec{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(raw, spec); err != nil {
		return nil, errors.Wrapf(err, "decoding pod spec of %s", IdentifierFor(obj))
	}
	return spec, nil
}

// SelectorFromUnstructured converts a LabelSelector stored at fields. A
// missing selector yields (nil, nil); an empty one selects everything.
func SelectorFromUnstructured(obj map[string]interface{}, fields ...string) (labels.Selector, error) {
	raw, found, err := unstructured.NestedMap(obj, fields...)
	if err != nil || !found {
		return nil, err
	}
	ls := &metav1.LabelSelector{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(raw, ls); err != nil {
		return nil, err
	}
	return metav1.LabelSelectorAsSelector(ls)
}

// ListSelected lists kind in namespace restricted to selector. A nil
// selector selects nothing.
func ListSelected(ctx context.Context, backend Backend, kind, namespace string, selector labels.Selector) ([]unstructured.Unstructured, error) {
	if selector == nil {
		return nil, nil
	}
	l, err := listKind(ctx, backend, kind, namespace, selector.String())
	if err != nil || l == nil {
		return nil, err
	}
	var items []unstructured.Unstructured
	for _, item := range l.Items {
		if selector.Matches(labels.Set(item.GetLabels())) {
			items = append(items, item)
		}
	}
	return items, nil
}

// ListAll lists kind in namespace, treating an unknown or forbidden kind as
// empty.
func ListAll(ctx context.Context, backend Backend, kind, namespace string) ([]unstructured.Unstructured, error) {
	l, err := listKind(ctx, backend, kind, namespace, "")
	if err != nil || l == nil {
		return nil, err
	}
	return l.Items, nil
}

// listKind returns a nil list for unknown and forbidden kinds. Rules list
// neighbours on top of what they read from the object itself, so a
// forbidden list must not discard those relationships.
func listKind(ctx context.Context, backend Backend, kind, namespace, selector string) (*ResourceList, error) {
	l, err := backend.ListResources(ctx, kind, namespace, selector)
	switch {
	case err == nil:
		return l, nil
	case IsNotFound(err):
		return nil, nil
	case IsPermissionDenied(err):
		logger.Log(logger.LevelDebug, map[string]string{"kind": kind, "namespace": namespace}, err, "skipping forbidden list")
		return nil, nil
	}
	return nil, err
}

// ownedBy reports whether child has an owner reference to owner, matched by
// UID when both carry one and by kind and name otherwise.
func ownedBy(child, owner *unstructured.Unstructured) bool {
	for _, or := range child.GetOwnerReferences() {
		if or.UID != "" && owner.GetUID() != "" {
			if or.UID == owner.GetUID() {
				return true
			}
			continue
		}
		if or.Kind == owner.GetKind() && or.Name == owner.GetName() {
			return true
		}
	}
	return false
}

// APIGroup returns the group of an apiVersion such as "apps/v1".
func APIGroup(apiVersion string) string {
	if idx := strings.Index(apiVersion, "/"); idx != -1 {
		return apiVersion[:idx]
	}
	return ""
}

// NestedStrings returns the non-empty string stored at fields of each map in
// items.
func NestedStrings(items []interface{}, fields ...string) []string {
	var out []string
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if s, found, _ := unstructured.NestedString(m, fields...); found && s != "" {
			out = append(out, s)
		}
	}
	return out
}
