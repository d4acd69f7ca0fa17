package handlers

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const monitoringGroup = "monitoring.coreos.com"

// prometheusHandler links monitors to the services or pods they scrape, and
// Prometheus instances to the ServiceMonitors they load.
type prometheusHandler struct {
	base
}

func newPrometheusHandler() *prometheusHandler {
	return &prometheusHandler{base: base{name: "prometheus", kinds: []Kind{
		kind(monitoringGroup, "v1", "servicemonitors", "ServiceMonitor", true),
		kind(monitoringGroup, "v1", "podmonitors", "PodMonitor", true),
		kind(monitoringGroup, "v1", "prometheuses", "Prometheus", true),
		kind(monitoringGroup, "v1", "prometheusrules", "PrometheusRule", true),
	}}}
}

func (h *prometheusHandler) Supports(obj *unstructured.Unstructured) bool {
	return h.owns(obj, "ServiceMonitor", "PodMonitor", "Prometheus")
}

func (h *prometheusHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	switch obj.GetKind() {
	case "ServiceMonitor":
		return selectAcross(ctx, backend, obj, "Service", []string{"spec", "selector"}, monitorNamespaces(obj))
	case "PodMonitor":
		return selectAcross(ctx, backend, obj, "Pod", []string{"spec", "selector"}, monitorNamespaces(obj))
	case "Prometheus":
		namespaces := []string{obj.GetNamespace()}
		if _, found, _ := unstructured.NestedMap(obj.Object, "spec", "serviceMonitorNamespaceSelector"); found {
			namespaces = []string{""}
		}
		return selectAcross(ctx, backend, obj, "ServiceMonitor", []string{"spec", "serviceMonitorSelector"}, namespaces)
	}
	return nil, nil
}

// monitorNamespaces reads spec.namespaceSelector. An empty result string
// means all namespaces.
func monitorNamespaces(obj *unstructured.Unstructured) []string {
	if all, _, _ := unstructured.NestedBool(obj.Object, "spec", "namespaceSelector", "any"); all {
		return []string{""}
	}
	if names, _, _ := unstructured.NestedStringSlice(obj.Object, "spec", "namespaceSelector", "matchNames"); len(names) > 0 {
		return names
	}
	return []string{obj.GetNamespace()}
}

func selectAcross(ctx context.Context, backend canvas.Backend, obj *unstructured.Unstructured, kind string, selectorPath, namespaces []string) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	selector, err := canvas.SelectorFromUnstructured(obj.Object, selectorPath...)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing selector of %s", self)
	}

	var rels []canvas.Relationship
	for _, ns := range namespaces {
		items, err := canvas.ListSelected(ctx, backend, kind, ns, selector)
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s selected by %s", kind, self)
		}
		for i := range items {
			rels = append(rels, relate(self, canvas.IdentifierFor(&items[i]), RelationshipPrometheusMonitor, ""))
		}
	}
	return rels, nil
}
