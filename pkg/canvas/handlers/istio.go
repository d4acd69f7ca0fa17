package handlers

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const istioGroup = "networking.istio.io"

// istioHandler links VirtualServices and DestinationRules to the services
// they route to, and Gateways to the gateway services they select.
type istioHandler struct {
	base
}

func newIstioHandler() *istioHandler {
	return &istioHandler{base: base{name: "istio", kinds: []Kind{
		kind(istioGroup, "v1beta1", "virtualservices", "VirtualService", true),
		kind(istioGroup, "v1beta1", "destinationrules", "DestinationRule", true),
		kind(istioGroup, "v1beta1", "gateways", "Gateway", true),
	}}}
}

func (h *istioHandler) Supports(obj *unstructured.Unstructured) bool {
	return h.owns(obj)
}

func (h *istioHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	ns := obj.GetNamespace()
	var rels []canvas.Relationship

	switch obj.GetKind() {
	case "VirtualService":
		seen := map[string]struct{}{}
		for _, protocol := range []string{"http", "tcp", "tls"} {
			routes, _, _ := unstructured.NestedSlice(obj.Object, "spec", protocol)
			for _, r := range routes {
				route, ok := r.(map[string]interface{})
				if !ok {
					continue
				}
				destinations, _, _ := unstructured.NestedSlice(route, "route")
				for _, host := range canvas.NestedStrings(destinations, "destination", "host") {
					name, hostNS, ok := serviceHost(host, ns)
					if !ok {
						continue
					}
					if _, dup := seen[hostNS+"/"+name]; dup {
						continue
					}
					seen[hostNS+"/"+name] = struct{}{}
					rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "Service", Name: name, Namespace: hostNS}, RelationshipIstioRoute, protocol))
				}
			}
		}
		gateways, _, _ := unstructured.NestedStringSlice(obj.Object, "spec", "gateways")
		for _, gw := range gateways {
			if gw == "mesh" {
				continue
			}
			gwNS, name := ns, gw
			if idx := strings.Index(gw, "/"); idx != -1 {
				gwNS, name = gw[:idx], gw[idx+1:]
			}
			rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "Gateway", Name: name, Namespace: gwNS}, RelationshipIstioGateway, ""))
		}

	case "DestinationRule":
		host, _, _ := unstructured.NestedString(obj.Object, "spec", "host")
		if name, hostNS, ok := serviceHost(host, ns); ok {
			rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "Service", Name: name, Namespace: hostNS}, RelationshipIstioRoute, "destination rule"))
		}

	case "Gateway":
		selector, _, _ := unstructured.NestedStringMap(obj.Object, "spec", "selector")
		if len(selector) == 0 {
			break
		}
		services, err := canvas.ListSelected(ctx, backend, "Service", "", labels.SelectorFromSet(selector))
		if err != nil {
			return nil, errors.Wrapf(err, "listing gateway services of %s", self)
		}
		for i := range services {
			rels = append(rels, relate(self, canvas.IdentifierFor(&services[i]), RelationshipIstioGateway, "selector"))
		}
	}
	return rels, nil
}
