package canvas

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	networkingv1 "k8s.io/api/networking/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
)

// rbacRule links bindings to their role and to the service accounts they
// bind, and service accounts back to the bindings naming them.
type rbacRule struct {
	builtinRule
}

func newRBACRule() *rbacRule {
	return &rbacRule{builtinRule: newBuiltinRule("rbac", CategoryRBAC, "RoleBinding", "ClusterRoleBinding", "ServiceAccount")}
}

func (r *rbacRule) Discover(ctx context.Context, obj *unstructured.Unstructured, backend Backend) ([]Relationship, error) {
	self := IdentifierFor(obj)

	if obj.GetKind() != "ServiceAccount" {
		binding := &rbacv1.RoleBinding{}
		if err := convert(obj, binding); err != nil {
			return nil, err
		}
		return bindingRelationships(self, binding.RoleRef, binding.Subjects, obj.GetNamespace()), nil
	}

	var rels []Relationship
	for _, kind := range []string{"RoleBinding", "ClusterRoleBinding"} {
		bindings, err := ListAll(ctx, backend, kind, scoped(kind, obj.GetNamespace()))
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s for %s", kind, self)
		}
		for i := range bindings {
			binding := &rbacv1.RoleBinding{}
			if err := convert(&bindings[i], binding); err != nil {
				return nil, err
			}
			if bindsServiceAccount(binding.Subjects, bindings[i].GetNamespace(), obj.GetName(), obj.GetNamespace()) {
				rels = append(rels, Relationship{Source: IdentifierFor(&bindings[i]), Target: self, Kind: RelationshipRBACSubject})
			}
		}
	}
	return rels, nil
}

func bindingRelationships(self ResourceIdentifier, roleRef rbacv1.RoleRef, subjects []rbacv1.Subject, namespace string) []Relationship {
	var rels []Relationship
	if roleRef.Name != "" {
		rels = append(rels, Relationship{
			Source: self,
			Target: ref(roleRef.Kind, roleRef.Name, scoped(roleRef.Kind, namespace)),
			Kind:   RelationshipRoleBinding,
		})
	}
	for _, s := range subjects {
		if s.Kind != rbacv1.ServiceAccountKind || s.Name == "" {
			continue
		}
		ns := s.Namespace
		if ns == "" {
			ns = namespace
		}
		rels = append(rels, Relationship{Source: self, Target: ref("ServiceAccount", s.Name, ns), Kind: RelationshipRBACSubject})
	}
	return rels
}

func bindsServiceAccount(subjects []rbacv1.Subject, bindingNamespace, name, namespace string) bool {
	for _, s := range subjects {
		if s.Kind != rbacv1.ServiceAccountKind || s.Name != name {
			continue
		}
		ns := s.Namespace
		if ns == "" {
			ns = bindingNamespace
		}
		if ns == namespace {
			return true
		}
	}
	return false
}

// networkPolicyRule links policies to the pods they isolate and to the peer
// pods of their ingress and egress rules. Peers selected through a
// namespaceSelector are not followed.
type networkPolicyRule struct {
	builtinRule
}

func newNetworkPolicyRule() *networkPolicyRule {
	return &networkPolicyRule{builtinRule: newBuiltinRule("network-policy", CategoryNetwork, "NetworkPolicy", "Pod")}
}

func (r *networkPolicyRule) Discover(ctx context.Context, obj *unstructured.Unstructured, backend Backend) ([]Relationship, error) {
	self := IdentifierFor(obj)
	ns := obj.GetNamespace()

	if obj.GetKind() == "Pod" {
		policies, err := ListAll(ctx, backend, "NetworkPolicy", ns)
		if err != nil {
			return nil, errors.Wrapf(err, "listing network policies for %s", self)
		}
		podLabels := labels.Set(obj.GetLabels())
		var rels []Relationship
		for i := range policies {
			selector, err := SelectorFromUnstructured(policies[i].Object, "spec", "podSelector")
			if err != nil || selector == nil {
				continue
			}
			if selector.Matches(podLabels) {
				rels = append(rels, Relationship{Source: IdentifierFor(&policies[i]), Target: self, Kind: RelationshipNetworkPolicy})
			}
		}
		return rels, nil
	}

	policy := &networkingv1.NetworkPolicy{}
	if err := convert(obj, policy); err != nil {
		return nil, err
	}

	var rels []Relationship
	link := func(ls *metav1.LabelSelector, kind RelationshipKind, detail string) error {
		selector, err := metav1.LabelSelectorAsSelector(ls)
		if err != nil {
			return errors.Wrapf(err, "parsing selector of %s", self)
		}
		pods, err := ListSelected(ctx, backend, "Pod", ns, selector)
		if err != nil {
			return errors.Wrapf(err, "listing pods selected by %s", self)
		}
		for i := range pods {
			rels = append(rels, Relationship{Source: self, Target: IdentifierFor(&pods[i]), Kind: kind, Detail: detail})
		}
		return nil
	}

	if err := link(&policy.Spec.PodSelector, RelationshipNetworkPolicy, ""); err != nil {
		return nil, err
	}
	for _, rule := range policy.Spec.Ingress {
		for _, peer := range rule.From {
			if peer.PodSelector == nil || peer.NamespaceSelector != nil {
				continue
			}
			if err := link(peer.PodSelector, RelationshipNetworkPolicyIngress, "from"); err != nil {
				return nil, err
			}
		}
	}
	for _, rule := range policy.Spec.Egress {
		for _, peer := range rule.To {
			if peer.PodSelector == nil || peer.NamespaceSelector != nil {
				continue
			}
			if err := link(peer.PodSelector, RelationshipNetworkPolicyEgress, "to"); err != nil {
				return nil, err
			}
		}
	}
	return rels, nil
}

// ingressRule links ingresses to backend services, TLS secrets and their
// class, and services back to the ingresses routing to them.
type ingressRule struct {
	builtinRule
}

func newIngressRule() *ingressRule {
	return &ingressRule{builtinRule: newBuiltinRule("ingress", CategoryNetwork, "Ingress", "Service")}
}

func (r *ingressRule) Discover(ctx context.Context, obj *unstructured.Unstructured, backend Backend) ([]Relationship, error) {
	self := IdentifierFor(obj)
	ns := obj.GetNamespace()

	if obj.GetKind() == "Service" {
		ingresses, err := ListAll(ctx, backend, "Ingress", ns)
		if err != nil {
			return nil, errors.Wrapf(err, "listing ingresses for %s", self)
		}
		var rels []Relationship
		for i := range ingresses {
			ing := &networkingv1.Ingress{}
			if err := convert(&ingresses[i], ing); err != nil {
				return nil, err
			}
			for _, b := range ingressBackends(ing) {
				if b.service == obj.GetName() {
					rels = append(rels, Relationship{Source: IdentifierFor(&ingresses[i]), Target: self, Kind: RelationshipIngressBackend, Detail: b.detail})
				}
			}
		}
		return rels, nil
	}

	ing := &networkingv1.Ingress{}
	if err := convert(obj, ing); err != nil {
		return nil, err
	}

	var rels []Relationship
	for _, b := range ingressBackends(ing) {
		rels = append(rels, Relationship{Source: self, Target: ref("Service", b.service, ns), Kind: RelationshipIngressBackend, Detail: b.detail})
	}
	for _, tls := range ing.Spec.TLS {
		if tls.SecretName != "" {
			rels = append(rels, Relationship{Source: self, Target: ref("Secret", tls.SecretName, ns), Kind: RelationshipIngressTLS, Detail: strings.Join(tls.Hosts, ",")})
		}
	}
	if ing.Spec.IngressClassName != nil && *ing.Spec.IngressClassName != "" {
		rels = append(rels, Relationship{Source: self, Target: ref("IngressClass", *ing.Spec.IngressClassName, ""), Kind: RelationshipIngressClass})
	}
	return rels, nil
}

type ingressBackend struct {
	service string
	detail  string
}

func ingressBackends(ing *networkingv1.Ingress) []ingressBackend {
	var out []ingressBackend
	if b := ing.Spec.DefaultBackend; b != nil && b.Service != nil && b.Service.Name != "" {
		out = append(out, ingressBackend{service: b.Service.Name, detail: "default"})
	}
	for _, rule := range ing.Spec.Rules {
		if rule.HTTP == nil {
			continue
		}
		for _, path := range rule.HTTP.Paths {
			if path.Backend.Service == nil || path.Backend.Service.Name == "" {
				continue
			}
			out = append(out, ingressBackend{service: path.Backend.Service.Name, detail: rule.Host + path.Path})
		}
	}
	return out
}
