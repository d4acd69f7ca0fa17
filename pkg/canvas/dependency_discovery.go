package canvas

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
)

// BuiltinRules returns the native rule set, all at BuiltinPriority.
func BuiltinRules() []Rule {
	return []Rule{
		newOwnershipRule(),
		newPodSpecRule(),
		newSelectorRule(),
		newStorageRule(),
		newAutoscalingRule(),
		newRBACRule(),
		newNetworkPolicyRule(),
		newIngressRule(),
	}
}

// clusterScopedKinds never carry a namespace.
var clusterScopedKinds = map[string]struct{}{
	"Node":                     {},
	"Namespace":                {},
	"PersistentVolume":         {},
	"StorageClass":             {},
	"PriorityClass":            {},
	"IngressClass":             {},
	"ClusterRole":              {},
	"ClusterRoleBinding":       {},
	"CustomResourceDefinition": {},
	"ClusterIssuer":            {},
}

// scoped drops the namespace of cluster-scoped kinds.
func scoped(kind, namespace string) string {
	if _, ok := clusterScopedKinds[kind]; ok {
		return ""
	}
	return namespace
}

// ownedKinds lists the kinds each controller creates directly.
var ownedKinds = map[string][]string{
	"Deployment":            {"ReplicaSet"},
	"ReplicaSet":            {"Pod"},
	"ReplicationController": {"Pod"},
	"StatefulSet":           {"Pod"},
	"DaemonSet":             {"Pod"},
	"Job":                   {"Pod"},
	"CronJob":               {"Job"},
}

// ownershipRule links owners to the resources they own, in both directions:
// from owner references on the resource and by listing the children of
// known controllers.
type ownershipRule struct {
	builtinRule
}

func newOwnershipRule() *ownershipRule {
	return &ownershipRule{builtinRule: newBuiltinRule("ownership", CategoryCore)}
}

func (r *ownershipRule) Supports(obj *unstructured.Unstructured) bool {
	if len(obj.GetOwnerReferences()) > 0 {
		return true
	}
	_, ok := ownedKinds[obj.GetKind()]
	return ok
}

func (r *ownershipRule) Discover(ctx context.Context, obj *unstructured.Unstructured, backend Backend) ([]Relationship, error) {
	self := IdentifierFor(obj)
	var rels []Relationship

	for _, or := range obj.GetOwnerReferences() {
		detail := ""
		if or.Controller != nil && *or.Controller {
			detail = "controller"
		}
		owner := ResourceIdentifier{
			Kind:       or.Kind,
			Name:       or.Name,
			Namespace:  scoped(or.Kind, obj.GetNamespace()),
			APIVersion: or.APIVersion,
		}
		rels = append(rels, Relationship{Source: owner, Target: self, Kind: RelationshipOwned, Detail: detail})
	}

	for _, childKind := range ownedKinds[obj.GetKind()] {
		children, err := ListAll(ctx, backend, childKind, obj.GetNamespace())
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s owned by %s", childKind, self)
		}
		for i := range children {
			if ownedBy(&children[i], obj) {
				rels = append(rels, Relationship{Source: self, Target: IdentifierFor(&children[i]), Kind: RelationshipOwned})
			}
		}
	}

	return rels, nil
}

// podSpecRule follows the references of a pod spec: service account,
// volumes, environment, image pull secrets, node and priority class.
type podSpecRule struct {
	builtinRule
}

func newPodSpecRule() *podSpecRule {
	return &podSpecRule{builtinRule: newBuiltinRule("pod-spec", CategoryCore,
		"Pod", "Deployment", "StatefulSet", "DaemonSet", "ReplicaSet", "ReplicationController", "Job", "CronJob")}
}

func (r *podSpecRule) Discover(ctx context.Context, obj *unstructured.Unstructured, backend Backend) ([]Relationship, error) {
	spec, err := podSpecOf(obj)
	if err != nil || spec == nil {
		return nil, err
	}

	self := IdentifierFor(obj)
	ns := obj.GetNamespace()
	var rels []Relationship
	add := func(target ResourceIdentifier, kind RelationshipKind, detail string) {
		rels = append(rels, Relationship{Source: self, Target: target, Kind: kind, Detail: detail})
	}

	if spec.ServiceAccountName != "" {
		add(ref("ServiceAccount", spec.ServiceAccountName, ns), RelationshipServiceAccount, "")
	}

	for _, vol := range spec.Volumes {
		switch {
		case vol.ConfigMap != nil && vol.ConfigMap.Name != "":
			add(ref("ConfigMap", vol.ConfigMap.Name, ns), RelationshipVolume, vol.Name)
		case vol.Secret != nil && vol.Secret.SecretName != "":
			add(ref("Secret", vol.Secret.SecretName, ns), RelationshipVolume, vol.Name)
		case vol.PersistentVolumeClaim != nil && vol.PersistentVolumeClaim.ClaimName != "":
			add(ref("PersistentVolumeClaim", vol.PersistentVolumeClaim.ClaimName, ns), RelationshipPVC, vol.Name)
		case vol.Projected != nil:
			for _, src := range vol.Projected.Sources {
				if src.ConfigMap != nil && src.ConfigMap.Name != "" {
					add(ref("ConfigMap", src.ConfigMap.Name, ns), RelationshipVolume, vol.Name)
				}
				if src.Secret != nil && src.Secret.Name != "" {
					add(ref("Secret", src.Secret.Name, ns), RelationshipVolume, vol.Name)
				}
			}
		}
	}

	containers := append(spec.InitContainers, spec.Containers...)
	for _, c := range containers {
		for _, from := range c.EnvFrom {
			if from.ConfigMapRef != nil && from.ConfigMapRef.Name != "" {
				add(ref("ConfigMap", from.ConfigMapRef.Name, ns), RelationshipEnvFrom, c.Name)
			}
			if from.SecretRef != nil && from.SecretRef.Name != "" {
				add(ref("Secret", from.SecretRef.Name, ns), RelationshipEnvFrom, c.Name)
			}
		}
		for _, env := range c.Env {
			if env.ValueFrom == nil {
				continue
			}
			detail := fmt.Sprintf("%s/%s", c.Name, env.Name)
			if cm := env.ValueFrom.ConfigMapKeyRef; cm != nil && cm.Name != "" {
				add(ref("ConfigMap", cm.Name, ns), RelationshipEnvVar, detail)
			}
			if sec := env.ValueFrom.SecretKeyRef; sec != nil && sec.Name != "" {
				add(ref("Secret", sec.Name, ns), RelationshipEnvVar, detail)
			}
		}
	}

	for _, ips := range spec.ImagePullSecrets {
		if ips.Name != "" {
			add(ref("Secret", ips.Name, ns), RelationshipImagePullSecret, "")
		}
	}

	if obj.GetKind() == "Pod" && spec.NodeName != "" {
		add(ref("Node", spec.NodeName, ""), RelationshipScheduledOn, "")
	}
	if spec.PriorityClassName != "" {
		add(ref("PriorityClass", spec.PriorityClassName, ""), RelationshipPriorityClass, "")
	}

	return rels, nil
}

// selectorRule links label selectors of services and disruption budgets to
// the pods they select, and pods back to the services selecting them.
type selectorRule struct {
	builtinRule
}

func newSelectorRule() *selectorRule {
	return &selectorRule{builtinRule: newBuiltinRule("service", CategoryCore, "Service", "PodDisruptionBudget", "Pod")}
}

func (r *selectorRule) Discover(ctx context.Context, obj *unstructured.Unstructured, backend Backend) ([]Relationship, error) {
	self := IdentifierFor(obj)
	ns := obj.GetNamespace()
	var rels []Relationship

	switch obj.GetKind() {
	case "Service":
		selector, _, _ := unstructured.NestedStringMap(obj.Object, "spec", "selector")
		if len(selector) > 0 {
			pods, err := ListSelected(ctx, backend, "Pod", ns, labels.SelectorFromSet(selector))
			if err != nil {
				return nil, errors.Wrapf(err, "listing pods selected by %s", self)
			}
			for i := range pods {
				rels = append(rels, Relationship{Source: self, Target: IdentifierFor(&pods[i]), Kind: RelationshipLabelSelector})
			}
		}

		slices, err := ListSelected(ctx, backend, "EndpointSlice", ns,
			labels.SelectorFromSet(labels.Set{"kubernetes.io/service-name": obj.GetName()}))
		if err != nil {
			return nil, errors.Wrapf(err, "listing endpoint slices of %s", self)
		}
		for i := range slices {
			rels = append(rels, Relationship{Source: self, Target: IdentifierFor(&slices[i]), Kind: RelationshipEndpointSlice})
		}

	case "PodDisruptionBudget":
		selector, err := SelectorFromUnstructured(obj.Object, "spec", "selector")
		if err != nil {
			return nil, errors.Wrapf(err, "parsing selector of %s", self)
		}
		pods, err := ListSelected(ctx, backend, "Pod", ns, selector)
		if err != nil {
			return nil, errors.Wrapf(err, "listing pods selected by %s", self)
		}
		for i := range pods {
			rels = append(rels, Relationship{Source: self, Target: IdentifierFor(&pods[i]), Kind: RelationshipLabelSelector, Detail: "disruption budget"})
		}

	case "Pod":
		services, err := ListAll(ctx, backend, "Service", ns)
		if err != nil {
			return nil, errors.Wrapf(err, "listing services for %s", self)
		}
		podLabels := labels.Set(obj.GetLabels())
		for i := range services {
			selector, _, _ := unstructured.NestedStringMap(services[i].Object, "spec", "selector")
			if len(selector) == 0 {
				continue
			}
			if labels.SelectorFromSet(selector).Matches(podLabels) {
				rels = append(rels, Relationship{Source: IdentifierFor(&services[i]), Target: self, Kind: RelationshipLabelSelector})
			}
		}
	}

	return rels, nil
}

// storageRule links claims, volumes and storage classes.
type storageRule struct {
	builtinRule
}

func newStorageRule() *storageRule {
	return &storageRule{builtinRule: newBuiltinRule("storage", CategoryCore, "PersistentVolumeClaim", "PersistentVolume", "StatefulSet")}
}

func (r *storageRule) Discover(ctx context.Context, obj *unstructured.Unstructured, backend Backend) ([]Relationship, error) {
	self := IdentifierFor(obj)
	var rels []Relationship

	switch obj.GetKind() {
	case "PersistentVolumeClaim":
		if sc, found, _ := unstructured.NestedString(obj.Object, "spec", "storageClassName"); found && sc != "" {
			rels = append(rels, Relationship{Source: self, Target: ref("StorageClass", sc, ""), Kind: RelationshipStorageClass})
		}
		if pv, found, _ := unstructured.NestedString(obj.Object, "spec", "volumeName"); found && pv != "" {
			rels = append(rels, Relationship{Source: self, Target: ref("PersistentVolume", pv, ""), Kind: RelationshipBoundVolume})
		}

	case "PersistentVolume":
		if sc, found, _ := unstructured.NestedString(obj.Object, "spec", "storageClassName"); found && sc != "" {
			rels = append(rels, Relationship{Source: self, Target: ref("StorageClass", sc, ""), Kind: RelationshipStorageClass})
		}
		name, _, _ := unstructured.NestedString(obj.Object, "spec", "claimRef", "name")
		ns, _, _ := unstructured.NestedString(obj.Object, "spec", "claimRef", "namespace")
		if name != "" && ns != "" {
			rels = append(rels, Relationship{Source: ref("PersistentVolumeClaim", name, ns), Target: self, Kind: RelationshipBoundVolume})
		}

	case "StatefulSet":
		templates, _, _ := unstructured.NestedSlice(obj.Object, "spec", "volumeClaimTemplates")
		var prefixes []string
		for _, tmpl := range templates {
			m, ok := tmpl.(map[string]interface{})
			if !ok {
				continue
			}
			if sc, found, _ := unstructured.NestedString(m, "spec", "storageClassName"); found && sc != "" {
				rels = append(rels, Relationship{Source: self, Target: ref("StorageClass", sc, ""), Kind: RelationshipStorageClass})
			}
			if name, found, _ := unstructured.NestedString(m, "metadata", "name"); found && name != "" {
				prefixes = append(prefixes, fmt.Sprintf("%s-%s-", name, obj.GetName()))
			}
		}
		if len(prefixes) == 0 {
			break
		}
		claims, err := ListAll(ctx, backend, "PersistentVolumeClaim", obj.GetNamespace())
		if err != nil {
			return nil, errors.Wrapf(err, "listing claims of %s", self)
		}
		for i := range claims {
			for _, prefix := range prefixes {
				if strings.HasPrefix(claims[i].GetName(), prefix) {
					rels = append(rels, Relationship{Source: self, Target: IdentifierFor(&claims[i]), Kind: RelationshipPVC, Detail: "volumeClaimTemplate"})
					break
				}
			}
		}
	}

	return rels, nil
}

// scalableKinds can be the target of a HorizontalPodAutoscaler.
var scalableKinds = []string{"Deployment", "StatefulSet", "ReplicaSet", "ReplicationController"}

// autoscalingRule links autoscalers to the workloads they scale.
type autoscalingRule struct {
	builtinRule
}

func newAutoscalingRule() *autoscalingRule {
	return &autoscalingRule{builtinRule: newBuiltinRule("autoscaling", CategoryCore,
		append([]string{"HorizontalPodAutoscaler"}, scalableKinds...)...)}
}

func (r *autoscalingRule) Discover(ctx context.Context, obj *unstructured.Unstructured, backend Backend) ([]Relationship, error) {
	self := IdentifierFor(obj)

	if obj.GetKind() == "HorizontalPodAutoscaler" {
		target, ok := scaleTarget(obj)
		if !ok {
			return nil, nil
		}
		return []Relationship{{Source: self, Target: target, Kind: RelationshipScales}}, nil
	}

	hpas, err := ListAll(ctx, backend, "HorizontalPodAutoscaler", obj.GetNamespace())
	if err != nil {
		return nil, errors.Wrapf(err, "listing autoscalers for %s", self)
	}
	var rels []Relationship
	for i := range hpas {
		if target, ok := scaleTarget(&hpas[i]); ok && target.Kind == self.Kind && target.Name == self.Name {
			rels = append(rels, Relationship{Source: IdentifierFor(&hpas[i]), Target: self, Kind: RelationshipScales})
		}
	}
	return rels, nil
}

func scaleTarget(hpa *unstructured.Unstructured) (ResourceIdentifier, bool) {
	kind, _, _ := unstructured.NestedString(hpa.Object, "spec", "scaleTargetRef", "kind")
	name, _, _ := unstructured.NestedString(hpa.Object, "spec", "scaleTargetRef", "name")
	apiVersion, _, _ := unstructured.NestedString(hpa.Object, "spec", "scaleTargetRef", "apiVersion")
	if kind == "" || name == "" {
		return ResourceIdentifier{}, false
	}
	return ResourceIdentifier{Kind: kind, Name: name, Namespace: hpa.GetNamespace(), APIVersion: apiVersion}, true
}
