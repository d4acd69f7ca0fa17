package kube

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/strings/slices"

	"github.com/agentkube/kubegraph/pkg/canvas/handlers"
)

// Mapping locates the API resource serving a kind.
type Mapping struct {
	schema.GroupVersionResource
	Kind       string
	Namespaced bool
}

// GroupVersionKind returns the mapping's GVK.
func (m Mapping) GroupVersionKind() schema.GroupVersionKind {
	return m.GroupVersion().WithKind(m.Kind)
}

func mapping(group, version, resource, kind string, namespaced bool) Mapping {
	return Mapping{
		GroupVersionResource: schema.GroupVersionResource{Group: group, Version: version, Resource: resource},
		Kind:                 kind,
		Namespaced:           namespaced,
	}
}

var builtinMappings = []Mapping{
	mapping("", "v1", "pods", "Pod", true),
	mapping("", "v1", "services", "Service", true),
	mapping("", "v1", "configmaps", "ConfigMap", true),
	mapping("", "v1", "secrets", "Secret", true),
	mapping("", "v1", "serviceaccounts", "ServiceAccount", true),
	mapping("", "v1", "persistentvolumeclaims", "PersistentVolumeClaim", true),
	mapping("", "v1", "persistentvolumes", "PersistentVolume", false),
	mapping("", "v1", "replicationcontrollers", "ReplicationController", true),
	mapping("", "v1", "endpoints", "Endpoints", true),
	mapping("", "v1", "nodes", "Node", false),
	mapping("", "v1", "namespaces", "Namespace", false),
	mapping("", "v1", "resourcequotas", "ResourceQuota", true),
	mapping("", "v1", "limitranges", "LimitRange", true),
	mapping("apps", "v1", "deployments", "Deployment", true),
	mapping("apps", "v1", "replicasets", "ReplicaSet", true),
	mapping("apps", "v1", "statefulsets", "StatefulSet", true),
	mapping("apps", "v1", "daemonsets", "DaemonSet", true),
	mapping("batch", "v1", "jobs", "Job", true),
	mapping("batch", "v1", "cronjobs", "CronJob", true),
	mapping("autoscaling", "v2", "horizontalpodautoscalers", "HorizontalPodAutoscaler", true),
	mapping("policy", "v1", "poddisruptionbudgets", "PodDisruptionBudget", true),
	mapping("networking.k8s.io", "v1", "ingresses", "Ingress", true),
	mapping("networking.k8s.io", "v1", "ingressclasses", "IngressClass", false),
	mapping("networking.k8s.io", "v1", "networkpolicies", "NetworkPolicy", true),
	mapping("discovery.k8s.io", "v1", "endpointslices", "EndpointSlice", true),
	mapping("storage.k8s.io", "v1", "storageclasses", "StorageClass", false),
	mapping("scheduling.k8s.io", "v1", "priorityclasses", "PriorityClass", false),
	mapping("rbac.authorization.k8s.io", "v1", "roles", "Role", true),
	mapping("rbac.authorization.k8s.io", "v1", "rolebindings", "RoleBinding", true),
	mapping("rbac.authorization.k8s.io", "v1", "clusterroles", "ClusterRole", false),
	mapping("rbac.authorization.k8s.io", "v1", "clusterrolebindings", "ClusterRoleBinding", false),
	mapping("apiextensions.k8s.io", "v1", "customresourcedefinitions", "CustomResourceDefinition", false),
}

// KindRegistry maps kind names to API resources. Kinds are keyed by name
// alone, and by group and name so an apiVersion can pick between two
// groups serving the same kind. The first registration of a bare name wins.
type KindRegistry struct {
	mu      sync.RWMutex
	byKind  map[string]Mapping
	byGroup map[schema.GroupKind]Mapping
}

// NewKindRegistry returns a registry holding the built-in kinds and the
// custom resource kinds the handlers package understands.
func NewKindRegistry() *KindRegistry {
	r := &KindRegistry{
		byKind:  make(map[string]Mapping),
		byGroup: make(map[schema.GroupKind]Mapping),
	}
	for _, m := range builtinMappings {
		r.Register(m)
	}
	for _, k := range handlers.Kinds() {
		r.Register(Mapping{GroupVersionResource: k.GroupVersionResource, Kind: k.Kind, Namespaced: k.Namespaced})
	}
	return r
}

// Register adds m. A later mapping for the same group and kind replaces the
// earlier one.
func (r *KindRegistry) Register(m Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKind[m.Kind]; !ok {
		r.byKind[m.Kind] = m
	} else if existing := r.byKind[m.Kind]; existing.Group == m.Group {
		r.byKind[m.Kind] = m
	}
	r.byGroup[schema.GroupKind{Group: m.Group, Kind: m.Kind}] = m
}

// RegisterCRD adds the storage version of crd, or its first served
// version when none is marked for storage.
func (r *KindRegistry) RegisterCRD(crd *apiextensionsv1.CustomResourceDefinition) error {
	version := ""
	for _, v := range crd.Spec.Versions {
		if v.Storage {
			version = v.Name
			break
		}
		if version == "" && v.Served {
			version = v.Name
		}
	}
	if version == "" {
		return errors.Errorf("custom resource definition %s serves no version", crd.Name)
	}
	r.Register(mapping(crd.Spec.Group, version, crd.Spec.Names.Plural, crd.Spec.Names.Kind,
		crd.Spec.Scope == apiextensionsv1.NamespaceScoped))
	return nil
}

// RegisterAPIResources adds every kind in lists that supports get and
// list. Subresources are skipped.
func (r *KindRegistry) RegisterAPIResources(lists []*metav1.APIResourceList) {
	for _, list := range lists {
		gv, err := schema.ParseGroupVersion(list.GroupVersion)
		if err != nil {
			continue
		}
		for _, res := range list.APIResources {
			if res.Kind == "" || strings.Contains(res.Name, "/") || !hasVerbs(res.Verbs, "get", "list") {
				continue
			}
			r.Register(mapping(gv.Group, gv.Version, res.Name, res.Kind, res.Namespaced))
		}
	}
}

// Lookup returns the mapping of kind. A non-empty apiVersion restricts the
// lookup to its group.
func (r *KindRegistry) Lookup(kind, apiVersion string) (Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if apiVersion != "" {
		if gv, err := schema.ParseGroupVersion(apiVersion); err == nil {
			m, ok := r.byGroup[schema.GroupKind{Group: gv.Group, Kind: kind}]
			return m, ok
		}
	}
	m, ok := r.byKind[kind]
	return m, ok
}

// Namespaced returns the mappings of the namespaced kinds among kinds.
// Unknown kinds are skipped.
func (r *KindRegistry) Namespaced(kinds ...string) []Mapping {
	var out []Mapping
	for _, k := range kinds {
		if m, ok := r.Lookup(k, ""); ok && m.Namespaced {
			out = append(out, m)
		}
	}
	return out
}

// Kinds returns every registered kind name.
func (r *KindRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	return kinds
}

func hasVerbs(verbs metav1.Verbs, want ...string) bool {
	for _, w := range want {
		if !slices.Contains(verbs, w) {
			return false
		}
	}
	return true
}
