package canvas

import (
	"fmt"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const (
	// TemplateHashLabel carries the pod template fingerprint on generated
	// pods and replica sets.
	TemplateHashLabel = "pod-template-hash"

	// ClusterScope replaces the namespace segment of cluster-scoped keys.
	ClusterScope = "cluster"

	generatedNameSeparator = "-"
)

// ResolveNodeKey returns the stable graph key of a raw resource.
//
// Pods created from a template by an owner resolve to
// Pod:<ns>:<ownerKind>-<ownerName>:<hash>, so recreated pods map to the same
// node. Replica sets resolve to ReplicaSet:<ns>:<parent>:<hash>, where parent is
// the owning Deployment or, without one, the name minus its last "-" segment.
// Everything else resolves to <kind>:<ns or "cluster">:<name>.
func ResolveNodeKey(obj *unstructured.Unstructured) string {
	kind := obj.GetKind()
	ns := obj.GetNamespace()
	hash := obj.GetLabels()[TemplateHashLabel]

	switch kind {
	case "Pod":
		if owner, ok := primaryOwner(obj.GetOwnerReferences()); ok && hash != "" {
			return fmt.Sprintf("%s:%s:%s-%s:%s", kind, ns, owner.Kind, owner.Name, hash)
		}
	case "ReplicaSet":
		if parent, ok := replicaSetParent(obj, hash); ok {
			return fmt.Sprintf("%s:%s:%s:%s", kind, ns, parent, hash)
		}
	}

	return defaultKey(kind, ns, obj.GetName())
}

// KeyForIdentifier returns the default key of an identifier. It is used for
// endpoints that could not be fetched.
func KeyForIdentifier(id ResourceIdentifier) string {
	return defaultKey(id.Kind, id.Namespace, id.Name)
}

func defaultKey(kind, namespace, name string) string {
	if namespace == "" {
		namespace = ClusterScope
	}
	return fmt.Sprintf("%s:%s:%s", kind, namespace, name)
}

// primaryOwner prefers the controller reference and falls back to the first owner.
func primaryOwner(refs []metav1.OwnerReference) (metav1.OwnerReference, bool) {
	for _, ref := range refs {
		if ref.Controller != nil && *ref.Controller {
			return ref, true
		}
	}
	if len(refs) > 0 {
		return refs[0], true
	}
	return metav1.OwnerReference{}, false
}

func replicaSetParent(obj *unstructured.Unstructured, hash string) (string, bool) {
	if hash == "" {
		return "", false
	}
	if owner, ok := primaryOwner(obj.GetOwnerReferences()); ok && owner.Kind == "Deployment" && owner.Name != "" {
		return owner.Name, true
	}
	name := obj.GetName()
	idx := strings.LastIndex(name, generatedNameSeparator)
	if idx <= 0 || idx == len(name)-1 {
		return "", false
	}
	return name[:idx], true
}

// NodeAttributes extracts the attributes stored on a graph node.
func NodeAttributes(obj *unstructured.Unstructured, clusterID string) map[string]interface{} {
	attrs := map[string]interface{}{
		"kind":      obj.GetKind(),
		"name":      obj.GetName(),
		"namespace": obj.GetNamespace(),
	}
	if v := obj.GetAPIVersion(); v != "" {
		attrs["apiVersion"] = v
	}
	if uid := obj.GetUID(); uid != "" {
		attrs["uid"] = string(uid)
	}
	if labels := obj.GetLabels(); len(labels) > 0 {
		attrs["labels"] = labels
	}
	if ts := obj.GetCreationTimestamp(); !ts.IsZero() {
		attrs["createdAt"] = ts.UTC().Format("2006-01-02T15:04:05Z")
	}
	if clusterID != "" {
		attrs["clusterId"] = clusterID
	}

	switch obj.GetKind() {
	case "Pod":
		if phase, found, _ := unstructured.NestedString(obj.Object, "status", "phase"); found {
			attrs["phase"] = phase
		}
		if ip, found, _ := unstructured.NestedString(obj.Object, "status", "podIP"); found {
			attrs["podIP"] = ip
		}
		if node, found, _ := unstructured.NestedString(obj.Object, "spec", "nodeName"); found {
			attrs["nodeName"] = node
		}
	case "Deployment", "StatefulSet", "ReplicaSet":
		if replicas, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas"); found {
			attrs["replicas"] = replicas
		}
		if ready, found, _ := unstructured.NestedInt64(obj.Object, "status", "readyReplicas"); found {
			attrs["readyReplicas"] = ready
		}
	case "PersistentVolumeClaim", "PersistentVolume":
		if phase, found, _ := unstructured.NestedString(obj.Object, "status", "phase"); found {
			attrs["phase"] = phase
		}
	}

	return attrs
}

// placeholderAttributes describes an endpoint known only by its identifier.
func placeholderAttributes(id ResourceIdentifier, clusterID string) map[string]interface{} {
	attrs := map[string]interface{}{
		"kind":      id.Kind,
		"name":      id.Name,
		"namespace": id.Namespace,
		"missing":   true,
	}
	if id.APIVersion != "" {
		attrs["apiVersion"] = id.APIVersion
	}
	if clusterID != "" {
		attrs["clusterId"] = clusterID
	}
	return attrs
}
