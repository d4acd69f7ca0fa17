// Package handlers provides discovery rules for widely deployed custom
// resource ecosystems.
package handlers

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

// Relationship kinds emitted by the handlers. They all belong to the
// customResources category.
const (
	RelationshipHelmRelease       canvas.RelationshipKind = "helm_release"
	RelationshipArgoCDManaged     canvas.RelationshipKind = "argocd_managed"
	RelationshipArgoCDProject     canvas.RelationshipKind = "argocd_project"
	RelationshipFluxSource        canvas.RelationshipKind = "flux_source"
	RelationshipFluxManaged       canvas.RelationshipKind = "flux_managed"
	RelationshipKedaScales        canvas.RelationshipKind = "keda_scales"
	RelationshipKedaTrigger       canvas.RelationshipKind = "keda_trigger"
	RelationshipCertificateSecret canvas.RelationshipKind = "certificate_secret"
	RelationshipCertificateIssuer canvas.RelationshipKind = "certificate_issuer"
	RelationshipIstioRoute        canvas.RelationshipKind = "istio_route"
	RelationshipIstioGateway      canvas.RelationshipKind = "istio_gateway"
	RelationshipPrometheusMonitor canvas.RelationshipKind = "prometheus_monitor"
	RelationshipArgoWorkflow      canvas.RelationshipKind = "argo_workflow"
	RelationshipArgoTemplate      canvas.RelationshipKind = "argo_template"
	RelationshipTektonRun         canvas.RelationshipKind = "tekton_run"
	RelationshipTektonRef         canvas.RelationshipKind = "tekton_ref"
	RelationshipKnativeServes     canvas.RelationshipKind = "knative_serves"
	RelationshipKnativeTraffic    canvas.RelationshipKind = "knative_traffic"
	RelationshipVeleroBackup      canvas.RelationshipKind = "velero_backup"
	RelationshipVeleroRestore     canvas.RelationshipKind = "velero_restore"
	RelationshipCrossplaneClaim   canvas.RelationshipKind = "crossplane_claim"
	RelationshipCrossplaneCompose canvas.RelationshipKind = "crossplane_composition"
	RelationshipSparkDriver       canvas.RelationshipKind = "spark_driver"
	RelationshipSparkExecutor     canvas.RelationshipKind = "spark_executor"
	RelationshipAirflowComponent  canvas.RelationshipKind = "airflow_component"
	RelationshipTemporalFrontend  canvas.RelationshipKind = "temporal_frontend"
)

// managedKinds are searched for resources deployed by a GitOps controller.
var managedKinds = []string{"Deployment", "StatefulSet", "DaemonSet", "Service", "ConfigMap", "Secret", "Ingress"}

// Kind describes a custom resource kind a handler understands.
type Kind struct {
	schema.GroupVersionResource
	Kind       string
	Namespaced bool
}

// APIVersion returns group/version.
func (k Kind) APIVersion() string {
	return k.GroupVersion().String()
}

// Handler is a rule for one custom resource ecosystem.
type Handler interface {
	canvas.CategorizedRule
	// Kinds lists the custom resource kinds the handler reads.
	Kinds() []Kind
}

// All returns every handler.
func All() []Handler {
	return []Handler{
		newHelmHandler(),
		newArgoCDHandler(),
		newFluxHandler(),
		newKedaHandler(),
		newCertManagerHandler(),
		newIstioHandler(),
		newPrometheusHandler(),
		newArgoWorkflowsHandler(),
		newTektonHandler(),
		newKnativeHandler(),
		newVeleroHandler(),
		newCrossplaneHandler(),
		newSparkHandler(),
		newAirflowHandler(),
		newTemporalHandler(),
	}
}

// Register adds every handler to reg as a general rule.
func Register(reg *canvas.Registry) {
	for _, h := range All() {
		reg.Register(h)
	}
}

// NewRegistry returns a registry holding the built-in rules and every
// handler.
func NewRegistry() *canvas.Registry {
	reg := canvas.NewRegistry()
	for _, rule := range canvas.BuiltinRules() {
		reg.Register(rule)
	}
	Register(reg)
	return reg
}

// Kinds returns the custom resource kinds of every handler.
func Kinds() []Kind {
	var kinds []Kind
	for _, h := range All() {
		kinds = append(kinds, h.Kinds()...)
	}
	return kinds
}

// KindNames returns the namespaced kind names of every handler, for
// namespace builds. Names that clash with a core kind, such as the knative
// Service, are left out since a bare kind name lists the core kind.
func KindNames() []string {
	seen := map[string]bool{}
	for _, k := range canvas.NamespaceKinds {
		seen[k] = true
	}
	var names []string
	for _, k := range Kinds() {
		if !k.Namespaced || seen[k.Kind] {
			continue
		}
		seen[k.Kind] = true
		names = append(names, k.Kind)
	}
	return names
}

// base carries the parts common to every handler.
type base struct {
	name  string
	kinds []Kind
}

func (b base) Name() string              { return b.name }
func (b base) Priority() int             { return canvas.DefaultPluginPriority }
func (b base) Category() canvas.Category { return canvas.CategoryCustomResources }
func (b base) Kinds() []Kind             { return b.kinds }

// owns reports whether obj is one of kinds, matched by kind and group.
func (b base) owns(obj *unstructured.Unstructured, kinds ...string) bool {
	group := canvas.APIGroup(obj.GetAPIVersion())
	for _, k := range b.kinds {
		if k.Kind != obj.GetKind() || k.Group != group {
			continue
		}
		if len(kinds) == 0 {
			return true
		}
		for _, want := range kinds {
			if want == k.Kind {
				return true
			}
		}
	}
	return false
}

func kind(group, version, resource, kind string, namespaced bool) Kind {
	return Kind{
		GroupVersionResource: schema.GroupVersionResource{Group: group, Version: version, Resource: resource},
		Kind:                 kind,
		Namespaced:           namespaced,
	}
}

func relate(source, target canvas.ResourceIdentifier, kind canvas.RelationshipKind, detail string) canvas.Relationship {
	return canvas.Relationship{Source: source, Target: target, Kind: kind, Detail: detail}
}

// serviceHost resolves a mesh host such as "reviews", "reviews.shop" or
// "reviews.shop.svc.cluster.local" to a service name and namespace.
func serviceHost(host, defaultNamespace string) (name, namespace string, ok bool) {
	if host == "" || strings.Contains(host, "*") {
		return "", "", false
	}
	parts := strings.Split(host, ".")
	if len(parts) == 1 {
		return parts[0], defaultNamespace, true
	}
	if len(parts) == 2 || (len(parts) > 2 && parts[2] == "svc") {
		return parts[0], parts[1], true
	}
	return "", "", false
}

// decodeBase64 decodes a secret data value, returning "" when malformed.
func decodeBase64(s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return string(b)
}

// labelled relates source to every kind in namespace carrying set.
func labelled(ctx context.Context, backend canvas.Backend, source canvas.ResourceIdentifier, kind, namespace string, set labels.Set, rel canvas.RelationshipKind, detail string) ([]canvas.Relationship, error) {
	items, err := canvas.ListSelected(ctx, backend, kind, namespace, labels.SelectorFromSet(set))
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s labelled %s", kind, set)
	}
	rels := make([]canvas.Relationship, 0, len(items))
	for i := range items {
		rels = append(rels, relate(source, canvas.IdentifierFor(&items[i]), rel, detail))
	}
	return rels, nil
}

// volumeRefs relates source to the config maps, secrets and claims mounted
// by a pod-style volume list.
func volumeRefs(source canvas.ResourceIdentifier, namespace string, volumes []interface{}) []canvas.Relationship {
	var rels []canvas.Relationship
	for _, v := range volumes {
		vol, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		volName, _, _ := unstructured.NestedString(vol, "name")
		if name, _, _ := unstructured.NestedString(vol, "configMap", "name"); name != "" {
			rels = append(rels, relate(source, canvas.ResourceIdentifier{Kind: "ConfigMap", Name: name, Namespace: namespace}, canvas.RelationshipVolume, volName))
		}
		if name, _, _ := unstructured.NestedString(vol, "secret", "secretName"); name != "" {
			rels = append(rels, relate(source, canvas.ResourceIdentifier{Kind: "Secret", Name: name, Namespace: namespace}, canvas.RelationshipVolume, volName))
		}
		if name, _, _ := unstructured.NestedString(vol, "persistentVolumeClaim", "claimName"); name != "" {
			rels = append(rels, relate(source, canvas.ResourceIdentifier{Kind: "PersistentVolumeClaim", Name: name, Namespace: namespace}, canvas.RelationshipPVC, volName))
		}
	}
	return rels
}
