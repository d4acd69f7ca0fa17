package canvas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func discover(t *testing.T, rule Rule, obj *unstructured.Unstructured, objs ...*unstructured.Unstructured) []Relationship {
	t.Helper()
	require.True(t, rule.Supports(obj), "%s should support %s", rule.Name(), obj.GetKind())
	rels, err := rule.Discover(context.Background(), obj, newFakeBackend(objs...))
	require.NoError(t, err)
	return rels
}

func targetIDs(rels []Relationship) []string {
	out := make([]string, 0, len(rels))
	for _, rel := range rels {
		out = append(out, rel.Target.Kind+"/"+rel.Target.Namespace+"/"+rel.Target.Name)
	}
	return out
}

func sourceIDs(rels []Relationship) []string {
	out := make([]string, 0, len(rels))
	for _, rel := range rels {
		out = append(out, rel.Source.Kind+"/"+rel.Source.Namespace+"/"+rel.Source.Name)
	}
	return out
}

func TestOwnershipRule(t *testing.T) {
	deploy, rs, pod1, pod2 := nginxFixture()
	stranger := withLabels(newObject("v1", "Pod", "default", "nginx-other"), TemplateHashLabel, "abc123")
	rule := newOwnershipRule()

	rels := discover(t, rule, rs, deploy, rs, pod1, pod2, stranger)
	require.Len(t, rels, 3)
	assert.Equal(t, "Deployment/default/nginx", sourceIDs(rels)[0])
	assert.Equal(t, "controller", rels[0].Detail)
	assert.Equal(t, []string{"ReplicaSet/default/nginx-7f8c9", "Pod/default/nginx-7f8c9-aa1", "Pod/default/nginx-7f8c9-aa2"}, targetIDs(rels))

	assert.False(t, rule.Supports(newObject("v1", "ConfigMap", "default", "plain")))
}

func TestOwnershipRuleMatchesByNameWithoutUID(t *testing.T) {
	cron := newObject("batch/v1", "CronJob", "jobs", "nightly")
	job := newObject("batch/v1", "Job", "jobs", "nightly-2890")
	withOwner(job, cron)
	refs := job.GetOwnerReferences()
	refs[0].UID = ""
	job.SetOwnerReferences(refs)

	rels := discover(t, newOwnershipRule(), cron, job)
	assert.Equal(t, []string{"Job/jobs/nightly-2890"}, targetIDs(rels))
}

func TestForbiddenChildListKeepsOwnerRelationships(t *testing.T) {
	deploy, rs, pod1, _ := nginxFixture()
	backend := newFakeBackend(deploy, rs, pod1)
	backend.denied["Pod"] = true

	rels, err := newOwnershipRule().Discover(context.Background(), rs, backend)
	require.NoError(t, err)
	assert.Equal(t, []string{"Deployment/default/nginx"}, sourceIDs(rels))

	g, err := NewGraphBuilder(backend, WithRegistry(builtinRegistry())).
		BuildFromResource(context.Background(), ref("ReplicaSet", "nginx-7f8c9", "default"), 1, DefaultBuildOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"Deployment:default:nginx"}, g.Predecessors("ReplicaSet:default:nginx:abc123"))
	assert.Empty(t, g.Metadata.Stats.RuleErrors)
}

func TestPodSpecRule(t *testing.T) {
	pod := newObject("v1", "Pod", "default", "web")
	withField(pod, map[string]interface{}{
		"serviceAccountName": "web",
		"nodeName":           "node-1",
		"priorityClassName":  "critical",
		"imagePullSecrets":   []interface{}{map[string]interface{}{"name": "registry"}},
		"volumes": []interface{}{
			map[string]interface{}{"name": "cfg", "configMap": map[string]interface{}{"name": "web-config"}},
			map[string]interface{}{"name": "data", "persistentVolumeClaim": map[string]interface{}{"claimName": "web-data"}},
			map[string]interface{}{"name": "all", "projected": map[string]interface{}{"sources": []interface{}{
				map[string]interface{}{"secret": map[string]interface{}{"name": "projected-secret"}},
			}}},
		},
		"initContainers": containers(map[string]interface{}{
			"name":    "migrate",
			"envFrom": []interface{}{map[string]interface{}{"secretRef": map[string]interface{}{"name": "db"}}},
		}),
		"containers": containers(map[string]interface{}{
			"name": "app",
			"env": []interface{}{
				map[string]interface{}{"name": "MODE", "valueFrom": map[string]interface{}{
					"configMapKeyRef": map[string]interface{}{"name": "flags", "key": "mode"},
				}},
				map[string]interface{}{"name": "PLAIN", "value": "x"},
			},
		}),
	}, "spec")

	rels := discover(t, newPodSpecRule(), pod)

	assert.Equal(t, []string{"ServiceAccount/default/web"}, targetIDs(relationshipsOfKind(rels, RelationshipServiceAccount)))
	assert.Equal(t, []string{"ConfigMap/default/web-config", "Secret/default/projected-secret"}, targetIDs(relationshipsOfKind(rels, RelationshipVolume)))
	assert.Equal(t, []string{"PersistentVolumeClaim/default/web-data"}, targetIDs(relationshipsOfKind(rels, RelationshipPVC)))
	assert.Equal(t, []string{"Secret/default/db"}, targetIDs(relationshipsOfKind(rels, RelationshipEnvFrom)))
	envVars := relationshipsOfKind(rels, RelationshipEnvVar)
	require.Len(t, envVars, 1)
	assert.Equal(t, "app/MODE", envVars[0].Detail)
	assert.Equal(t, []string{"Secret/default/registry"}, targetIDs(relationshipsOfKind(rels, RelationshipImagePullSecret)))
	assert.Equal(t, []string{"Node//node-1"}, targetIDs(relationshipsOfKind(rels, RelationshipScheduledOn)))
	assert.Equal(t, []string{"PriorityClass//critical"}, targetIDs(relationshipsOfKind(rels, RelationshipPriorityClass)))
}

func TestPodSpecRuleReadsCronJobTemplate(t *testing.T) {
	cron := newObject("batch/v1", "CronJob", "jobs", "report")
	withField(cron, containers(map[string]interface{}{
		"name":    "report",
		"envFrom": []interface{}{map[string]interface{}{"configMapRef": map[string]interface{}{"name": "report-env"}}},
	}), "spec", "jobTemplate", "spec", "template", "spec", "containers")

	rels := discover(t, newPodSpecRule(), cron)
	assert.Equal(t, []string{"ConfigMap/jobs/report-env"}, targetIDs(rels))
}

func TestServiceRule(t *testing.T) {
	svc := newObject("v1", "Service", "shop", "api")
	withField(svc, map[string]interface{}{"app": "api"}, "spec", "selector")
	match := withLabels(newObject("v1", "Pod", "shop", "api-1"), "app", "api", "tier", "web")
	miss := withLabels(newObject("v1", "Pod", "shop", "db-1"), "app", "db")
	elsewhere := withLabels(newObject("v1", "Pod", "other", "api-1"), "app", "api")
	slice := withLabels(newObject("discovery.k8s.io/v1", "EndpointSlice", "shop", "api-x7k2"), "kubernetes.io/service-name", "api")

	rels := discover(t, newSelectorRule(), svc, match, miss, elsewhere, slice)
	assert.Equal(t, []string{"Pod/shop/api-1"}, targetIDs(relationshipsOfKind(rels, RelationshipLabelSelector)))
	assert.Equal(t, []string{"EndpointSlice/shop/api-x7k2"}, targetIDs(relationshipsOfKind(rels, RelationshipEndpointSlice)))

	reverse := discover(t, newSelectorRule(), match, svc)
	assert.Equal(t, []string{"Service/shop/api"}, sourceIDs(reverse))
}

func TestServiceRuleIgnoresEmptySelector(t *testing.T) {
	svc := newObject("v1", "Service", "shop", "external")
	pod := withLabels(newObject("v1", "Pod", "shop", "api-1"), "app", "api")

	assert.Empty(t, discover(t, newSelectorRule(), svc, pod))
	assert.Empty(t, discover(t, newSelectorRule(), pod, svc))
}

func TestDisruptionBudgetSelectsPods(t *testing.T) {
	pdb := newObject("policy/v1", "PodDisruptionBudget", "shop", "api")
	withField(pdb, map[string]interface{}{
		"matchExpressions": []interface{}{
			map[string]interface{}{"key": "app", "operator": "In", "values": []interface{}{"api", "web"}},
		},
	}, "spec", "selector")
	web := withLabels(newObject("v1", "Pod", "shop", "web-1"), "app", "web")
	db := withLabels(newObject("v1", "Pod", "shop", "db-1"), "app", "db")

	rels := discover(t, newSelectorRule(), pdb, web, db)
	assert.Equal(t, []string{"Pod/shop/web-1"}, targetIDs(rels))
}

func TestStorageRule(t *testing.T) {
	pvc := newObject("v1", "PersistentVolumeClaim", "db", "data-pg-0")
	withField(pvc, "fast", "spec", "storageClassName")
	withField(pvc, "pv-123", "spec", "volumeName")
	assert.Equal(t, []string{"StorageClass//fast", "PersistentVolume//pv-123"}, targetIDs(discover(t, newStorageRule(), pvc)))

	pv := newObject("v1", "PersistentVolume", "", "pv-123")
	withField(pv, map[string]interface{}{"name": "data-pg-0", "namespace": "db"}, "spec", "claimRef")
	rels := discover(t, newStorageRule(), pv)
	require.Len(t, rels, 1)
	assert.Equal(t, "PersistentVolumeClaim/db/data-pg-0", sourceIDs(rels)[0])
	assert.Equal(t, RelationshipBoundVolume, rels[0].Kind)

	sts := newObject("apps/v1", "StatefulSet", "db", "pg")
	withField(sts, []interface{}{
		map[string]interface{}{
			"metadata": map[string]interface{}{"name": "data"},
			"spec":     map[string]interface{}{"storageClassName": "fast"},
		},
	}, "spec", "volumeClaimTemplates")
	unrelated := newObject("v1", "PersistentVolumeClaim", "db", "logs-pg-0")
	rels = discover(t, newStorageRule(), sts, pvc, unrelated)
	assert.Equal(t, []string{"StorageClass//fast", "PersistentVolumeClaim/db/data-pg-0"}, targetIDs(rels))
}

func TestAutoscalingRule(t *testing.T) {
	hpa := newObject("autoscaling/v2", "HorizontalPodAutoscaler", "shop", "api")
	withField(hpa, map[string]interface{}{"kind": "Deployment", "name": "api", "apiVersion": "apps/v1"}, "spec", "scaleTargetRef")
	deploy := newObject("apps/v1", "Deployment", "shop", "api")
	other := newObject("apps/v1", "Deployment", "shop", "worker")

	rels := discover(t, newAutoscalingRule(), hpa)
	require.Len(t, rels, 1)
	assert.Equal(t, "apps/v1", rels[0].Target.APIVersion)
	assert.Equal(t, RelationshipScales, rels[0].Kind)

	assert.Equal(t, []string{"HorizontalPodAutoscaler/shop/api"}, sourceIDs(discover(t, newAutoscalingRule(), deploy, hpa)))
	assert.Empty(t, discover(t, newAutoscalingRule(), other, hpa))
}

func TestRBACRule(t *testing.T) {
	crb := newObject("rbac.authorization.k8s.io/v1", "ClusterRoleBinding", "", "ops-admin")
	withField(crb, map[string]interface{}{"kind": "ClusterRole", "name": "admin", "apiGroup": "rbac.authorization.k8s.io"}, "roleRef")
	withField(crb, []interface{}{
		map[string]interface{}{"kind": "ServiceAccount", "name": "ops", "namespace": "tools"},
		map[string]interface{}{"kind": "User", "name": "jane", "apiGroup": "rbac.authorization.k8s.io"},
	}, "subjects")

	rels := discover(t, newRBACRule(), crb)
	assert.Equal(t, []string{"ClusterRole//admin"}, targetIDs(relationshipsOfKind(rels, RelationshipRoleBinding)))
	assert.Equal(t, []string{"ServiceAccount/tools/ops"}, targetIDs(relationshipsOfKind(rels, RelationshipRBACSubject)))

	rb := newObject("rbac.authorization.k8s.io/v1", "RoleBinding", "tools", "ops-read")
	withField(rb, map[string]interface{}{"kind": "Role", "name": "reader", "apiGroup": "rbac.authorization.k8s.io"}, "roleRef")
	withField(rb, []interface{}{map[string]interface{}{"kind": "ServiceAccount", "name": "ops"}}, "subjects")
	assert.Contains(t, targetIDs(discover(t, newRBACRule(), rb)), "Role/tools/reader")

	sa := newObject("v1", "ServiceAccount", "tools", "ops")
	assert.ElementsMatch(t, []string{"RoleBinding/tools/ops-read", "ClusterRoleBinding//ops-admin"}, sourceIDs(discover(t, newRBACRule(), sa, crb, rb)))
}

func TestRBACRuleSkipsForbiddenBindingKinds(t *testing.T) {
	rb := newObject("rbac.authorization.k8s.io/v1", "RoleBinding", "tools", "ops-read")
	withField(rb, map[string]interface{}{"kind": "Role", "name": "reader", "apiGroup": "rbac.authorization.k8s.io"}, "roleRef")
	withField(rb, []interface{}{map[string]interface{}{"kind": "ServiceAccount", "name": "ops"}}, "subjects")
	backend := newFakeBackend(rb)
	backend.denied["ClusterRoleBinding"] = true

	rels, err := newRBACRule().Discover(context.Background(), newObject("v1", "ServiceAccount", "tools", "ops"), backend)
	require.NoError(t, err)
	assert.Equal(t, []string{"RoleBinding/tools/ops-read"}, sourceIDs(rels))
}

func TestNetworkPolicyRule(t *testing.T) {
	np := newObject("networking.k8s.io/v1", "NetworkPolicy", "shop", "api-ingress")
	withField(np, map[string]interface{}{
		"podSelector": map[string]interface{}{"matchLabels": map[string]interface{}{"app": "api"}},
		"ingress": []interface{}{
			map[string]interface{}{"from": []interface{}{
				map[string]interface{}{"podSelector": map[string]interface{}{"matchLabels": map[string]interface{}{"app": "web"}}},
				map[string]interface{}{
					"podSelector":       map[string]interface{}{"matchLabels": map[string]interface{}{"app": "web"}},
					"namespaceSelector": map[string]interface{}{"matchLabels": map[string]interface{}{"team": "x"}},
				},
			}},
		},
		"egress": []interface{}{
			map[string]interface{}{"to": []interface{}{
				map[string]interface{}{"podSelector": map[string]interface{}{"matchExpressions": []interface{}{
					map[string]interface{}{"key": "app", "operator": "In", "values": []interface{}{"db"}},
				}}},
			}},
		},
	}, "spec")
	api := withLabels(newObject("v1", "Pod", "shop", "api-1"), "app", "api")
	web := withLabels(newObject("v1", "Pod", "shop", "web-1"), "app", "web")
	db := withLabels(newObject("v1", "Pod", "shop", "db-1"), "app", "db")

	rels := discover(t, newNetworkPolicyRule(), np, api, web, db)
	assert.Equal(t, []string{"Pod/shop/api-1"}, targetIDs(relationshipsOfKind(rels, RelationshipNetworkPolicy)))
	assert.Equal(t, []string{"Pod/shop/web-1"}, targetIDs(relationshipsOfKind(rels, RelationshipNetworkPolicyIngress)))
	assert.Equal(t, []string{"Pod/shop/db-1"}, targetIDs(relationshipsOfKind(rels, RelationshipNetworkPolicyEgress)))

	assert.Equal(t, []string{"NetworkPolicy/shop/api-ingress"}, sourceIDs(discover(t, newNetworkPolicyRule(), api, np)))
	assert.Empty(t, discover(t, newNetworkPolicyRule(), web, np))
}

func TestIngressRule(t *testing.T) {
	ing := newObject("networking.k8s.io/v1", "Ingress", "shop", "public")
	withField(ing, map[string]interface{}{
		"ingressClassName": "nginx",
		"defaultBackend":   map[string]interface{}{"service": map[string]interface{}{"name": "fallback", "port": map[string]interface{}{"number": int64(80)}}},
		"tls":              []interface{}{map[string]interface{}{"hosts": []interface{}{"shop.example.com"}, "secretName": "shop-tls"}},
		"rules": []interface{}{
			map[string]interface{}{
				"host": "shop.example.com",
				"http": map[string]interface{}{"paths": []interface{}{
					map[string]interface{}{"path": "/api", "pathType": "Prefix", "backend": map[string]interface{}{
						"service": map[string]interface{}{"name": "api", "port": map[string]interface{}{"number": int64(8080)}},
					}},
				}},
			},
		},
	}, "spec")

	rels := discover(t, newIngressRule(), ing)
	backends := relationshipsOfKind(rels, RelationshipIngressBackend)
	assert.Equal(t, []string{"Service/shop/fallback", "Service/shop/api"}, targetIDs(backends))
	assert.Equal(t, "shop.example.com/api", backends[1].Detail)
	assert.Equal(t, []string{"Secret/shop/shop-tls"}, targetIDs(relationshipsOfKind(rels, RelationshipIngressTLS)))
	assert.Equal(t, []string{"IngressClass//nginx"}, targetIDs(relationshipsOfKind(rels, RelationshipIngressClass)))

	svc := newObject("v1", "Service", "shop", "api")
	assert.Equal(t, []string{"Ingress/shop/public"}, sourceIDs(discover(t, newIngressRule(), svc, ing)))
}

func TestBuiltinRulesAreCategorized(t *testing.T) {
	for _, rule := range BuiltinRules() {
		cr, ok := rule.(CategorizedRule)
		require.True(t, ok, rule.Name())
		assert.NotEmpty(t, cr.Category())
		assert.Equal(t, BuiltinPriority, rule.Priority())
	}
}
