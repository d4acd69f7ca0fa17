package handlers

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const (
	sparkGroup          = "sparkoperator.k8s.io"
	sparkAppLabel       = "sparkoperator.k8s.io/app-name"
	sparkScheduledLabel = "sparkoperator.k8s.io/scheduled-app-name"
	sparkRoleLabel      = "spark-role"
)

// sparkHandler links Spark applications to their driver and executor pods
// and mounted volumes, and scheduled applications to their runs.
type sparkHandler struct {
	base
}

func newSparkHandler() *sparkHandler {
	return &sparkHandler{base: base{name: "spark", kinds: []Kind{
		kind(sparkGroup, "v1beta2", "sparkapplications", "SparkApplication", true),
		kind(sparkGroup, "v1beta2", "scheduledsparkapplications", "ScheduledSparkApplication", true),
	}}}
}

func (h *sparkHandler) Supports(obj *unstructured.Unstructured) bool {
	return h.owns(obj)
}

func (h *sparkHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	ns := obj.GetNamespace()

	if obj.GetKind() == "ScheduledSparkApplication" {
		return labelled(ctx, backend, self, "SparkApplication", ns, labels.Set{sparkScheduledLabel: obj.GetName()}, canvas.RelationshipOwned, "")
	}

	var rels []canvas.Relationship
	roles := []struct {
		name string
		rel  canvas.RelationshipKind
	}{{"driver", RelationshipSparkDriver}, {"executor", RelationshipSparkExecutor}}
	for _, role := range roles {
		pods, err := labelled(ctx, backend, self, "Pod", ns, labels.Set{sparkAppLabel: obj.GetName(), sparkRoleLabel: role.name}, role.rel, "")
		if err != nil {
			return nil, err
		}
		rels = append(rels, pods...)
	}

	if sa, _, _ := unstructured.NestedString(obj.Object, "spec", "driver", "serviceAccount"); sa != "" {
		rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "ServiceAccount", Name: sa, Namespace: ns}, canvas.RelationshipServiceAccount, "driver"))
	}
	volumes, _, _ := unstructured.NestedSlice(obj.Object, "spec", "volumes")
	return append(rels, volumeRefs(self, ns, volumes)...), nil
}
