package handlers

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const (
	airflowGroup          = "airflow.apache.org"
	airflowClusterLabel   = "airflow.apache.org/cluster"
	airflowComponentLabel = "airflow.apache.org/component"
)

// airflowHandler links an Airflow cluster to the workloads, worker pods and
// volume claims that make it up.
type airflowHandler struct {
	base
}

func newAirflowHandler() *airflowHandler {
	return &airflowHandler{base: base{name: "airflow", kinds: []Kind{
		kind(airflowGroup, "v1alpha1", "airflowclusters", "AirflowCluster", true),
		kind(airflowGroup, "v1alpha1", "airflowbases", "AirflowBase", true),
	}}}
}

// Supports matches any airflow group, since operators publish the kinds
// under different groups.
func (h *airflowHandler) Supports(obj *unstructured.Unstructured) bool {
	if !strings.Contains(canvas.APIGroup(obj.GetAPIVersion()), "airflow") {
		return false
	}
	for _, k := range h.kinds {
		if k.Kind == obj.GetKind() {
			return true
		}
	}
	return false
}

func (h *airflowHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	ns := obj.GetNamespace()
	name := obj.GetName()
	var rels []canvas.Relationship

	for _, k := range []string{"StatefulSet", "Deployment"} {
		items, err := labelled(ctx, backend, self, k, ns, labels.Set{airflowClusterLabel: name}, RelationshipAirflowComponent, "")
		if err != nil {
			return nil, err
		}
		rels = append(rels, items...)
	}

	workers, err := labelled(ctx, backend, self, "Pod", ns, labels.Set{airflowClusterLabel: name, airflowComponentLabel: "worker"}, RelationshipAirflowComponent, "worker")
	if err != nil {
		return nil, err
	}
	rels = append(rels, workers...)

	claims, err := canvas.ListAll(ctx, backend, "PersistentVolumeClaim", ns)
	if err != nil {
		return nil, errors.Wrapf(err, "listing claims of %s", self)
	}
	for i := range claims {
		claim := &claims[i]
		if claim.GetLabels()[airflowClusterLabel] != name && !strings.HasPrefix(claim.GetName(), name+"-") {
			continue
		}
		rels = append(rels, relate(self, canvas.IdentifierFor(claim), canvas.RelationshipPVC, ""))
	}
	return rels, nil
}
