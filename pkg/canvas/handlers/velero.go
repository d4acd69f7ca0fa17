package handlers

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const (
	veleroGroup         = "velero.io"
	veleroScheduleLabel = "velero.io/schedule-name"
)

// veleroHandler links backups to the namespaces they capture and their
// storage location, schedules to the backups they produce and restores to
// their source backup.
type veleroHandler struct {
	base
}

func newVeleroHandler() *veleroHandler {
	return &veleroHandler{base: base{name: "velero", kinds: []Kind{
		kind(veleroGroup, "v1", "backups", "Backup", true),
		kind(veleroGroup, "v1", "restores", "Restore", true),
		kind(veleroGroup, "v1", "schedules", "Schedule", true),
		kind(veleroGroup, "v1", "backupstoragelocations", "BackupStorageLocation", true),
	}}}
}

func (h *veleroHandler) Supports(obj *unstructured.Unstructured) bool {
	return h.owns(obj, "Backup", "Restore", "Schedule")
}

func (h *veleroHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	ns := obj.GetNamespace()
	apiVersion := obj.GetAPIVersion()

	switch obj.GetKind() {
	case "Restore":
		name, _, _ := unstructured.NestedString(obj.Object, "spec", "backupName")
		if name == "" {
			return nil, nil
		}
		return []canvas.Relationship{relate(self, canvas.ResourceIdentifier{Kind: "Backup", Name: name, Namespace: ns, APIVersion: apiVersion}, RelationshipVeleroRestore, "")}, nil
	case "Schedule":
		return labelled(ctx, backend, self, "Backup", ns, labels.Set{veleroScheduleLabel: obj.GetName()}, canvas.RelationshipOwned, "")
	}

	var rels []canvas.Relationship
	included, _, _ := unstructured.NestedStringSlice(obj.Object, "spec", "includedNamespaces")
	for _, target := range included {
		if target == "*" || target == "" {
			continue
		}
		rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "Namespace", Name: target}, RelationshipVeleroBackup, ""))
	}
	if loc, _, _ := unstructured.NestedString(obj.Object, "spec", "storageLocation"); loc != "" {
		rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "BackupStorageLocation", Name: loc, Namespace: ns, APIVersion: apiVersion}, RelationshipVeleroBackup, "storageLocation"))
	}
	return rels, nil
}
