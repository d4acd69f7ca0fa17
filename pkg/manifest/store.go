// Package manifest serves resources from manifest files so graphs can be
// built without a cluster.
package manifest

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

// Store is an in-memory canvas.Backend. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*unstructured.Unstructured
	order   []string
	denied  map[string]struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		objects: make(map[string]*unstructured.Unstructured),
		denied:  make(map[string]struct{}),
	}
}

func objectKey(kind, namespace, name string) string {
	return kind + "/" + namespace + "/" + name
}

func denyKey(kind, namespace string) string {
	return kind + "/" + namespace
}

// Add stores objs, replacing earlier objects with the same kind, namespace
// and name.
func (s *Store) Add(objs ...*unstructured.Unstructured) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range objs {
		if err := canvas.IdentifierFor(obj).Validate(); err != nil {
			return err
		}
		key := objectKey(obj.GetKind(), obj.GetNamespace(), obj.GetName())
		if _, ok := s.objects[key]; !ok {
			s.order = append(s.order, key)
		}
		s.objects[key] = obj.DeepCopy()
	}
	return nil
}

// Deny makes reads of kind in namespace fail with canvas.ErrPermissionDenied.
// An empty namespace denies the kind everywhere.
func (s *Store) Deny(kind, namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[denyKey(kind, namespace)] = struct{}{}
}

func (s *Store) isDenied(kind, namespace string) bool {
	if _, ok := s.denied[denyKey(kind, "")]; ok {
		return true
	}
	_, ok := s.denied[denyKey(kind, namespace)]
	return ok
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Namespaces returns the sorted namespaces of stored objects.
func (s *Store) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, obj := range s.objects {
		ns := obj.GetNamespace()
		if _, ok := seen[ns]; ok || ns == "" {
			continue
		}
		seen[ns] = struct{}{}
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// GetResource implements canvas.Backend.
func (s *Store) GetResource(ctx context.Context, id canvas.ResourceIdentifier) (*unstructured.Unstructured, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isDenied(id.Kind, id.Namespace) {
		return nil, errors.Wrapf(canvas.ErrPermissionDenied, "get %s", id)
	}
	obj, ok := s.objects[objectKey(id.Kind, id.Namespace, id.Name)]
	if !ok {
		return nil, errors.Wrapf(canvas.ErrNotFound, "get %s", id)
	}
	return obj.DeepCopy(), nil
}

// ListResources implements canvas.Backend. Results keep load order.
func (s *Store) ListResources(ctx context.Context, kind, namespace, labelSelector string) (*canvas.ResourceList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	selector, err := labels.Parse(labelSelector)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing label selector %q", labelSelector)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isDenied(kind, namespace) {
		return nil, errors.Wrapf(canvas.ErrPermissionDenied, "list %s in %q", kind, namespace)
	}

	list := &canvas.ResourceList{}
	for _, key := range s.order {
		obj := s.objects[key]
		if obj.GetKind() != kind {
			continue
		}
		if namespace != "" && obj.GetNamespace() != namespace {
			continue
		}
		if !selector.Matches(labels.Set(obj.GetLabels())) {
			continue
		}
		list.Items = append(list.Items, *obj.DeepCopy())
	}
	return list, nil
}
