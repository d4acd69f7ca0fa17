package canvas

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
)

// fakeBackend serves resources from memory.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string]*unstructured.Unstructured
	order   []string
	denied  map[string]bool
	failing map[string]error
	gets    map[string]int
}

func newFakeBackend(objs ...*unstructured.Unstructured) *fakeBackend {
	f := &fakeBackend{
		objects: make(map[string]*unstructured.Unstructured),
		denied:  make(map[string]bool),
		failing: make(map[string]error),
		gets:    make(map[string]int),
	}
	f.add(objs...)
	return f
}

func (f *fakeBackend) add(objs ...*unstructured.Unstructured) {
	for _, obj := range objs {
		key := IdentifierFor(obj).lookupKey()
		if _, ok := f.objects[key]; !ok {
			f.order = append(f.order, key)
		}
		f.objects[key] = obj
	}
}

func (f *fakeBackend) getCount(id ResourceIdentifier) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[id.lookupKey()]
}

func (f *fakeBackend) GetResource(ctx context.Context, id ResourceIdentifier) (*unstructured.Unstructured, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gets[id.lookupKey()]++
	if f.denied[id.Kind] {
		return nil, errors.Wrapf(ErrPermissionDenied, "get %s", id)
	}
	if err, ok := f.failing[id.Kind]; ok {
		return nil, err
	}
	obj, ok := f.objects[id.lookupKey()]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "get %s", id)
	}
	return obj.DeepCopy(), nil
}

func (f *fakeBackend) ListResources(ctx context.Context, kind, namespace, selector string) (*ResourceList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.denied[kind] {
		return nil, errors.Wrapf(ErrPermissionDenied, "list %s", kind)
	}
	if err, ok := f.failing[kind]; ok {
		return nil, err
	}
	sel, err := labels.Parse(selector)
	if err != nil {
		return nil, err
	}

	list := &ResourceList{}
	for _, key := range f.order {
		obj := f.objects[key]
		if obj.GetKind() != kind {
			continue
		}
		if namespace != "" && obj.GetNamespace() != namespace {
			continue
		}
		if !sel.Matches(labels.Set(obj.GetLabels())) {
			continue
		}
		list.Items = append(list.Items, *obj.DeepCopy())
	}
	return list, nil
}

func newObject(apiVersion, kind, namespace, name string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{Object: map[string]interface{}{}}
	u.SetAPIVersion(apiVersion)
	u.SetKind(kind)
	u.SetNamespace(namespace)
	u.SetName(name)
	u.SetUID(types.UID(kind + "-" + namespace + "-" + name))
	return u
}

func withLabels(u *unstructured.Unstructured, kv ...string) *unstructured.Unstructured {
	l := u.GetLabels()
	if l == nil {
		l = map[string]string{}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		l[kv[i]] = kv[i+1]
	}
	u.SetLabels(l)
	return u
}

func withOwner(u, owner *unstructured.Unstructured) *unstructured.Unstructured {
	controller := true
	refs := append(u.GetOwnerReferences(), metav1.OwnerReference{
		APIVersion: owner.GetAPIVersion(),
		Kind:       owner.GetKind(),
		Name:       owner.GetName(),
		UID:        owner.GetUID(),
		Controller: &controller,
	})
	u.SetOwnerReferences(refs)
	return u
}

func withField(u *unstructured.Unstructured, value interface{}, fields ...string) *unstructured.Unstructured {
	if err := unstructured.SetNestedField(u.Object, value, fields...); err != nil {
		panic(err)
	}
	return u
}

// nginxFixture is a Deployment with one ReplicaSet and two pods.
func nginxFixture() (deploy, rs, pod1, pod2 *unstructured.Unstructured) {
	deploy = newObject("apps/v1", "Deployment", "default", "nginx")
	rs = withOwner(withLabels(newObject("apps/v1", "ReplicaSet", "default", "nginx-7f8c9"), TemplateHashLabel, "abc123"), deploy)
	pod1 = withOwner(withLabels(newObject("v1", "Pod", "default", "nginx-7f8c9-aa1"), TemplateHashLabel, "abc123"), rs)
	pod2 = withOwner(withLabels(newObject("v1", "Pod", "default", "nginx-7f8c9-aa2"), TemplateHashLabel, "abc123"), rs)
	return deploy, rs, pod1, pod2
}

func containers(items ...map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}

func relationshipsOfKind(rels []Relationship, kind RelationshipKind) []Relationship {
	var out []Relationship
	for _, rel := range rels {
		if rel.Kind == kind {
			out = append(out, rel)
		}
	}
	return out
}
