// Package kube reads resources from a live cluster through the dynamic client.
package kube

import (
	"context"
	"time"

	"github.com/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/agentkube/kubegraph/pkg/canvas"
	"github.com/agentkube/kubegraph/pkg/logger"
	"github.com/agentkube/kubegraph/pkg/metrics"
)

// DefaultPageSize is the number of items requested per list call.
const DefaultPageSize = 500

// Backend implements canvas.Backend against the Kubernetes API.
type Backend struct {
	client   dynamic.Interface
	kinds    *KindRegistry
	mapper   meta.RESTMapper
	pageSize int64
	timeout  time.Duration
}

// Option configures a Backend.
type Option func(*Backend)

// WithKindRegistry replaces the default kind registry.
func WithKindRegistry(r *KindRegistry) Option {
	return func(b *Backend) {
		if r != nil {
			b.kinds = r
		}
	}
}

// WithRESTMapper resolves kinds missing from the registry when the
// identifier carries an apiVersion.
func WithRESTMapper(m meta.RESTMapper) Option {
	return func(b *Backend) {
		b.mapper = m
	}
}

// WithPageSize sets the list page size.
func WithPageSize(n int64) Option {
	return func(b *Backend) {
		if n > 0 {
			b.pageSize = n
		}
	}
}

// WithRequestTimeout bounds each API call.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.timeout = d
	}
}

// NewBackend wraps a dynamic client.
func NewBackend(client dynamic.Interface, opts ...Option) *Backend {
	b := &Backend{
		client:   client,
		kinds:    NewKindRegistry(),
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Client returns the underlying dynamic client.
func (b *Backend) Client() dynamic.Interface {
	return b.client
}

// Kinds returns the backend's kind registry.
func (b *Backend) Kinds() *KindRegistry {
	return b.kinds
}

// resolve finds the mapping of kind, consulting the REST mapper when the
// registry does not know it.
func (b *Backend) resolve(kind, apiVersion string) (Mapping, error) {
	if m, ok := b.kinds.Lookup(kind, apiVersion); ok {
		return m, nil
	}
	if apiVersion != "" {
		if m, ok := b.kinds.Lookup(kind, ""); ok {
			return m, nil
		}
	}
	if b.mapper != nil && apiVersion != "" {
		gv, err := schema.ParseGroupVersion(apiVersion)
		if err == nil {
			rm, err := b.mapper.RESTMapping(gv.WithKind(kind).GroupKind(), gv.Version)
			if err == nil {
				m := Mapping{
					GroupVersionResource: rm.Resource,
					Kind:                 kind,
					Namespaced:           rm.Scope.Name() == meta.RESTScopeNameNamespace,
				}
				b.kinds.Register(m)
				return m, nil
			}
		}
	}
	return Mapping{}, errors.Wrapf(canvas.ErrNotFound, "no API resource serves kind %q", kind)
}

func (b *Backend) resource(m Mapping, namespace string) dynamic.ResourceInterface {
	res := b.client.Resource(m.GroupVersionResource)
	if m.Namespaced && namespace != "" {
		return res.Namespace(namespace)
	}
	return res
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// GetResource implements canvas.Backend.
func (b *Backend) GetResource(ctx context.Context, id canvas.ResourceIdentifier) (*unstructured.Unstructured, error) {
	m, err := b.resolve(id.Kind, id.APIVersion)
	if err != nil {
		return nil, err
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	obj, err := b.resource(m, id.Namespace).Get(ctx, id.Name, metav1.GetOptions{})
	if err != nil {
		return nil, b.mapError(err, "get", id.String())
	}
	metrics.ObserveRequest("get", "ok")
	setTypeMeta(obj, m)
	return obj, nil
}

// ListResources implements canvas.Backend. It follows continue tokens until
// the list is complete.
func (b *Backend) ListResources(ctx context.Context, kind, namespace, labelSelector string) (*canvas.ResourceList, error) {
	m, err := b.resolve(kind, "")
	if err != nil {
		return nil, err
	}
	if !m.Namespaced {
		namespace = ""
	}

	out := &canvas.ResourceList{}
	opts := metav1.ListOptions{LabelSelector: labelSelector, Limit: b.pageSize}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := b.listPage(ctx, m, namespace, opts)
		if err != nil {
			return nil, b.mapError(err, "list", kind+" in "+scopeName(namespace))
		}
		for i := range page.Items {
			setTypeMeta(&page.Items[i], m)
		}
		out.Items = append(out.Items, page.Items...)
		out.ResourceVersion = page.GetResourceVersion()
		if page.GetContinue() == "" {
			break
		}
		opts.Continue = page.GetContinue()
	}
	metrics.ObserveRequest("list", "ok")
	return out, nil
}

func (b *Backend) listPage(ctx context.Context, m Mapping, namespace string, opts metav1.ListOptions) (*unstructured.UnstructuredList, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.resource(m, namespace).List(ctx, opts)
}

// mapError wraps API status errors in the canvas sentinels.
func (b *Backend) mapError(err error, verb, what string) error {
	switch {
	case apierrors.IsNotFound(err):
		metrics.ObserveRequest(verb, "not_found")
		return errors.Wrapf(canvas.ErrNotFound, "%s %s: %v", verb, what, err)
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		metrics.ObserveRequest(verb, "denied")
		logger.Log(logger.LevelDebug, map[string]string{"verb": verb, "resource": what}, err, "access denied")
		return errors.Wrapf(canvas.ErrPermissionDenied, "%s %s: %v", verb, what, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		metrics.ObserveRequest(verb, "error")
		return errors.Wrapf(err, "%s %s", verb, what)
	}
}

// setTypeMeta fills apiVersion and kind, which list items may omit.
func setTypeMeta(obj *unstructured.Unstructured, m Mapping) {
	if obj.GetKind() == "" {
		obj.SetKind(m.Kind)
	}
	if obj.GetAPIVersion() == "" {
		obj.SetAPIVersion(m.GroupVersion().String())
	}
}

func scopeName(namespace string) string {
	if namespace == "" {
		return "all namespaces"
	}
	return namespace
}
