package canvas

import (
	"context"
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

var (
	// ErrNotFound reports a resource that does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrPermissionDenied reports a read rejected by access control.
	ErrPermissionDenied = errors.New("permission denied")
)

// ResourceList is one result of Backend.ListResources.
type ResourceList struct {
	Items           []unstructured.Unstructured
	Continue        string
	ResourceVersion string
}

// Backend fetches raw resources. Implementations must wrap ErrNotFound and
// ErrPermissionDenied (or return the matching API status errors) so callers
// can tell recoverable failures from the rest.
type Backend interface {
	GetResource(ctx context.Context, id ResourceIdentifier) (*unstructured.Unstructured, error)
	// ListResources lists kind in namespace (all namespaces when empty)
	// filtered by a label selector in its string form.
	ListResources(ctx context.Context, kind, namespace, labelSelector string) (*ResourceList, error)
}

// IsNotFound reports whether err means the resource or its kind does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || apierrors.IsNotFound(err)
}

// IsPermissionDenied reports whether err means the read was not allowed.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPermissionDenied) || apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err)
}
