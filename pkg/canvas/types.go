package canvas

import (
	"fmt"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// ErrInvalidIdentifier is returned for identifiers that cannot seed a build.
var ErrInvalidIdentifier = errors.New("invalid resource identifier")

// ErrInvalidOptions is returned for a negative depth or out of range build
// options.
var ErrInvalidOptions = errors.New("invalid build options")

// ResourceIdentifier references a single resource. An empty Namespace means
// the resource is cluster-scoped.
type ResourceIdentifier struct {
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	Namespace  string `json:"namespace,omitempty"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// NewResourceIdentifier creates a validated identifier.
func NewResourceIdentifier(kind, name, namespace string) (ResourceIdentifier, error) {
	id := ResourceIdentifier{Kind: kind, Name: name, Namespace: namespace}
	if err := id.Validate(); err != nil {
		return ResourceIdentifier{}, err
	}
	return id, nil
}

// IdentifierFor returns the identifier of a raw resource.
func IdentifierFor(obj *unstructured.Unstructured) ResourceIdentifier {
	return ResourceIdentifier{
		Kind:       obj.GetKind(),
		Name:       obj.GetName(),
		Namespace:  obj.GetNamespace(),
		APIVersion: obj.GetAPIVersion(),
	}
}

// Validate rejects identifiers without a name or with a kind that is empty or
// not capitalised.
func (r ResourceIdentifier) Validate() error {
	if r.Kind == "" {
		return errors.Wrap(ErrInvalidIdentifier, "kind is required")
	}
	if !unicode.IsUpper([]rune(r.Kind)[0]) {
		return errors.Wrapf(ErrInvalidIdentifier, "kind %q must start with an upper-case letter", r.Kind)
	}
	if r.Name == "" {
		return errors.Wrapf(ErrInvalidIdentifier, "name is required for %s", r.Kind)
	}
	return nil
}

// IsClusterScoped reports whether the identifier has no namespace.
func (r ResourceIdentifier) IsClusterScoped() bool {
	return r.Namespace == ""
}

// Equal compares two identifiers. APIVersion only participates when both
// sides carry one, since list responses often omit it.
func (r ResourceIdentifier) Equal(other ResourceIdentifier) bool {
	if r.Kind != other.Kind || r.Name != other.Name || r.Namespace != other.Namespace {
		return false
	}
	if r.APIVersion == "" || other.APIVersion == "" {
		return true
	}
	return r.APIVersion == other.APIVersion
}

// lookupKey identifies the resource regardless of APIVersion.
func (r ResourceIdentifier) lookupKey() string {
	return r.Kind + "/" + r.Namespace + "/" + r.Name
}

func (r ResourceIdentifier) String() string {
	if r.IsClusterScoped() {
		return fmt.Sprintf("%s/%s", r.Kind, r.Name)
	}
	return fmt.Sprintf("%s/%s (ns: %s)", r.Kind, r.Name, r.Namespace)
}

// RelationshipKind names the type of a discovered relationship. Rules may
// introduce kinds of their own.
type RelationshipKind string

const (
	RelationshipOwned                RelationshipKind = "owned"
	RelationshipLabelSelector        RelationshipKind = "label_selector"
	RelationshipVolume               RelationshipKind = "volume"
	RelationshipPVC                  RelationshipKind = "pvc"
	RelationshipEnvFrom              RelationshipKind = "env_from"
	RelationshipEnvVar               RelationshipKind = "env_var"
	RelationshipServiceAccount       RelationshipKind = "service_account"
	RelationshipImagePullSecret      RelationshipKind = "image_pull_secret"
	RelationshipScheduledOn          RelationshipKind = "scheduled_on"
	RelationshipPriorityClass        RelationshipKind = "priority_class"
	RelationshipStorageClass         RelationshipKind = "storage_class"
	RelationshipBoundVolume          RelationshipKind = "bound_volume"
	RelationshipScales               RelationshipKind = "scales"
	RelationshipEndpointSlice        RelationshipKind = "endpoint_slice"
	RelationshipRoleBinding          RelationshipKind = "role_binding"
	RelationshipRBACSubject          RelationshipKind = "rbac_subject"
	RelationshipNetworkPolicy        RelationshipKind = "network_policy"
	RelationshipNetworkPolicyIngress RelationshipKind = "network_policy_ingress"
	RelationshipNetworkPolicyEgress  RelationshipKind = "network_policy_egress"
	RelationshipIngressBackend       RelationshipKind = "ingress_backend"
	RelationshipIngressTLS           RelationshipKind = "ingress_tls"
	RelationshipIngressClass         RelationshipKind = "ingress_class"
)

// Category groups relationship kinds so whole classes can be switched off.
type Category string

const (
	CategoryCore            Category = "core"
	CategoryRBAC            Category = "rbac"
	CategoryNetwork         Category = "network"
	CategoryCustomResources Category = "customResources"
)

var kindCategories = map[RelationshipKind]Category{
	RelationshipOwned:                CategoryCore,
	RelationshipLabelSelector:        CategoryCore,
	RelationshipVolume:               CategoryCore,
	RelationshipPVC:                  CategoryCore,
	RelationshipEnvFrom:              CategoryCore,
	RelationshipEnvVar:               CategoryCore,
	RelationshipServiceAccount:       CategoryCore,
	RelationshipImagePullSecret:      CategoryCore,
	RelationshipScheduledOn:          CategoryCore,
	RelationshipPriorityClass:        CategoryCore,
	RelationshipStorageClass:         CategoryCore,
	RelationshipBoundVolume:          CategoryCore,
	RelationshipScales:               CategoryCore,
	RelationshipEndpointSlice:        CategoryCore,
	RelationshipRoleBinding:          CategoryRBAC,
	RelationshipRBACSubject:          CategoryRBAC,
	RelationshipNetworkPolicy:        CategoryNetwork,
	RelationshipNetworkPolicyIngress: CategoryNetwork,
	RelationshipNetworkPolicyEgress:  CategoryNetwork,
	RelationshipIngressBackend:       CategoryNetwork,
	RelationshipIngressTLS:           CategoryNetwork,
	RelationshipIngressClass:         CategoryNetwork,
}

// Category returns the category of k. Kinds that are not built in belong to
// CategoryCustomResources.
func (k RelationshipKind) Category() Category {
	if c, ok := kindCategories[k]; ok {
		return c
	}
	return CategoryCustomResources
}

// Relationship is a directed edge produced by a discovery rule.
type Relationship struct {
	Source ResourceIdentifier `json:"source"`
	Target ResourceIdentifier `json:"target"`
	Kind   RelationshipKind   `json:"kind"`
	Detail string             `json:"detail,omitempty"`
}

const (
	// DefaultMaxNodes bounds a build when BuildOptions.MaxNodes is unset.
	DefaultMaxNodes = 500
	// MaxNodesLimit is the largest accepted BuildOptions.MaxNodes.
	MaxNodesLimit = 10000
)

// BuildOptions configures a single build.
type BuildOptions struct {
	// Categories switches relationship categories on or off. Missing entries
	// are enabled; CategoryCore cannot be disabled.
	Categories map[Category]bool `json:"categories,omitempty"`
	// MaxNodes caps the number of nodes in the result. Zero means DefaultMaxNodes.
	MaxNodes int `json:"maxNodes,omitempty" validate:"omitempty,min=1,max=10000"`
	// ClusterID is attached to every node when set.
	ClusterID string `json:"clusterId,omitempty" validate:"omitempty,max=253"`
}

var optionsValidator = validator.New()

// DefaultBuildOptions returns options with every category enabled.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		Categories: map[Category]bool{
			CategoryRBAC:            true,
			CategoryNetwork:         true,
			CategoryCustomResources: true,
		},
		MaxNodes: DefaultMaxNodes,
	}
}

// Validate checks option bounds.
func (o BuildOptions) Validate() error {
	if err := optionsValidator.Struct(o); err != nil {
		return errors.Wrapf(ErrInvalidOptions, "%v", err)
	}
	return nil
}

// Includes reports whether relationships of category c are collected.
func (o BuildOptions) Includes(c Category) bool {
	if c == CategoryCore {
		return true
	}
	enabled, ok := o.Categories[c]
	return !ok || enabled
}

func (o BuildOptions) maxNodes() int {
	if o.MaxNodes <= 0 {
		return DefaultMaxNodes
	}
	return o.MaxNodes
}
