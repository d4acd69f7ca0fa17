package canvas

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const (
	// BuiltinPriority is the priority of every rule shipped in this package.
	BuiltinPriority = 50
	// DefaultPluginPriority is the priority of rules that do not choose one.
	// It is above BuiltinPriority so plugin rules run first.
	DefaultPluginPriority = 100
)

// Rule discovers relationships of the resources it supports.
type Rule interface {
	// Name identifies the rule in logs, metrics and registry listings.
	Name() string
	Supports(obj *unstructured.Unstructured) bool
	// Discover returns the relationships of obj. The backend may be used to
	// look up related resources.
	Discover(ctx context.Context, obj *unstructured.Unstructured, backend Backend) ([]Relationship, error)
	Priority() int
}

// CategorizedRule is a Rule whose output belongs to a single category. The
// orchestrator skips it when that category is disabled.
type CategorizedRule interface {
	Rule
	Category() Category
}

// RuleFuncs builds a Rule from functions. A nil SupportsFunc matches every
// resource and a zero RulePriority means DefaultPluginPriority.
type RuleFuncs struct {
	RuleName     string
	RulePriority int
	SupportsFunc func(obj *unstructured.Unstructured) bool
	DiscoverFunc func(ctx context.Context, obj *unstructured.Unstructured, backend Backend) ([]Relationship, error)
}

func (r RuleFuncs) Name() string {
	return r.RuleName
}

func (r RuleFuncs) Supports(obj *unstructured.Unstructured) bool {
	if r.SupportsFunc == nil {
		return true
	}
	return r.SupportsFunc(obj)
}

func (r RuleFuncs) Discover(ctx context.Context, obj *unstructured.Unstructured, backend Backend) ([]Relationship, error) {
	if r.DiscoverFunc == nil {
		return nil, nil
	}
	return r.DiscoverFunc(ctx, obj, backend)
}

func (r RuleFuncs) Priority() int {
	if r.RulePriority == 0 {
		return DefaultPluginPriority
	}
	return r.RulePriority
}

// SupportsKinds returns a predicate matching the listed kinds.
func SupportsKinds(kinds ...string) func(obj *unstructured.Unstructured) bool {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(obj *unstructured.Unstructured) bool {
		_, ok := set[obj.GetKind()]
		return ok
	}
}

// builtinRule is embedded by the native rules.
type builtinRule struct {
	name     string
	category Category
	kinds    map[string]struct{}
}

func newBuiltinRule(name string, category Category, kinds ...string) builtinRule {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return builtinRule{name: name, category: category, kinds: set}
}

func (b builtinRule) Name() string       { return b.name }
func (b builtinRule) Priority() int      { return BuiltinPriority }
func (b builtinRule) Category() Category { return b.category }

func (b builtinRule) Supports(obj *unstructured.Unstructured) bool {
	_, ok := b.kinds[obj.GetKind()]
	return ok
}
