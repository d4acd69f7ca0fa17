package canvas

import (
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Registration types reported by Registry.List.
const (
	RegistrationGeneral  = "general"
	RegistrationOverride = "override"
)

// RuleInfo describes a registered rule.
type RuleInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Kind     string `json:"kind,omitempty"`
	Priority int    `json:"priority"`
}

// Registry holds general rules and per-kind overrides. It is safe for
// concurrent use; readers always see a consistent snapshot.
type Registry struct {
	mu        sync.RWMutex
	general   []Rule
	overrides map[string]Rule
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{overrides: make(map[string]Rule)}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry, populated with
// BuiltinRules on first use.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		for _, rule := range BuiltinRules() {
			defaultRegistry.Register(rule)
		}
	})
	return defaultRegistry
}

// Register adds a general rule. It participates for every resource its
// Supports predicate accepts.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.general = append(r.general, rule)
}

// Override installs rule as the only rule for kind, replacing any earlier
// override and shadowing all general rules.
func (r *Registry) Override(kind string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[kind] = rule
}

// RulesFor returns the rules to run for obj: the override for its kind if
// one exists, otherwise the supporting general rules by descending priority,
// in registration order for equal priorities.
func (r *Registry) RulesFor(obj *unstructured.Unstructured) []Rule {
	r.mu.RLock()
	override, ok := r.overrides[obj.GetKind()]
	general := append([]Rule(nil), r.general...)
	r.mu.RUnlock()

	if ok {
		return []Rule{override}
	}

	var rules []Rule
	for _, rule := range general {
		if rule.Supports(obj) {
			rules = append(rules, rule)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority() > rules[j].Priority()
	})
	return rules
}

// List describes every registered rule, general rules first in registration
// order, then overrides sorted by kind.
func (r *Registry) List() []RuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RuleInfo, 0, len(r.general)+len(r.overrides))
	for _, rule := range r.general {
		infos = append(infos, RuleInfo{Name: rule.Name(), Type: RegistrationGeneral, Priority: rule.Priority()})
	}

	kinds := make([]string, 0, len(r.overrides))
	for kind := range r.overrides {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		rule := r.overrides[kind]
		infos = append(infos, RuleInfo{Name: rule.Name(), Type: RegistrationOverride, Kind: kind, Priority: rule.Priority()})
	}
	return infos
}

// Clear removes every rule and override.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.general = nil
	r.overrides = make(map[string]Rule)
}
