package canvas

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func namedRule(name string, priority int, kinds ...string) RuleFuncs {
	r := RuleFuncs{RuleName: name, RulePriority: priority}
	if len(kinds) > 0 {
		r.SupportsFunc = SupportsKinds(kinds...)
	}
	return r
}

func ruleNames(rules []Rule) []string {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name())
	}
	return names
}

func TestRulesForOrdersByPriority(t *testing.T) {
	reg := NewRegistry()
	reg.Register(namedRule("low", 10))
	reg.Register(namedRule("plugin", 0))
	reg.Register(namedRule("builtin-a", BuiltinPriority))
	reg.Register(namedRule("builtin-b", BuiltinPriority))
	reg.Register(namedRule("services-only", 500, "Service"))

	pod := newObject("v1", "Pod", "default", "web")
	assert.Equal(t, []string{"plugin", "builtin-a", "builtin-b", "low"}, ruleNames(reg.RulesFor(pod)))

	svc := newObject("v1", "Service", "default", "web")
	assert.Equal(t, "services-only", reg.RulesFor(svc)[0].Name())
}

func TestOverrideShadowsGeneralRules(t *testing.T) {
	reg := NewRegistry()
	reg.Register(namedRule("general", 50))
	reg.Override("Pod", namedRule("first", 1))
	reg.Override("Pod", namedRule("pod-override", 1))

	pod := newObject("v1", "Pod", "default", "web")
	assert.Equal(t, []string{"pod-override"}, ruleNames(reg.RulesFor(pod)))

	svc := newObject("v1", "Service", "default", "web")
	assert.Equal(t, []string{"general"}, ruleNames(reg.RulesFor(svc)))
}

func TestOverrideRunsEvenWhenItDoesNotSupportTheKind(t *testing.T) {
	reg := NewRegistry()
	reg.Override("Pod", namedRule("services-only", 1, "Service"))

	pod := newObject("v1", "Pod", "default", "web")
	assert.Equal(t, []string{"services-only"}, ruleNames(reg.RulesFor(pod)))
}

func TestListAndClear(t *testing.T) {
	reg := NewRegistry()
	reg.Register(namedRule("a", 0))
	reg.Override("Service", namedRule("svc", 70))
	reg.Override("Ingress", namedRule("ing", 0))

	assert.Equal(t, []RuleInfo{
		{Name: "a", Type: RegistrationGeneral, Priority: DefaultPluginPriority},
		{Name: "ing", Type: RegistrationOverride, Kind: "Ingress", Priority: DefaultPluginPriority},
		{Name: "svc", Type: RegistrationOverride, Kind: "Service", Priority: 70},
	}, reg.List())

	reg.Clear()
	assert.Empty(t, reg.List())
	assert.Empty(t, reg.RulesFor(newObject("v1", "Service", "default", "web")))
}

func TestDefaultRegistryHoldsBuiltinRules(t *testing.T) {
	infos := DefaultRegistry().List()
	require.GreaterOrEqual(t, len(infos), len(BuiltinRules()))

	names := map[string]bool{}
	for _, info := range infos {
		names[info.Name] = true
	}
	for _, name := range []string{"ownership", "pod-spec", "service", "storage", "autoscaling", "rbac", "network-policy", "ingress"} {
		assert.True(t, names[name], name)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	pod := newObject("v1", "Pod", "default", "web")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Register(namedRule(fmt.Sprintf("rule-%d", i), i))
		}()
		go func() {
			defer wg.Done()
			rules := reg.RulesFor(pod)
			for j := 1; j < len(rules); j++ {
				assert.GreaterOrEqual(t, rules[j-1].Priority(), rules[j].Priority())
			}
		}()
	}
	wg.Wait()
	assert.Len(t, reg.List(), 20)
}

func TestRuleFuncsDefaults(t *testing.T) {
	r := RuleFuncs{RuleName: "noop"}
	obj := &unstructured.Unstructured{}
	assert.True(t, r.Supports(obj))
	assert.Equal(t, DefaultPluginPriority, r.Priority())

	rels, err := r.Discover(context.Background(), obj, nil)
	assert.NoError(t, err)
	assert.Nil(t, rels)
}
