// Package validate checks built graphs for structural problems.
package validate

import (
	"fmt"
	"sort"

	"github.com/mkmik/multierror"
	"github.com/pkg/errors"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

// Issue types.
const (
	IssueDuplicateResource = "duplicate_resource"
	IssueMissingKind       = "missing_kind"
)

// Warning types.
const (
	WarningEdgeWithoutKind = "edge_without_kind"
	WarningPlaceholderNode = "placeholder_node"
)

// Issue is a problem that makes a graph invalid.
type Issue struct {
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	Kind      string   `json:"kind,omitempty"`
	Namespace string   `json:"namespace,omitempty"`
	Name      string   `json:"name,omitempty"`
	Nodes     []string `json:"nodes,omitempty"`
}

// Warning is a suspicious but acceptable condition.
type Warning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Node    string `json:"node,omitempty"`
}

// Report is the result of Validate.
type Report struct {
	Valid           bool      `json:"valid"`
	NodeCount       int       `json:"nodeCount"`
	EdgeCount       int       `json:"edgeCount"`
	UniqueResources int       `json:"uniqueResources"`
	DuplicateCount  int       `json:"duplicateCount"`
	Issues          []Issue   `json:"issues"`
	Warnings        []Warning `json:"warnings"`
}

// Err returns the issues as one error, or nil for a valid report.
func (r Report) Err() error {
	if len(r.Issues) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Issues))
	for _, issue := range r.Issues {
		errs = append(errs, errors.Errorf("%s: %s", issue.Type, issue.Message))
	}
	return multierror.Join(errs)
}

type resourceKey struct {
	kind, namespace, name string
}

func attr(n canvas.Node, name string) string {
	v, _ := n.Attributes[name].(string)
	return v
}

// Validate reports resources that appear under more than one node key,
// nodes without a kind, edges without a relationship kind and placeholder
// nodes.
func Validate(g *canvas.Graph) Report {
	nodes := g.Nodes()
	edges := g.Edges()
	report := Report{
		NodeCount: len(nodes),
		EdgeCount: len(edges),
		Issues:    []Issue{},
		Warnings:  []Warning{},
	}

	byResource := map[resourceKey][]string{}
	var order []resourceKey
	for _, n := range nodes {
		kind := n.Kind()
		if kind == "" {
			report.Issues = append(report.Issues, Issue{
				Type:    IssueMissingKind,
				Message: fmt.Sprintf("node %s has no kind", n.Key),
				Nodes:   []string{n.Key},
			})
			continue
		}
		if missing, _ := n.Attributes["missing"].(bool); missing {
			report.Warnings = append(report.Warnings, Warning{
				Type:    WarningPlaceholderNode,
				Message: fmt.Sprintf("node %s was never fetched", n.Key),
				Node:    n.Key,
			})
		}
		key := resourceKey{kind: kind, namespace: attr(n, "namespace"), name: attr(n, "name")}
		if _, ok := byResource[key]; !ok {
			order = append(order, key)
		}
		byResource[key] = append(byResource[key], n.Key)
	}
	report.UniqueResources = len(byResource)

	for _, key := range order {
		keys := byResource[key]
		if len(keys) < 2 {
			continue
		}
		report.DuplicateCount++
		report.Issues = append(report.Issues, Issue{
			Type:      IssueDuplicateResource,
			Message:   fmt.Sprintf("%s %s/%s appears under %d node keys", key.kind, key.namespace, key.name, len(keys)),
			Kind:      key.kind,
			Namespace: key.namespace,
			Name:      key.name,
			Nodes:     keys,
		})
	}

	for _, e := range edges {
		if e.Kind == "" {
			report.Warnings = append(report.Warnings, Warning{
				Type:    WarningEdgeWithoutKind,
				Message: fmt.Sprintf("edge %s -> %s has no relationship kind", e.Source, e.Target),
				Node:    e.Source,
			})
		}
	}

	report.Valid = len(report.Issues) == 0
	return report
}

// Stats summarises a graph.
type Stats struct {
	NodeCount         int            `json:"nodeCount"`
	EdgeCount         int            `json:"edgeCount"`
	KindCount         int            `json:"kindCount"`
	NamespaceCount    int            `json:"namespaceCount"`
	ResourceKinds     map[string]int `json:"resourceKinds"`
	Namespaces        map[string]int `json:"namespaces"`
	RelationshipKinds map[string]int `json:"relationshipKinds"`
}

// Statistics counts nodes by kind and namespace and edges by relationship
// kind. Cluster-scoped nodes are not counted under any namespace.
func Statistics(g *canvas.Graph) Stats {
	nodes := g.Nodes()
	edges := g.Edges()
	s := Stats{
		NodeCount:         len(nodes),
		EdgeCount:         len(edges),
		ResourceKinds:     map[string]int{},
		Namespaces:        map[string]int{},
		RelationshipKinds: map[string]int{},
	}
	for _, n := range nodes {
		if kind := n.Kind(); kind != "" {
			s.ResourceKinds[kind]++
		}
		if ns := attr(n, "namespace"); ns != "" {
			s.Namespaces[ns]++
		}
	}
	for _, e := range edges {
		s.RelationshipKinds[string(e.Kind)]++
	}
	s.KindCount = len(s.ResourceKinds)
	s.NamespaceCount = len(s.Namespaces)
	return s
}

// Cycles returns the strongly connected components with more than one node
// plus single nodes with a self loop. Each component is sorted, and
// components are ordered by their first key.
func Cycles(g *canvas.Graph) [][]string {
	t := &tarjan{
		graph: g,
		index: map[string]int{},
		low:   map[string]int{},
		on:    map[string]bool{},
	}
	for _, n := range g.Nodes() {
		if _, seen := t.index[n.Key]; !seen {
			t.connect(n.Key)
		}
	}

	var cycles [][]string
	for _, comp := range t.components {
		if len(comp) == 1 && len(g.EdgesBetween(comp[0], comp[0])) == 0 {
			continue
		}
		sort.Strings(comp)
		cycles = append(cycles, comp)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

// tarjan computes strongly connected components.
type tarjan struct {
	graph      *canvas.Graph
	next       int
	index      map[string]int
	low        map[string]int
	on         map[string]bool
	stack      []string
	components [][]string
}

func (t *tarjan) connect(v string) {
	t.index[v] = t.next
	t.low[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.on[v] = true

	for _, w := range t.graph.Successors(v) {
		if _, seen := t.index[w]; !seen {
			t.connect(w)
			t.low[v] = min(t.low[v], t.low[w])
		} else if t.on[w] {
			t.low[v] = min(t.low[v], t.index[w])
		}
	}

	if t.low[v] != t.index[v] {
		return
	}
	var comp []string
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.on[w] = false
		comp = append(comp, w)
		if w == v {
			break
		}
	}
	t.components = append(t.components, comp)
}
