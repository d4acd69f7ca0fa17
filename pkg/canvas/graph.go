package canvas

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/utils/strings/slices"
)

// Node is a graph vertex keyed by its NodeKey.
type Node struct {
	Key        string                 `json:"id"`
	Attributes map[string]interface{} `json:"data"`
}

// Kind returns the kind attribute of the node.
func (n *Node) Kind() string {
	kind, _ := n.Attributes["kind"].(string)
	return kind
}

// Edge is a directed, kind-attributed connection between two nodes.
type Edge struct {
	Source string           `json:"source"`
	Target string           `json:"target"`
	Kind   RelationshipKind `json:"kind"`
	Detail string           `json:"detail,omitempty"`
}

type edgeKey struct {
	source, target string
	kind           RelationshipKind
}

// Warning records a recoverable condition met during a build.
type Warning struct {
	Resource ResourceIdentifier `json:"resource"`
	Reason   string             `json:"reason"`
	Message  string             `json:"message"`
}

// Warning reasons.
const (
	WarningPermissionDenied = "PermissionDenied"
	WarningTruncated        = "Truncated"
	WarningCancelled        = "Cancelled"
)

// BuildStats summarises discovery work done for a build.
type BuildStats struct {
	ResourcesExpanded  int            `json:"resourcesExpanded"`
	RuleRuns           map[string]int `json:"ruleRuns"`
	RuleErrors         map[string]int `json:"ruleErrors"`
	TotalRelationships int            `json:"totalRelationships"`
	DurationMillis     int64          `json:"durationMillis"`
}

// Metadata describes how a graph was produced.
type Metadata struct {
	BuildID   string     `json:"buildId"`
	ClusterID string     `json:"clusterId,omitempty"`
	Truncated bool       `json:"truncated"`
	Cancelled bool       `json:"cancelled"`
	Warnings  []Warning  `json:"warnings,omitempty"`
	Stats     BuildStats `json:"stats"`
}

// Graph is a directed multigraph of resources keyed by NodeKey. Parallel
// edges of different kinds between the same nodes are kept.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	order    []string
	edges    []Edge
	edgeSet  map[edgeKey]struct{}
	out      map[string][]int
	in       map[string][]int
	Metadata Metadata
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[string]*Node),
		edgeSet: make(map[edgeKey]struct{}),
		out:     make(map[string][]int),
		in:      make(map[string][]int),
	}
}

// AddNode creates the node or merges attrs into the existing one, last write
// wins per attribute. Distinct resource names merged into one node are
// collected under the "instances" attribute. It reports whether the node was
// created.
func (g *Graph) AddNode(key string, attrs map[string]interface{}) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[key]
	if !exists {
		node = &Node{Key: key, Attributes: make(map[string]interface{}, len(attrs)+1)}
		g.nodes[key] = node
		g.order = append(g.order, key)
	}

	instances := stringList(node.Attributes["instances"])
	for _, name := range stringList(attrs["instances"]) {
		if !slices.Contains(instances, name) {
			instances = append(instances, name)
		}
	}
	for k, v := range attrs {
		node.Attributes[k] = v
	}
	if name, ok := attrs["name"].(string); ok && name != "" && !slices.Contains(instances, name) {
		instances = append(instances, name)
	}
	if len(instances) > 0 {
		node.Attributes["instances"] = instances
	}

	return !exists
}

// stringList reads a string slice attribute, including one decoded from
// JSON as []interface{}.
func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// AddEdge adds a directed edge between two existing nodes. An edge with the
// same source, target and kind is only stored once. It reports whether the
// edge was added.
func (g *Graph) AddEdge(source, target string, kind RelationshipKind, detail string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[source]; !ok {
		return false
	}
	if _, ok := g.nodes[target]; !ok {
		return false
	}
	key := edgeKey{source: source, target: target, kind: kind}
	if _, dup := g.edgeSet[key]; dup {
		return false
	}
	g.edgeSet[key] = struct{}{}
	g.edges = append(g.edges, Edge{Source: source, Target: target, Kind: kind, Detail: detail})
	idx := len(g.edges) - 1
	g.out[source] = append(g.out[source], idx)
	g.in[target] = append(g.in[target], idx)
	return true
}

// HasNode reports whether key is a node of the graph.
func (g *Graph) HasNode(key string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[key]
	return ok
}

// Node returns a copy of the node stored under key.
func (g *Graph) Node(key string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[key]
	if !ok {
		return Node{}, false
	}
	return copyNode(n), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodes := make([]Node, 0, len(g.order))
	for _, key := range g.order {
		nodes = append(nodes, copyNode(g.nodes[key]))
	}
	return nodes
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.edges...)
}

func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// EdgesBetween returns every edge from source to target.
func (g *Graph) EdgesBetween(source, target string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var edges []Edge
	for _, idx := range g.out[source] {
		if g.edges[idx].Target == target {
			edges = append(edges, g.edges[idx])
		}
	}
	return edges
}

// Successors returns the distinct targets of edges leaving key.
func (g *Graph) Successors(key string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighbours(g.out[key], func(e Edge) string { return e.Target })
}

// Predecessors returns the distinct sources of edges entering key.
func (g *Graph) Predecessors(key string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighbours(g.in[key], func(e Edge) string { return e.Source })
}

func (g *Graph) neighbours(idxs []int, pick func(Edge) string) []string {
	seen := make(map[string]struct{}, len(idxs))
	var keys []string
	for _, idx := range idxs {
		k := pick(g.edges[idx])
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// NodesByKind returns the keys of nodes with the given kind attribute, sorted.
func (g *Graph) NodesByKind(kind string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var keys []string
	for key, node := range g.nodes {
		if node.Kind() == kind {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// ShortestPath returns the node keys of a shortest directed path from source
// to target, or nil when target is unreachable.
func (g *Graph) ShortestPath(source, target string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[source]; !ok {
		return nil
	}
	if source == target {
		return []string{source}
	}

	prev := map[string]string{source: ""}
	queue := []string{source}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, idx := range g.out[current] {
			next := g.edges[idx].Target
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = current
			if next == target {
				path := []string{target}
				for at := current; at != ""; at = prev[at] {
					path = append([]string{at}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// ResponseNode is a node as rendered in a GraphResponse.
type ResponseNode struct {
	ID   string                 `json:"id"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// ResponseEdge is an edge as rendered in a GraphResponse.
type ResponseEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

// GraphResponse is the serialised form of a Graph.
type GraphResponse struct {
	Nodes    []ResponseNode `json:"nodes"`
	Edges    []ResponseEdge `json:"edges"`
	Metadata Metadata       `json:"metadata"`
}

// Response converts the graph into its serialisable form.
func (g *Graph) Response() GraphResponse {
	nodes := g.Nodes()
	edges := g.Edges()

	resp := GraphResponse{
		Nodes:    make([]ResponseNode, 0, len(nodes)),
		Edges:    make([]ResponseEdge, 0, len(edges)),
		Metadata: g.Metadata,
	}
	for _, n := range nodes {
		resp.Nodes = append(resp.Nodes, ResponseNode{ID: n.Key, Type: n.Kind(), Data: n.Attributes})
	}
	for i, e := range edges {
		resp.Edges = append(resp.Edges, ResponseEdge{
			ID:     fmt.Sprintf("edge-%d", i+1),
			Source: e.Source,
			Target: e.Target,
			Type:   "smoothstep",
			Label:  string(e.Kind),
			Detail: e.Detail,
		})
	}
	return resp
}

// GraphFromResponse rebuilds a graph from its serialised form. Edges must
// reference listed nodes.
func GraphFromResponse(resp GraphResponse) (*Graph, error) {
	g := NewGraph()
	g.Metadata = resp.Metadata
	for _, n := range resp.Nodes {
		if n.ID == "" {
			return nil, errors.New("node without id")
		}
		attrs := n.Data
		if attrs == nil {
			attrs = map[string]interface{}{}
		}
		g.AddNode(n.ID, attrs)
	}
	for _, e := range resp.Edges {
		if !g.HasNode(e.Source) || !g.HasNode(e.Target) {
			return nil, errors.Errorf("edge %s references an unknown node", e.ID)
		}
		g.AddEdge(e.Source, e.Target, RelationshipKind(e.Label), e.Detail)
	}
	return g, nil
}

// MarshalJSON implements json.Marshaler.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Response())
}

func copyNode(n *Node) Node {
	attrs := make(map[string]interface{}, len(n.Attributes))
	for k, v := range n.Attributes {
		attrs[k] = v
	}
	return Node{Key: n.Key, Attributes: attrs}
}
