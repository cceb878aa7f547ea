package engine

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Edge orders a provider before a consumer.
type Edge struct {
	From         string   `json:"from"`
	To           string   `json:"to"`
	Capabilities []string `json:"capabilities"`
}

// Scope is the resolved order of the direct children of one task, or of the
// top-level tasks when ParentID is empty.
type Scope struct {
	ParentID string     `json:"parent_id,omitempty"`
	Order    []string   `json:"order"`
	Edges    []Edge     `json:"edges,omitempty"`
	Levels   [][]string `json:"levels,omitempty"`
}

// Resolution is the result of resolving every scope of a task tree.
type Resolution struct {
	Scopes map[string]*Scope `json:"scopes"`
}

// Order returns the resolved order of the children of parentID.
func (r *Resolution) Order(parentID string) []string {
	if s, ok := r.Scopes[parentID]; ok {
		return s.Order
	}
	return nil
}

// Flatten returns every resolved task in depth-first execution order.
func (r *Resolution) Flatten() []string {
	var out []string
	var walk func(parent string)
	walk = func(parent string) {
		for _, id := range r.Order(parent) {
			out = append(out, id)
			walk(id)
		}
	}
	walk("")
	return out
}

// Resolver turns provides and requires into an execution order.
//
// Children of a task form a nested scope that is resolved first. A child
// scope sees the capabilities available in its ancestors' scopes; demands it
// cannot satisfy internally bubble up as demands of its parent, and the
// parent becomes a provider of everything its descendants provide.
type Resolver struct {
	logger   zerolog.Logger
	provided map[string]bool
	scopes   map[string]*Scope
}

// NewResolver creates a resolver.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{logger: logger.With().Str("component", "resolver").Logger()}
}

// Resolve orders the given top-level tasks and all their descendants.
// Tasks must be passed in registration order.
func (r *Resolver) Resolve(roots []*Task) (*Resolution, error) {
	r.provided = make(map[string]bool)
	r.scopes = make(map[string]*Scope)
	var mark func([]*Task)
	mark = func(tasks []*Task) {
		for _, t := range tasks {
			for _, c := range t.Provides {
				r.provided[c] = true
			}
			mark(t.children)
		}
	}
	mark(roots)

	outstanding, err := r.resolveScope("", roots, nil)
	if err != nil {
		return nil, err
	}
	if len(outstanding) > 0 {
		return nil, NewUnresolvableDependencyError("unresolvable dependencies", outstanding)
	}
	return &Resolution{Scopes: r.scopes}, nil
}

// resolveScope resolves the members of one scope. external holds the
// capabilities provided outside this scope by ancestors or their siblings.
// It returns the demands that must be satisfied by an enclosing scope.
func (r *Resolver) resolveScope(parentID string, members []*Task, external map[string]bool) ([]Demand, error) {
	providers := make(map[string][]*Task)
	for _, m := range members {
		for _, c := range m.EffectiveProvides() {
			providers[c] = append(providers[c], m)
		}
	}

	visible := make(map[string]bool, len(external)+len(providers))
	for c := range external {
		visible[c] = true
	}
	for c := range providers {
		visible[c] = true
	}

	var queue []Demand
	for _, m := range members {
		for _, c := range m.Requires {
			queue = append(queue, Demand{TaskID: m.ID, Capability: c, Origin: m.ID})
		}
		for _, c := range m.ConditionalRequires {
			if r.provided[c] {
				queue = append(queue, Demand{TaskID: m.ID, Capability: c, Origin: m.ID, Conditional: true})
			}
		}
		if len(m.children) == 0 {
			continue
		}
		childDemands, err := r.resolveScope(m.ID, m.children, visible)
		if err != nil {
			return nil, err
		}
		for _, d := range childDemands {
			d.TaskID = m.ID
			queue = append(queue, d)
		}
	}

	edges := make(map[[2]string]*Edge)
	var edgeOrder [][2]string
	var outstanding []Demand
	var marker *Demand

	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]

		if provs, ok := providers[d.Capability]; ok {
			for _, p := range provs {
				if p.ID == d.TaskID {
					continue
				}
				k := [2]string{p.ID, d.TaskID}
				e, exists := edges[k]
				if !exists {
					e = &Edge{From: p.ID, To: d.TaskID}
					edges[k] = e
					edgeOrder = append(edgeOrder, k)
				}
				if !contains(e.Capabilities, d.Capability) {
					e.Capabilities = append(e.Capabilities, d.Capability)
				}
			}
			marker = nil
			continue
		}

		if external[d.Capability] {
			outstanding = append(outstanding, d)
			marker = nil
			continue
		}

		if marker != nil && *marker == d {
			remaining := append([]Demand{d}, queue...)
			return nil, NewUnresolvableDependencyError(
				fmt.Sprintf("no provider for %d requirement(s)", len(remaining)), remaining,
			).WithDetail("scope", scopeName(parentID))
		}
		if marker == nil {
			marked := d
			marker = &marked
		}
		queue = append(queue, d)
	}

	scope := &Scope{ParentID: parentID}
	for _, k := range edgeOrder {
		scope.Edges = append(scope.Edges, *edges[k])
	}
	order, err := topoSort(members, scope.Edges)
	if err != nil {
		return nil, err
	}
	scope.Order = order
	scope.Levels = computeLevels(members, scope.Edges)
	r.scopes[parentID] = scope

	r.logger.Debug().
		Str("scope", scopeName(parentID)).
		Int("tasks", len(members)).
		Int("edges", len(scope.Edges)).
		Int("outstanding", len(outstanding)).
		Msg("Resolved scope")

	return outstanding, nil
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoSort orders members so that every edge points forward. Ready tasks are
// taken in registration order.
func topoSort(members []*Task, edges []Edge) ([]string, error) {
	pos := make(map[string]int, len(members))
	for i, m := range members {
		pos[m.ID] = i
	}
	indeg := make([]int, len(members))
	outgoing := make([][]int, len(members))
	for _, e := range edges {
		from, to := pos[e.From], pos[e.To]
		outgoing[from] = append(outgoing[from], to)
		indeg[to]++
	}

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]string, 0, len(members))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, members[n].ID)
		for _, m := range outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(order) == len(members) {
		return order, nil
	}

	// Every task left has an incoming edge from another task left: a cycle.
	var cyclic []Demand
	for _, e := range edges {
		if indeg[pos[e.To]] > 0 && indeg[pos[e.From]] > 0 {
			for _, c := range e.Capabilities {
				cyclic = append(cyclic, Demand{TaskID: e.To, Capability: c, Origin: e.To})
			}
		}
	}
	return nil, NewUnresolvableDependencyError("circular dependency", cyclic).
		WithCode(ErrCodeCycle)
}

// computeLevels groups members by longest distance from a task without dependencies.
func computeLevels(members []*Task, edges []Edge) [][]string {
	pos := make(map[string]int, len(members))
	for i, m := range members {
		pos[m.ID] = i
	}
	indeg := make([]int, len(members))
	outgoing := make([][]int, len(members))
	for _, e := range edges {
		outgoing[pos[e.From]] = append(outgoing[pos[e.From]], pos[e.To])
		indeg[pos[e.To]]++
	}

	var levels [][]string
	var current []int
	for i := range members {
		if indeg[i] == 0 {
			current = append(current, i)
		}
	}
	for len(current) > 0 {
		sort.Ints(current)
		ids := make([]string, len(current))
		for i, n := range current {
			ids[i] = members[n].ID
		}
		levels = append(levels, ids)

		var next []int
		for _, n := range current {
			for _, m := range outgoing[n] {
				indeg[m]--
				if indeg[m] == 0 {
					next = append(next, m)
				}
			}
		}
		current = next
	}
	return levels
}

// ToDOT generates a DOT format representation of the resolution for visualization.
// The output can be rendered with Graphviz tools.
func (r *Resolution) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Build {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	parents := make([]string, 0, len(r.Scopes))
	for p := range r.Scopes {
		parents = append(parents, p)
	}
	sort.Strings(parents)

	for _, parent := range parents {
		scope := r.Scopes[parent]
		if parent != "" {
			sb.WriteString(fmt.Sprintf("  subgraph \"cluster_%s\" {\n", parent))
			sb.WriteString(fmt.Sprintf("    label=\"%s\";\n", parent))
			sb.WriteString("    style=dashed;\n")
		}
		for _, id := range scope.Order {
			sb.WriteString(fmt.Sprintf("    \"%s\";\n", id))
		}
		if parent != "" {
			sb.WriteString("  }\n")
		}
		for _, e := range scope.Edges {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [label=\"%s\"];\n",
				e.From, e.To, strings.Join(e.Capabilities, ",")))
		}
		if parent != "" {
			for _, id := range scope.Order {
				sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [style=dotted, arrowhead=none];\n", parent, id))
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("}\n")
	return sb.String()
}

func scopeName(parentID string) string {
	if parentID == "" {
		return "<root>"
	}
	return parentID
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
