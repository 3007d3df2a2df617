// Package graph provides a directed graph of an automaton's states and
// transitions, with reachability checks and Mermaid export.
package graph

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/dominikbraun/graph"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

type Vertex struct {
	State fa.State
	Start bool
	Final bool
}

type Edge = graph.Edge[*Vertex]

// EdgeData are the transitions between 2 states.
type EdgeData struct {
	// symbols moving from source to target, sorted
	Symbols []fa.Symbol
	// at least one of the symbols branches (NFA)
	Multi bool
}

func hash(v *Vertex) fa.State {
	return v.State
}

// ///// ///// /////

// ///// GRAPH

// ///// ///// /////

type Graph struct {
	A fa.Automaton

	// g is a directed graph of states with transition metadata.
	g graph.Graph[fa.State, *Vertex]
}

// New creates a graph from all the states and transitions of the automaton.
func New(a fa.Automaton) (*Graph, error) {
	g := &Graph{
		A: a,
		g: graph.New(hash, graph.Directed()),
	}

	for _, s := range a.States() {
		err := g.g.AddVertex(&Vertex{
			State: s,
			Start: s == fa.StateStart,
			Final: a.IsFinal(s),
		})
		if err != nil {
			return nil, fmt.Errorf("vertex %d: %w", s, err)
		}
	}

	for _, e := range a.Edges() {
		for _, to := range e.To {
			if err := g.addSymbol(e.From, to, e.Symbol, e.Multi); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

func (g *Graph) addSymbol(from, to fa.State, sym fa.Symbol, multi bool) error {
	// update an existing edge
	if edge, err := g.g.Edge(from, to); err == nil {
		data := edge.Properties.Data.(*EdgeData)
		if !slices.Contains(data.Symbols, sym) {
			data.Symbols = append(data.Symbols, sym)
			slices.Sort(data.Symbols)
		}
		data.Multi = data.Multi || multi

		return g.g.UpdateEdge(from, to, graph.EdgeData(data))
	}

	// add if doesnt exist
	err := g.g.AddEdge(from, to, graph.EdgeData(&EdgeData{
		Symbols: []fa.Symbol{sym},
		Multi:   multi,
	}))
	if err != nil {
		return fmt.Errorf("edge %d -> %d: %w", from, to, err)
	}

	return nil
}

func (g *Graph) G() graph.Graph[fa.State, *Vertex] {
	return g.g
}

// EdgeData returns the transitions from source to target.
func (g *Graph) EdgeData(source, target fa.State) (*EdgeData, error) {
	edge, err := g.g.Edge(source, target)
	if err != nil {
		return nil, err
	}

	return edge.Properties.Data.(*EdgeData), nil
}

// Reachable returns all the states reachable from the passed one (including
// itself), sorted. Unknown states return nil.
func (g *Graph) Reachable(from fa.State) []fa.State {
	var ret []fa.State
	err := graph.BFS(g.g, from, func(s fa.State) bool {
		ret = append(ret, s)
		return false
	})
	if err != nil {
		return nil
	}
	slices.Sort(ret)

	return ret
}

// Unreachable returns states which can't be reached from the start state.
func (g *Graph) Unreachable() []fa.State {
	reachable := g.Reachable(fa.StateStart)

	var ret []fa.State
	for _, s := range g.A.States() {
		if !slices.Contains(reachable, s) {
			ret = append(ret, s)
		}
	}

	return ret
}

// UnreachableFinals returns final states which can't be reached from the
// start state.
func (g *Graph) UnreachableFinals() []fa.State {
	reachable := g.Reachable(fa.StateStart)

	var ret []fa.State
	for _, s := range g.A.Finals() {
		if !slices.Contains(reachable, s) {
			ret = append(ret, s)
		}
	}

	return ret
}

// DeadStates returns states without any path to a final state. Entering such
// a state always rejects the input.
func (g *Graph) DeadStates() ([]fa.State, error) {
	preds, err := g.g.PredecessorMap()
	if err != nil {
		return nil, err
	}

	// walk backwards from all the finals
	alive := map[fa.State]bool{}
	queue := g.A.Finals()
	for _, s := range queue {
		alive[s] = true
	}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for src := range preds[s] {
			if alive[src] {
				continue
			}
			alive[src] = true
			queue = append(queue, src)
		}
	}

	var ret []fa.State
	for _, s := range g.A.States() {
		if !alive[s] {
			ret = append(ret, s)
		}
	}

	return ret, nil
}

// ///// ///// /////

// ///// MERMAID

// ///// ///// /////

// Mermaid returns a flowchart of the automaton. Final states are double
// circles and branching (NFA) transitions are dotted.
func (g *Graph) Mermaid() (string, error) {
	adj, err := g.g.AdjacencyMap()
	if err != nil {
		return "", fmt.Errorf("failed to get adjacency map: %w", err)
	}

	var buf strings.Builder
	buf.WriteString("flowchart LR\n")
	buf.WriteString("\tclassDef _start stroke-width:3px;\n")

	// states
	states := g.A.States()
	for _, s := range states {
		v, err := g.g.Vertex(s)
		if err != nil {
			return "", fmt.Errorf("failed to get vertex %d: %w", s, err)
		}
		id := "s" + strconv.Itoa(int(s))
		if v.Final {
			buf.WriteString("\t" + id + "(((" + strconv.Itoa(int(s)) + ")))\n")
		} else {
			buf.WriteString("\t" + id + "((" + strconv.Itoa(int(s)) + "))\n")
		}
		if v.Start {
			buf.WriteString("\tclass " + id + " _start;\n")
		}
	}

	// transitions
	for _, s := range states {
		targets := make([]fa.State, 0, len(adj[s]))
		for t := range adj[s] {
			targets = append(targets, t)
		}
		slices.Sort(targets)

		for _, t := range targets {
			data := adj[s][t].Properties.Data.(*EdgeData)
			arrow := " -->"
			if data.Multi {
				arrow = " -.->"
			}
			buf.WriteString(fmt.Sprintf("\ts%d%s|\"%s\"| s%d\n", s, arrow,
				mermaidEscape(CompactSymbols(data.Symbols)), t))
		}
	}

	return buf.String(), nil
}

var mermaidReplacer = strings.NewReplacer(
	"#", "#35;",
	`"`, "#quot;",
	"<", "#lt;",
	">", "#gt;",
)

func mermaidEscape(txt string) string {
	return mermaidReplacer.Replace(txt)
}

// CompactSymbols returns a short label for a set of sorted symbols, using
// named alphabets ("$printable") and ranges ("a-z") where possible.
func CompactSymbols(symbols []fa.Symbol) string {
	for _, name := range []string{"printable", "letters", "lower", "upper",
		"digits"} {

		a, _ := fa.Alphabet(name)
		if len(a) == len(symbols) && sameSymbols(a, symbols) {
			return "$" + name
		}
	}

	var parts []string
	for i := 0; i < len(symbols); {
		j := i
		for j+1 < len(symbols) && symbols[j+1] == symbols[j]+1 {
			j++
		}
		if j-i >= 2 {
			parts = append(parts, printable(symbols[i])+"-"+printable(symbols[j]))
		} else {
			for k := i; k <= j; k++ {
				parts = append(parts, printable(symbols[k]))
			}
		}
		i = j + 1
	}

	return strings.Join(parts, " ")
}

func sameSymbols(alphabet string, symbols []fa.Symbol) bool {
	for _, r := range alphabet {
		if _, ok := slices.BinarySearch(symbols, r); !ok {
			return false
		}
	}

	return true
}

func printable(sym fa.Symbol) string {
	if sym == ' ' {
		return "␣"
	}
	if unicode.IsPrint(sym) && !unicode.IsSpace(sym) {
		return string(sym)
	}
	q := strconv.QuoteRune(sym)

	return q[1 : len(q)-1]
}
