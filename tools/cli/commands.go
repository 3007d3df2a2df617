package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	fa "github.com/pancsta/automata-go/pkg/automata"
	"github.com/pancsta/automata-go/pkg/graph"
	fahelp "github.com/pancsta/automata-go/pkg/helpers"
	"github.com/pancsta/automata-go/pkg/telemetry/grafana"
)

// Validate prints "input<TAB>true|false" for each input. Without inputs, it
// reads lines from [in].
func Validate(
	ctx context.Context, p ValidateParams, in io.Reader, out io.Writer,
) error {
	def, err := fa.LoadDefinition(p.File)
	if err != nil {
		return err
	}
	a, err := def.Build(&fa.Opts{Memoize: p.Memo, LogLevel: p.LogLevel})
	if err != nil {
		return err
	}

	inputs := p.Inputs
	if len(inputs) == 0 && in != nil {
		scanner := bufio.NewScanner(in)
		// no line length limit, same as arg inputs
		scanner.Buffer(make([]byte, 0, 64*1024), math.MaxInt)
		for scanner.Scan() {
			inputs = append(inputs, strings.TrimRight(scanner.Text(), "\r"))
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	}

	var results []bool
	nfa, isNfa := a.(*fa.NFA)
	switch {
	case p.Start >= 0 && isNfa:
		results = make([]bool, len(inputs))
		for i, input := range inputs {
			results[i] = nfa.ValidateFrom(input, fa.State(p.Start))
		}

	// keep the log in order
	case p.LogLevel > fa.LogNothing:
		results = make([]bool, len(inputs))
		for i, input := range inputs {
			results[i] = a.Validate(input)
		}

	// DFAs ignore the start state
	default:
		results, err = fahelp.ValidateAll(ctx, a, inputs, 0)
		if err != nil {
			return err
		}
	}

	for i, input := range inputs {
		_, _ = fmt.Fprintf(out, "%s\t%t\n", input, results[i])
	}
	if p.Stats {
		stats := fahelp.NewStats(a)
		stats.Count(results)
		_, _ = fmt.Fprintln(out, stats.String())
	}

	return nil
}

// Graph prints a Mermaid flowchart of the automaton.
func Graph(p FileParams, out io.Writer) error {
	g, err := loadGraph(p.File)
	if err != nil {
		return err
	}
	diagram, err := g.Mermaid()
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, diagram)

	return err
}

// Check prints unreachable and dead states. Returns false for unreachable
// finals, or when no final state is reachable at all.
func Check(p FileParams, out io.Writer) (bool, error) {
	g, err := loadGraph(p.File)
	if err != nil {
		return false, err
	}
	a := g.A
	dead, err := g.DeadStates()
	if err != nil {
		return false, err
	}
	unreachable := g.Unreachable()
	unreachableFinals := g.UnreachableFinals()

	reachableFinal := false
	for _, s := range g.Reachable(fa.StateStart) {
		if a.IsFinal(s) {
			reachableFinal = true
			break
		}
	}

	_, _ = fmt.Fprintln(out, fahelp.NewStats(a).String())
	if len(unreachable) > 0 {
		_, _ = fmt.Fprintf(out, "unreachable states: %v\n", unreachable)
	}
	if len(unreachableFinals) > 0 {
		_, _ = fmt.Fprintf(out, "unreachable finals: %v\n", unreachableFinals)
	}
	if len(dead) > 0 {
		_, _ = fmt.Fprintf(out, "dead states: %v\n", dead)
	}
	if !reachableFinal {
		_, _ = fmt.Fprintln(out, "empty language: no reachable final state")
	}

	ok := reachableFinal && len(unreachableFinals) == 0
	if ok {
		_, _ = fmt.Fprintln(out, "ok")
	}

	return ok, nil
}

// Export prints a normalized definition in the requested format, or saves it
// to Output.
func Export(p FileParams, out io.Writer) error {
	def, err := fa.LoadDefinition(p.File)
	if err != nil {
		return err
	}
	a, err := def.Build(nil)
	if err != nil {
		return err
	}
	if p.Output != "" {
		// format from the extension
		return fa.Export(a).Save(p.Output)
	}
	data, err := fa.Export(a).Marshal(p.Format)
	if err != nil {
		return err
	}
	_, err = out.Write(data)

	return err
}

// Grafana prints a dashboard (JSON) for the automata in the files, or syncs it
// with Grafana.
func Grafana(ctx context.Context, p GrafanaParams, out io.Writer) error {
	gp := grafana.Params{
		Name:       p.Name,
		Source:     p.Source,
		Folder:     p.Folder,
		GrafanaUrl: os.Getenv(grafana.EnvGrafanaUrl),
		Token:      os.Getenv(grafana.EnvGrafanaToken),
	}
	for _, file := range p.Files {
		def, err := fa.LoadDefinition(file)
		if err != nil {
			return err
		}
		gp.Ids = append(gp.Ids, def.Id)
	}

	b, err := grafana.GenDashboard(gp)
	if err != nil {
		return err
	}
	if p.Sync {
		if err := grafana.SyncDashboard(ctx, gp, b); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "synced %s with %s\n", p.Name, gp.GrafanaUrl)

		return nil
	}

	data, err := b.MarshalIndentJSON()
	if err != nil {
		return err
	}
	_, err = out.Write(data)

	return err
}

func loadGraph(path string) (*graph.Graph, error) {
	def, err := fa.LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	a, err := def.Build(nil)
	if err != nil {
		return nil, err
	}

	return graph.New(a)
}
