package repl

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pancsta/automata-go/internal/utils"
	fa "github.com/pancsta/automata-go/pkg/automata"
	"github.com/pancsta/automata-go/pkg/graph"
)

var Sp = utils.Sp

var (
	title   = "fa REPL for finite automata"
	example = Sp(`
	- load definitions, the last one becomes active
	  fa> load cool.json ab.yaml
	- validate with the active automaton
	  fa:ab> validate ab aab abba
	- validate from a state (NFA only)
	  fa:ab> from 1 b
	- switch the active automaton
	  fa:ab> use cool
	- log decisions of the active automaton
	  fa:cool> log 3
`)
)

// NewReplCommands returns the command tree of a single REPL line.
func NewReplCommands(r *Repl) *cobra.Command {
	rootCmd := &cobra.Command{
		Short:   title,
		Example: example,
		// don't print usage on validation errors
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	rootCmd.SetOut(r.Out)
	rootCmd.SetErr(r.Out)

	ids := func(
		cmd *cobra.Command, args []string, toComplete string,
	) ([]string, cobra.ShellCompDirective) {
		return completionsNarrowDown(toComplete, r.Registry.Ids())
	}

	// LOAD

	rootCmd.AddCommand(&cobra.Command{
		Use:     "load FILE...",
		Short:   "Load definition files (json, yaml)",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, file := range args {
				a, err := r.Registry.Load(file)
				if err != nil {
					return err
				}
				r.Print("loaded %s", a.Id())
			}
			return nil
		},
	})

	// USE

	rootCmd.AddCommand(&cobra.Command{
		Use:               "use ID",
		Short:             "Switch the active automaton",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: ids,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.Use(args[0])
		},
	})

	// LIST

	rootCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List loaded automata",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cur, _ := r.Current()
			for _, id := range r.Registry.Ids() {
				mark := " "
				if cur != nil && cur.Id() == id {
					mark = "*"
				}
				a, _ := r.Registry.Get(id)
				if a == nil {
					continue
				}
				r.Print("%s %s (%s)", mark, id, a.Kind())
			}
		},
	})

	// VALIDATE

	rootCmd.AddCommand(&cobra.Command{
		Use:     "validate INPUT...",
		Aliases: []string{"v"},
		Short:   "Validate inputs with the active automaton",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.Current()
			if err != nil {
				return err
			}
			results := make([]bool, len(args))
			for i, input := range args {
				results[i] = a.Validate(input)
				r.Print("%s\t%t", input, results[i])
			}
			r.count(a.Id(), results)

			return nil
		},
	})

	// FROM

	rootCmd.AddCommand(&cobra.Command{
		Use:   "from STATE INPUT...",
		Short: "Validate inputs from a custom start state (NFA only)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.Current()
			if err != nil {
				return err
			}
			nfa, ok := a.(*fa.NFA)
			if !ok {
				return fmt.Errorf("%w: %s is not an NFA", ErrSyntax, a.Id())
			}
			start, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("%w: state %q", ErrSyntax, args[0])
			}

			results := make([]bool, len(args)-1)
			for i, input := range args[1:] {
				results[i] = nfa.ValidateFrom(input, fa.State(start))
				r.Print("%s\t%t", input, results[i])
			}
			r.count(a.Id(), results)

			return nil
		},
	})

	// STATS

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarize the active automaton and its validations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.Current()
			if err != nil {
				return err
			}
			if s := r.count(a.Id(), nil); s != nil {
				r.Print("%s", s)
			}

			return nil
		},
	})

	// GRAPH

	rootCmd.AddCommand(&cobra.Command{
		Use:   "graph",
		Short: "Print a Mermaid flowchart of the active automaton",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := r.graph()
			if err != nil {
				return err
			}
			diagram, err := g.Mermaid()
			if err != nil {
				return err
			}
			r.Print("%s", strings.TrimRight(diagram, "\n"))

			return nil
		},
	})

	// CHECK

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Print unreachable and dead states of the active automaton",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := r.graph()
			if err != nil {
				return err
			}
			dead, err := g.DeadStates()
			if err != nil {
				return err
			}
			r.Print("unreachable: %v", g.Unreachable())
			r.Print("dead: %v", dead)

			return nil
		},
	})

	// LOG

	rootCmd.AddCommand(&cobra.Command{
		Use:   "log LEVEL",
		Short: "Set the log level (0-4) of the active automaton",
		Args:  cobra.ExactArgs(1),
		ValidArgsFunction: func(
			cmd *cobra.Command, args []string, toComplete string,
		) ([]string, cobra.ShellCompDirective) {
			return completionsNarrowDown(toComplete,
				[]string{"0", "1", "2", "3", "4"})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.Current()
			if err != nil {
				return err
			}
			lvl, err := strconv.Atoi(args[0])
			if err != nil || lvl < 0 || lvl > int(fa.LogEverything) {
				return fmt.Errorf("%w: log level %q", ErrSyntax, args[0])
			}
			a.SetLogger(func(_ fa.LogLevel, msg string, args ...any) {
				r.Print(msg, args...)
			})
			a.SetLogLevel(fa.LogLevel(lvl))
			r.Print("log level %s", fa.LogLevel(lvl))

			return nil
		},
	})

	// EXIT

	rootCmd.AddCommand(&cobra.Command{
		Use:     "exit",
		Aliases: []string{"quit"},
		Short:   "Exit the REPL",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(0)
		},
	})

	return rootCmd
}

func (r *Repl) graph() (*graph.Graph, error) {
	a, err := r.Current()
	if err != nil {
		return nil, err
	}

	return graph.New(a)
}
