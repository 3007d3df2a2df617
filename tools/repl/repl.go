// Package repl provides an interactive shell for validating inputs with
// loaded automata.
package repl

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"

	fa "github.com/pancsta/automata-go/pkg/automata"
	fahelp "github.com/pancsta/automata-go/pkg/helpers"
	"github.com/pancsta/automata-go/pkg/registry"
)

type Repl struct {
	Registry *registry.Registry
	C        *console.Console
	Out      io.Writer

	mx sync.Mutex
	// ID of the active automaton
	current string
	// validation stats per automaton ID
	stats map[string]*fahelp.Stats
}

// New creates a REPL with an empty registry. [out] defaults to stdout.
func New(opts *registry.Opts, out io.Writer) *Repl {
	if out == nil {
		out = os.Stdout
	}
	r := &Repl{
		Out:   out,
		stats: make(map[string]*fahelp.Stats),
	}

	// switch to each (re)loaded automaton
	o := registry.Opts{}
	if opts != nil {
		o = *opts
	}
	onLoad := o.OnLoad
	o.OnLoad = func(a fa.Automaton, path string) {
		r.mx.Lock()
		r.current = a.Id()
		r.stats[a.Id()] = fahelp.NewStats(a)
		r.mx.Unlock()
		if onLoad != nil {
			onLoad(a, path)
		}
	}
	r.Registry = registry.New(&o)

	return r
}

// Current returns the active automaton.
func (r *Repl) Current() (fa.Automaton, error) {
	r.mx.Lock()
	id := r.current
	r.mx.Unlock()

	if id == "" {
		return nil, fmt.Errorf("%w: load a file first", ErrNoAutomaton)
	}
	a, ok := r.Registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAutomaton, id)
	}

	return a, nil
}

// Use switches the active automaton.
func (r *Repl) Use(id string) error {
	if _, ok := r.Registry.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrNoAutomaton, id)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	r.current = id

	return nil
}

// Exec runs a single REPL command, eg "validate ab".
func (r *Repl) Exec(args ...string) error {
	cmd := NewReplCommands(r)
	cmd.SetArgs(args)

	return cmd.Execute()
}

func (r *Repl) count(id string, results []bool) *fahelp.Stats {
	r.mx.Lock()
	defer r.mx.Unlock()

	s, ok := r.stats[id]
	if !ok {
		return nil
	}
	s.Count(results)
	ret := *s

	return &ret
}

func (r *Repl) Print(txt string, args ...any) {
	_, _ = fmt.Fprintf(r.Out, txt+"\n", args...)
}

// Start runs the interactive shell until ctx is done or Ctrl+D.
func (r *Repl) Start(ctx context.Context) error {
	fmt.Println("Welcome to fa! Tab to start, help, or Ctrl+D to exit.")
	hist, err := historyFromFile(historyPath)
	if err != nil {
		fmt.Println("Failed to open history file " + historyPath)
	}

	// console & shell
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.C = console.New("fa")
	r.C.NewlineAfter = false
	r.C.NewlineBefore = false
	sh := r.C.Shell()
	_ = sh.Config.Set("completion-ignore-case", true)
	_ = sh.Config.Set("show-all-if-ambiguous", true)

	// menu
	menu := r.C.ActiveMenu()
	if hist != nil {
		menu.AddHistorySource("local history", hist)
	}
	menu.SetCommands(func() *cobra.Command {
		return NewReplCommands(r)
	})
	menu.AddInterrupt(io.EOF, func(c *console.Console) {
		cancel()
		// TODO drop once console.StartContext honors ctx
		os.Exit(0)
	})
	r.setupPrompt(menu)

	return r.C.StartContext(ctx)
}

// setupPrompt shows the active automaton in the prompt.
func (r *Repl) setupPrompt(m *console.Menu) {
	p := m.Prompt()

	p.Primary = func() string {
		r.mx.Lock()
		id := r.current
		r.mx.Unlock()

		if id == "" {
			return "\x1b[33mfa>\x1b[0m "
		}
		return "\x1b[33mfa:" + id + ">\x1b[0m "
	}
}
