// fa validates inputs with finite automata, analyzes their definitions, and
// serves them over NATS.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lithammer/dedent"
	"github.com/spf13/cobra"

	"github.com/pancsta/automata-go/internal/utils"
	"github.com/pancsta/automata-go/pkg/registry"
	"github.com/pancsta/automata-go/tools/cli"
	"github.com/pancsta/automata-go/tools/repl"
)

func init() {
	// read .env
	_ = godotenv.Load()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use: "fa",
		Long: strings.Trim(dedent.Dedent(`
			fa validates inputs with DFA and NFA definitions (json, yaml).

			Example:
			$ fa validate -f cool.json cool kool coolio

			Example:
			$ cat inputs.txt | fa validate -f ab.yaml --stats

			Example:
			$ fa repl cool.json ab.yaml

			Example:
			$ FA_NATS_EMBEDDED=1 FA_METRICS_ADDR=:9090 fa serve -f ab.yaml
		`), "\n"),
		Run: func(cmd *cobra.Command, args []string) {
			params := cli.ParseRootParams(cmd, args)

			// print the version
			if params.Version {
				fmt.Println(utils.GetVersion())
				os.Exit(0)
			}
			_ = cmd.Help()
		},
	}
	cli.AddRootFlags(rootCmd)

	// validate
	validateCmd := &cobra.Command{
		Use:   "validate -f spec.yaml [--start N] [--memo] INPUT...",
		Short: "Validate inputs, one per arg or stdin line",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := cli.ParseValidateParams(cmd, args)
			if err != nil {
				return err
			}
			return cli.Validate(ctx, params, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cli.AddValidateFlags(validateCmd)
	rootCmd.AddCommand(validateCmd)

	// graph
	graphCmd := &cobra.Command{
		Use:   "graph -f spec.yaml",
		Short: "Print a Mermaid flowchart",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := cli.ParseFileParams(cmd, args)
			if err != nil {
				return err
			}
			return cli.Graph(params, cmd.OutOrStdout())
		},
	}
	cli.AddFileFlags(graphCmd)
	rootCmd.AddCommand(graphCmd)

	// check
	checkCmd := &cobra.Command{
		Use:   "check -f spec.yaml",
		Short: "Report unreachable and dead states",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := cli.ParseFileParams(cmd, args)
			if err != nil {
				return err
			}
			ok, err := cli.Check(params, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if !ok {
				os.Exit(2)
			}
			return nil
		},
	}
	cli.AddFileFlags(checkCmd)
	rootCmd.AddCommand(checkCmd)

	// export
	exportCmd := &cobra.Command{
		Use:   "export -f spec.json [--format yaml] [-o spec.yaml.br]",
		Short: "Print a normalized definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := cli.ParseFileParams(cmd, args)
			if err != nil {
				return err
			}
			return cli.Export(params, cmd.OutOrStdout())
		},
	}
	cli.AddExportFlags(exportCmd)
	rootCmd.AddCommand(exportCmd)

	// grafana
	grafanaCmd := &cobra.Command{
		Use:   "grafana -f spec.yaml [-f spec2.json] --source my-service",
		Short: "Generate a Grafana dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := cli.ParseGrafanaParams(cmd, args)
			if err != nil {
				return err
			}
			return cli.Grafana(ctx, params, cmd.OutOrStdout())
		},
	}
	cli.AddGrafanaFlags(grafanaCmd)
	rootCmd.AddCommand(grafanaCmd)

	// repl
	replCmd := &cobra.Command{
		Use:   "repl [FILE...]",
		Short: "Interactive shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := repl.New(&registry.Opts{
				OnErr: func(err error) {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				},
			}, cmd.OutOrStdout())
			if len(args) > 0 {
				if err := r.Registry.Watch(ctx, args...); err != nil {
					return err
				}
			}
			return r.Start(ctx)
		},
	}
	rootCmd.AddCommand(replCmd)

	// serve
	serveCmd := &cobra.Command{
		Use:   "serve -f spec.yaml [-f spec2.json]",
		Short: "Expose automata over NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := cli.ParseServeParams(cmd, args)
			if err != nil {
				return err
			}
			cfg, err := cli.ReadServeConfig(ctx)
			if err != nil {
				return err
			}
			srv, err := cli.NewServer(ctx, cfg, params, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s\n",
				strings.Join(srv.Registry.Ids(), ", "), srv.NatsUrl())
			if addr := srv.MetricsAddr(); addr != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "metrics on http://%s/metrics\n", addr)
			}

			<-srv.Done()
			srv.Close()
			return nil
		},
	}
	cli.AddServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)

	err := rootCmd.Execute()
	if err != nil {
		// cobra prints the error
		os.Exit(1)
	}
}
