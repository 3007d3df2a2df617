// Package cli implements the fa commands: validate, graph, check, export,
// grafana and serve.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	fa "github.com/pancsta/automata-go/pkg/automata"
	"github.com/pancsta/automata-go/pkg/telemetry/grafana"
)

const (
	pVersion    = "version"
	pFile       = "file"
	pFileShort  = "f"
	pStart      = "start"
	pStartShort = "s"
	pMemo       = "memo"
	pMemoShort  = "m"
	pLog        = "log"
	pLogShort   = "l"
	pStats      = "stats"
	pFormat     = "format"
	pOutput     = "output"
	pOutShort   = "o"
	pNoWatch    = "no-watch"
	pSource     = "source"
	pName       = "name"
	pFolder     = "folder"
	pSync       = "sync"
)

// ErrParams means invalid command params.
var ErrParams = errors.New("invalid params")

// RootParams are params for the root command.
type RootParams struct {
	// Version - print version
	Version bool
}

func AddRootFlags(cmd *cobra.Command) {
	cmd.Flags().Bool(pVersion, false, "Print version and exit")
}

func ParseRootParams(cmd *cobra.Command, _ []string) RootParams {
	version, _ := cmd.Flags().GetBool(pVersion)

	return RootParams{
		Version: version,
	}
}

// ///// ///// /////

// ///// VALIDATE

// ///// ///// /////

// ValidateParams are params for the validate command.
type ValidateParams struct {
	// File - definition file (json, yaml)
	File string
	// Start - start state for NFAs, -1 means the default one
	Start int64
	// Memo - memoize NFA sub-results
	Memo bool
	// LogLevel - automaton log level (0-4)
	LogLevel fa.LogLevel
	// Stats - print a summary at the end
	Stats bool
	// Inputs - inputs to validate, stdin lines when empty
	Inputs []string
}

func addFileFlag(f *pflag.FlagSet) {
	f.StringP(pFile, pFileShort, "", "Definition file (json, yaml, *.br)")
}

func AddValidateFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	addFileFlag(f)
	f.Int64P(pStart, pStartShort, -1, "Start state (NFA only)")
	f.BoolP(pMemo, pMemoShort, false, "Memoize NFA sub-results")
	f.IntP(pLog, pLogShort, 0, "Log level 0-4")
	f.Bool(pStats, false, "Print a summary at the end")
}

func ParseValidateParams(
	cmd *cobra.Command, args []string,
) (ValidateParams, error) {
	file := strings.Trim(cmd.Flag(pFile).Value.String(), "\n ")
	start, _ := cmd.Flags().GetInt64(pStart)
	memo, _ := cmd.Flags().GetBool(pMemo)
	logLvl, _ := cmd.Flags().GetInt(pLog)
	stats, _ := cmd.Flags().GetBool(pStats)

	if file == "" {
		return ValidateParams{}, fmt.Errorf("%w: --%s required", ErrParams, pFile)
	}
	if start < -1 || start > int64(^uint32(0)) {
		return ValidateParams{}, fmt.Errorf("%w: start state %d", ErrParams, start)
	}
	if logLvl < 0 || logLvl > int(fa.LogEverything) {
		return ValidateParams{}, fmt.Errorf("%w: log level %d", ErrParams, logLvl)
	}

	return ValidateParams{
		File:     file,
		Start:    start,
		Memo:     memo,
		LogLevel: fa.LogLevel(logLvl),
		Stats:    stats,
		Inputs:   args,
	}, nil
}

// ///// ///// /////

// ///// GRAPH, CHECK, EXPORT

// ///// ///// /////

// FileParams are params for commands operating on a single definition.
type FileParams struct {
	// File - definition file (json, yaml)
	File string
	// Format - output format of export (json, yaml)
	Format fa.Format
	// Output - export into a file instead of stdout, ".br" compresses
	Output string
}

func AddFileFlags(cmd *cobra.Command) {
	addFileFlag(cmd.Flags())
}

func AddExportFlags(cmd *cobra.Command) {
	AddFileFlags(cmd)
	cmd.Flags().String(pFormat, string(fa.FormatYAML), "Output format: json, yaml")
	cmd.Flags().StringP(pOutput, pOutShort, "",
		"Output file (json, yaml, json.br, yaml.br)")
}

func ParseFileParams(cmd *cobra.Command, _ []string) (FileParams, error) {
	file := strings.Trim(cmd.Flag(pFile).Value.String(), "\n ")
	if file == "" {
		return FileParams{}, fmt.Errorf("%w: --%s required", ErrParams, pFile)
	}

	p := FileParams{File: file}
	if f := cmd.Flag(pFormat); f != nil {
		p.Format = fa.Format(strings.ToLower(f.Value.String()))
		if p.Format != fa.FormatJSON && p.Format != fa.FormatYAML {
			return FileParams{}, fmt.Errorf("%w: format %q", ErrParams, p.Format)
		}
	}
	if f := cmd.Flag(pOutput); f != nil {
		p.Output = f.Value.String()
	}

	return p, nil
}

// ///// ///// /////

// ///// SERVE

// ///// ///// /////

// ServeParams are params for the serve command.
type ServeParams struct {
	// Files - definition files (json, yaml)
	Files []string
	// NoWatch - don't reload changed files
	NoWatch bool
}

func AddServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSliceP(pFile, pFileShort, nil, "Definition files (json, yaml)")
	f.Bool(pNoWatch, false, "Don't reload changed files")
}

func ParseServeParams(cmd *cobra.Command, args []string) (ServeParams, error) {
	files, _ := cmd.Flags().GetStringSlice(pFile)
	noWatch, _ := cmd.Flags().GetBool(pNoWatch)

	// positional files too
	files = append(files, args...)
	if len(files) == 0 {
		return ServeParams{}, fmt.Errorf("%w: --%s required", ErrParams, pFile)
	}

	return ServeParams{
		Files:   files,
		NoWatch: noWatch,
	}, nil
}

// ///// ///// /////

// ///// GRAFANA

// ///// ///// /////

// GrafanaParams are params for the grafana command.
type GrafanaParams struct {
	// Files - definition files (json, yaml)
	Files []string
	// Source - Prometheus job and Loki service name
	Source string
	// Name - dashboard name, defaults to Source
	Name string
	// Folder - Grafana folder
	Folder string
	// Sync - upload to FA_GRAFANA_URL instead of printing
	Sync bool
}

func AddGrafanaFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSliceP(pFile, pFileShort, nil, "Definition files (json, yaml)")
	f.String(pSource, "", "Prometheus job and Loki service name (FA_SERVICE)")
	f.String(pName, "", "Dashboard name, defaults to the source")
	f.String(pFolder, "automata", "Grafana folder")
	f.Bool(pSync, false, "Upload to FA_GRAFANA_URL with FA_GRAFANA_TOKEN")
}

func ParseGrafanaParams(
	cmd *cobra.Command, args []string,
) (GrafanaParams, error) {
	files, _ := cmd.Flags().GetStringSlice(pFile)
	source, _ := cmd.Flags().GetString(pSource)
	name, _ := cmd.Flags().GetString(pName)
	folder, _ := cmd.Flags().GetString(pFolder)
	sync, _ := cmd.Flags().GetBool(pSync)

	files = append(files, args...)
	if len(files) == 0 {
		return GrafanaParams{}, fmt.Errorf("%w: --%s required", ErrParams, pFile)
	}
	if source == "" {
		source = os.Getenv(grafana.EnvService)
	}
	if source == "" {
		return GrafanaParams{}, fmt.Errorf("%w: --%s required", ErrParams,
			pSource)
	}
	if name == "" {
		name = source
	}

	return GrafanaParams{
		Files:  files,
		Source: source,
		Name:   name,
		Folder: folder,
		Sync:   sync,
	}, nil
}
