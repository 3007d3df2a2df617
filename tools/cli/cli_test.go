package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lithammer/dedent"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fa "github.com/pancsta/automata-go/pkg/automata"
	fanats "github.com/pancsta/automata-go/pkg/integrations/nats"
)

var coolJSON = `{
  "id": "cool",
  "kind": "dfa",
  "finals": [4],
  "transitions": [
    {"symbols": "$printable", "from": 0, "to": 0},
    {"symbols": "c", "from": 0, "to": 1},
    {"symbols": "$printable", "from": 1, "to": 0},
    {"symbols": "o", "from": 1, "to": 2},
    {"symbols": "$printable", "from": 2, "to": 0},
    {"symbols": "o", "from": 2, "to": 3},
    {"symbols": "$printable", "from": 3, "to": 0},
    {"symbols": "l", "from": 3, "to": 4},
    {"symbols": "$printable", "from": 4, "to": 4}
  ]
}`

var abYAML = dedent.Dedent(`
	id: ab
	kind: nfa
	finals: [3]
	transitions:
	  - symbols: a
	    from: 0
	    to: [1, 2]
	  - symbols: b
	    from: 1
	    to: 3
	  - symbols: ab
	    from: 2
	    to: 1
`)

// state 5 is a final, which can't be reached
var brokenYAML = dedent.Dedent(`
	id: broken
	kind: dfa
	finals: [2, 5]
	transitions:
	  - symbols: a
	    from: 0
	    to: 1
	  - symbols: b
	    from: 1
	    to: 2
	  - symbols: c
	    from: 1
	    to: 3
	  - symbols: x
	    from: 4
	    to: 5
`)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestValidateArgs(t *testing.T) {
	path := writeFile(t, "cool.json", coolJSON)
	out := &bytes.Buffer{}

	err := Validate(context.Background(), ValidateParams{
		File:   path,
		Start:  -1,
		Stats:  true,
		Inputs: []string{"cool", "kool", "coolio"},
	}, nil, out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "cool\ttrue", lines[0])
	assert.Equal(t, "kool\tfalse", lines[1])
	assert.Equal(t, "coolio\ttrue", lines[2])
	assert.Contains(t, lines[3], "cool (dfa)")
	assert.Equal(t, "validated 3, accepted 2 (66.7%)", lines[4])
}

func TestValidateStdin(t *testing.T) {
	path := writeFile(t, "ab.yaml", abYAML)
	in := strings.NewReader("ab\r\naab\nabb\nba\n")
	out := &bytes.Buffer{}

	err := Validate(context.Background(), ValidateParams{
		File:  path,
		Start: -1,
		Memo:  true,
	}, in, out)
	require.NoError(t, err)
	assert.Equal(t, "ab\ttrue\naab\ttrue\nabb\ttrue\nba\tfalse\n", out.String())
}

func TestValidateStdinLongLine(t *testing.T) {
	path := writeFile(t, "cool.json", coolJSON)
	long := strings.Repeat("a", 100_000) + "cool"
	in := strings.NewReader(long + "\n" + strings.Repeat("b", 200_000) + "\n")
	out := &bytes.Buffer{}

	err := Validate(context.Background(), ValidateParams{
		File:  path,
		Start: -1,
	}, in, out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "cool\ttrue"))
	assert.True(t, strings.HasSuffix(lines[1], "b\tfalse"))
}

func TestValidateStart(t *testing.T) {
	path := writeFile(t, "ab.yaml", abYAML)
	out := &bytes.Buffer{}

	// from 1, only "b" gets to 3
	err := Validate(context.Background(), ValidateParams{
		File:   path,
		Start:  1,
		Inputs: []string{"b", "ab"},
	}, nil, out)
	require.NoError(t, err)
	assert.Equal(t, "b\ttrue\nab\tfalse\n", out.String())
}

func TestValidateLogs(t *testing.T) {
	path := writeFile(t, "ab.yaml", abYAML)
	out := &bytes.Buffer{}

	// sequential path
	err := Validate(context.Background(), ValidateParams{
		File:     path,
		Start:    -1,
		LogLevel: fa.LogChanges,
		Inputs:   []string{"ab", "b"},
	}, nil, out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "ab\ttrue\nb\tfalse\n")
}

func TestValidateMissingFile(t *testing.T) {
	err := Validate(context.Background(), ValidateParams{
		File:  filepath.Join(t.TempDir(), "missing.json"),
		Start: -1,
	}, nil, io.Discard)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGraph(t *testing.T) {
	path := writeFile(t, "ab.yaml", abYAML)
	out := &bytes.Buffer{}

	require.NoError(t, Graph(FileParams{File: path}, out))
	assert.True(t, strings.HasPrefix(out.String(), "flowchart LR\n"))
}

func TestCheck(t *testing.T) {
	out := &bytes.Buffer{}
	ok, err := Check(FileParams{File: writeFile(t, "ab.yaml", abYAML)}, out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "ok")

	out.Reset()
	ok, err = Check(FileParams{File: writeFile(t, "broken.yaml", brokenYAML)},
		out)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, out.String(), "unreachable finals: [5]")
	assert.Contains(t, out.String(), "dead states:")
	assert.NotContains(t, out.String(), "empty language")
}

func TestExport(t *testing.T) {
	path := writeFile(t, "cool.json", coolJSON)

	// yaml
	out := &bytes.Buffer{}
	require.NoError(t, Export(FileParams{File: path, Format: fa.FormatYAML}, out))
	def, err := fa.ParseDefinition(out.Bytes(), fa.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "cool", def.Id)
	assert.Equal(t, fa.KindDFA, def.Kind)

	// json, round trip via a file
	out.Reset()
	require.NoError(t, Export(FileParams{File: path, Format: fa.FormatJSON}, out))
	path2 := writeFile(t, "cool.json", out.String())
	vOut := &bytes.Buffer{}
	err = Validate(context.Background(), ValidateParams{
		File:   path2,
		Start:  -1,
		Inputs: []string{"xcoolx", "coo"},
	}, nil, vOut)
	require.NoError(t, err)
	assert.Equal(t, "xcoolx\ttrue\ncoo\tfalse\n", vOut.String())

	// compressed file
	brPath := filepath.Join(t.TempDir(), "cool.yaml.br")
	require.NoError(t, Export(FileParams{File: path, Output: brPath}, io.Discard))
	def, err = fa.LoadDefinition(brPath)
	require.NoError(t, err)
	assert.Equal(t, "cool", def.Id)
}

func TestGrafana(t *testing.T) {
	p := GrafanaParams{
		Files: []string{
			writeFile(t, "cool.json", coolJSON),
			writeFile(t, "ab.yaml", abYAML),
		},
		Source: "fa",
		Name:   "fa",
	}
	out := &bytes.Buffer{}

	require.NoError(t, Grafana(context.Background(), p, out))
	assert.Contains(t, out.String(), "Automaton: cool")
	assert.Contains(t, out.String(), "Automaton: ab")
}

func TestParseParams(t *testing.T) {
	cmd := &cobra.Command{}
	AddValidateFlags(cmd)

	// missing file
	_, err := ParseValidateParams(cmd, nil)
	assert.ErrorIs(t, err, ErrParams)

	require.NoError(t, cmd.Flags().Parse([]string{"-f", "ab.yaml", "-s", "2",
		"--memo", "-l", "3"}))
	p, err := ParseValidateParams(cmd, []string{"ab"})
	require.NoError(t, err)
	assert.Equal(t, "ab.yaml", p.File)
	assert.Equal(t, int64(2), p.Start)
	assert.True(t, p.Memo)
	assert.Equal(t, fa.LogDecisions, p.LogLevel)
	assert.Equal(t, []string{"ab"}, p.Inputs)

	// wrong log level
	require.NoError(t, cmd.Flags().Parse([]string{"-l", "9"}))
	_, err = ParseValidateParams(cmd, nil)
	assert.ErrorIs(t, err, ErrParams)

	// wrong format
	cmd = &cobra.Command{}
	AddExportFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"-f", "ab.yaml",
		"--format", "toml"}))
	_, err = ParseFileParams(cmd, nil)
	assert.ErrorIs(t, err, ErrParams)
}

func TestReadServeConfig(t *testing.T) {
	t.Setenv("FA_NATS_EMBEDDED", "1")
	t.Setenv("FA_HISTORY", "bbolt")

	cfg, err := ReadServeConfig(context.Background())
	require.NoError(t, err)
	assert.True(t, cfg.NatsEmbedded)
	assert.Equal(t, "fa", cfg.Topic)
	assert.Equal(t, 1000, cfg.HistoryMax)
	assert.Equal(t, 10*time.Second, cfg.MetricsInterval)

	t.Setenv("FA_HISTORY", "postgres")
	_, err = ReadServeConfig(context.Background())
	assert.ErrorIs(t, err, ErrParams)

	t.Setenv("FA_HISTORY", "redis")
	_, err = ReadServeConfig(context.Background())
	assert.ErrorIs(t, err, ErrParams)
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := writeFile(t, "cool.json", coolJSON)
	cfg := &ServeConfig{
		NatsEmbedded:    true,
		NatsPort:        -1,
		Topic:           "fa",
		MetricsAddr:     "127.0.0.1:0",
		MetricsInterval: time.Second,
		History:         HistoryBbolt,
		HistoryName:     filepath.Join(t.TempDir(), "hist"),
		HistoryMax:      100,
	}
	s, err := NewServer(ctx, cfg, ServeParams{Files: []string{path}}, io.Discard)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{"cool"}, s.Registry.Ids())

	// validate over NATS
	nc, err := nats.Connect(s.NatsUrl())
	require.NoError(t, err)
	defer nc.Close()
	res, err := fanats.Validate(ctx, nc, "fa", "cool", "cool", "kool")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, res)

	// metrics
	resp, err := http.Get("http://" + s.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "fa_cool_validations_count 2")
	assert.Contains(t, string(body), "fa_cool_accepted_count 1")

	// history
	mem := s.History("cool")
	require.NotNil(t, mem)
	assert.Eventually(t, func() bool {
		recs, err := mem.Latest(ctx, 10)
		return err == nil && len(recs) == 2
	}, 3*time.Second, 50*time.Millisecond)

	// reload on change, with a different final state
	prev := s.Metrics("cool")
	changed := strings.Replace(coolJSON, `"finals": [4]`, `"finals": [3]`, 1)
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))
	assert.Eventually(t, func() bool {
		m := s.Metrics("cool")
		return m != nil && m != prev
	}, 3*time.Second, 50*time.Millisecond)
	// the previous subscription goes away asynchronously
	assert.Eventually(t, func() bool {
		res, err := fanats.Validate(ctx, nc, "fa", "cool", "coo")
		return err == nil && res[0]
	}, 3*time.Second, 50*time.Millisecond)

	s.Close()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("server not done")
	}
}
