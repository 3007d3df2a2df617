// Package grafana generates Grafana dashboards for automata metrics (from
// pkg/telemetry/prometheus) and logs (from Loki), and syncs them with a
// Grafana instance.
package grafana

import (
	"context"
	"errors"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/K-Phoen/grabana"
	"github.com/K-Phoen/grabana/dashboard"
	"github.com/K-Phoen/grabana/logs"
	"github.com/K-Phoen/grabana/row"
	"github.com/K-Phoen/grabana/stat"
	"github.com/K-Phoen/grabana/target/prometheus"
	"github.com/K-Phoen/grabana/timeseries"

	fa "github.com/pancsta/automata-go/pkg/automata"
	faprom "github.com/pancsta/automata-go/pkg/telemetry/prometheus"
)

const (
	EnvGrafanaUrl   = "FA_GRAFANA_URL"
	EnvGrafanaToken = "FA_GRAFANA_TOKEN"
	EnvService      = "FA_SERVICE"
)

var (
	ErrNoBuilder = errors.New("missing builder")
	ErrNoToken   = errors.New("missing token")
	ErrNoHost    = errors.New("missing host")
)

type Params struct {
	// Ids of automata to include.
	Ids []string
	// Name of the dashboard.
	Name string
	// Source is the Prometheus job and the Loki service name.
	Source string
	// Folder of the dashboard. Default: "automata".
	Folder     string
	GrafanaUrl string
	Token      string
}

// GenDashboard creates a dashboard with a row of metrics per automaton.
func GenDashboard(p Params) (*dashboard.Builder, error) {
	var options []dashboard.Option
	source := faprom.NormalizeId(p.Source)

	for _, id := range p.Ids {
		pId := faprom.NormalizeId(id)
		metric := func(name string) string {
			return `fa_` + pId + `_` + name + `{job="` + source + `"}`
		}

		options = append(options, dashboard.Row("Automaton: "+id,

			row.WithTimeSeries(
				"Validations",
				timeseries.Span(8),
				timeseries.DataSource("Prometheus"),
				timeseries.WithPrometheusTarget(
					`rate(`+metric("accepted_count")+`[1m])`,
					prometheus.Legend("Accepted / s"),
				),
				timeseries.WithPrometheusTarget(
					`rate(`+metric("rejected_count")+`[1m])`,
					prometheus.Legend("Rejected / s"),
				),
			),

			row.WithStat(
				"Definition",
				stat.Span(4),
				stat.DataSource("Prometheus"),
				stat.WithPrometheusTarget(metric("states_amount"),
					prometheus.Legend("States")),
				stat.WithPrometheusTarget(metric("finals_amount"),
					prometheus.Legend("Finals")),
				stat.WithPrometheusTarget(metric("transitions_amount"),
					prometheus.Legend("Transitions")),
			),
		), dashboard.Row(
			"Details: "+id,
			row.Collapse(),

			row.WithTimeSeries(
				"Search",
				timeseries.Span(12),
				timeseries.DataSource("Prometheus"),
				timeseries.FillOpacity(0),
				timeseries.WithPrometheusTarget(
					metric("input_len"),
					prometheus.Legend("Avg input length"),
				),
				timeseries.WithPrometheusTarget(
					metric("steps"),
					prometheus.Legend("Avg steps"),
				),
				timeseries.WithPrometheusTarget(
					metric("branches"),
					prometheus.Legend("Avg branch points"),
				),
				timeseries.WithPrometheusTarget(
					metric("dead_ends"),
					prometheus.Legend("Avg dead ends"),
				),
			),

			row.WithTimeSeries(
				"Validation time",
				timeseries.Span(12),
				timeseries.DataSource("Prometheus"),
				timeseries.WithPrometheusTarget(
					metric("validate_time"),
					prometheus.Legend("Avg time (μs)"),
				),
			),
		), dashboard.Row(
			"Logs: "+id,
			row.Collapse(),

			row.WithLogs(
				"Logs",
				logs.Span(12),
				logs.Height("800px"),
				logs.DataSource("Loki"),
				logs.WithLokiTarget(
					`{service_name="`+source+`", automaton_id="`+id+`"}`),
			),
		))
	}

	options = append(options,
		dashboard.AutoRefresh("5s"),
		dashboard.Time("now-15m", "now"),
		dashboard.Tags([]string{"generated", "automata"}))

	builder, err := dashboard.New(p.Name, options...)
	if err != nil {
		return nil, err
	}

	return &builder, nil
}

// SyncDashboard creates or updates the dashboard in Grafana.
func SyncDashboard(
	ctx context.Context, p Params, builder *dashboard.Builder,
) error {
	if builder == nil {
		return ErrNoBuilder
	}
	if p.Token == "" {
		return ErrNoToken
	}
	if p.GrafanaUrl == "" {
		return ErrNoHost
	}
	url := strings.TrimRight(p.GrafanaUrl, "/")
	folderName := p.Folder
	if folderName == "" {
		folderName = "automata"
	}

	client := grabana.NewClient(&http.Client{}, url,
		grabana.WithAPIToken(p.Token))

	// create the folder holding the dashboard for the service
	folder, err := client.FindOrCreateFolder(ctx, folderName)
	if err != nil {
		return err
	}
	_, err = client.UpsertDashboard(ctx, folder, *builder)

	return err
}

// Syncer keeps a single dashboard in sync with a growing list of automata.
type Syncer struct {
	p  Params
	mx sync.Mutex
}

// NewSyncerEnv creates a Syncer, based on environment variables:
// - FA_GRAFANA_URL: the Grafana URL
// - FA_GRAFANA_TOKEN: the Grafana API token
// - FA_SERVICE: the service name
// Returns nil if any of them is missing.
func NewSyncerEnv() *Syncer {
	p := Params{
		GrafanaUrl: os.Getenv(EnvGrafanaUrl),
		Token:      os.Getenv(EnvGrafanaToken),
		Source:     os.Getenv(EnvService),
	}
	if p.GrafanaUrl == "" || p.Token == "" || p.Source == "" {
		return nil
	}
	p.Name = p.Source

	return &Syncer{p: p}
}

// Add includes the automaton in the dashboard, and syncs it if it's new.
func (s *Syncer) Add(ctx context.Context, a fa.Automaton) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if slices.Contains(s.p.Ids, a.Id()) {
		return nil
	}
	s.p.Ids = append(s.p.Ids, a.Id())
	slices.Sort(s.p.Ids)

	b, err := GenDashboard(s.p)
	if err != nil {
		return err
	}
	a.Log("[grafana] sync %s", s.p.Name)

	return SyncDashboard(ctx, s.p, b)
}

// Ids returns the IDs of the included automata.
func (s *Syncer) Ids() []string {
	s.mx.Lock()
	defer s.mx.Unlock()

	return slices.Clone(s.p.Ids)
}
