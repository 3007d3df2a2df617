package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sethvargo/go-envconfig"
	"github.com/teivah/onecontext"
	"gorm.io/gorm"

	"github.com/pancsta/automata-go/internal/utils"
	fa "github.com/pancsta/automata-go/pkg/automata"
	fahelp "github.com/pancsta/automata-go/pkg/helpers"
	fahist "github.com/pancsta/automata-go/pkg/history"
	histbbolt "github.com/pancsta/automata-go/pkg/history/bbolt"
	histgorm "github.com/pancsta/automata-go/pkg/history/gorm"
	fanats "github.com/pancsta/automata-go/pkg/integrations/nats"
	"github.com/pancsta/automata-go/pkg/registry"
	"github.com/pancsta/automata-go/pkg/telemetry"
	"github.com/pancsta/automata-go/pkg/telemetry/grafana"
	faprom "github.com/pancsta/automata-go/pkg/telemetry/prometheus"
)

const (
	HistoryMemory   = "memory"
	HistoryBbolt    = "bbolt"
	HistorySqlite   = "sqlite"
	HistoryPostgres = "postgres"
)

// ServeConfig is the env config of the serve command.
type ServeConfig struct {
	// NATS

	NatsUrl string `env:"FA_NATS_URL, default=nats://127.0.0.1:4222"`
	// NatsEmbedded starts an embedded NATS server on NatsPort and ignores
	// NatsUrl.
	NatsEmbedded bool   `env:"FA_NATS_EMBEDDED"`
	NatsPort     int    `env:"FA_NATS_PORT, default=-1"`
	Topic        string `env:"FA_TOPIC, default=fa"`
	Queue        string `env:"FA_QUEUE"`

	// metrics

	// MetricsAddr serves /metrics, eg ":9090". Empty disables.
	MetricsAddr     string        `env:"FA_METRICS_ADDR"`
	MetricsInterval time.Duration `env:"FA_METRICS_INTERVAL, default=10s"`
	PushGatewayUrl  string        `env:"FA_PUSH_GATEWAY_URL"`
	PushInterval    time.Duration `env:"FA_PUSH_INTERVAL, default=15s"`

	// history

	// History is one of: "memory", "bbolt", "sqlite", "postgres", ""
	// (disabled)
	History string `env:"FA_HISTORY"`
	// HistoryName is a file name prefix, suffixed with automaton IDs.
	HistoryName string `env:"FA_HISTORY_NAME, default=fahist"`
	// HistoryDsn is the connection string of "postgres".
	HistoryDsn string `env:"FA_HISTORY_DSN"`
	HistoryMax  int    `env:"FA_HISTORY_MAX, default=1000"`

	// automata

	Memoize bool `env:"FA_MEMOIZE"`
}

// ReadServeConfig reads ServeConfig from env vars.
func ReadServeConfig(ctx context.Context) (*ServeConfig, error) {
	cfg := &ServeConfig{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, err
	}
	switch cfg.History {
	case "", HistoryMemory, HistoryBbolt, HistorySqlite:
	case HistoryPostgres:
		if cfg.HistoryDsn == "" {
			return nil, fmt.Errorf("%w: FA_HISTORY_DSN required", ErrParams)
		}
	default:
		return nil, fmt.Errorf("%w: FA_HISTORY=%q", ErrParams, cfg.History)
	}

	return cfg, nil
}

// binding holds everything attached to a single loaded automaton.
type binding struct {
	a       fa.Automaton
	cancel  context.CancelFunc
	metrics *faprom.Metrics
	mem     fahist.MemoryApi
}

// Server exposes automata over NATS, with metrics and history.
type Server struct {
	Cfg      *ServeConfig
	Registry *registry.Registry
	Prom     *prometheus.Registry

	ctx      context.Context
	cancel   context.CancelFunc
	out      io.Writer
	ns       *server.Server
	nc       *nats.Conn
	http     *http.Server
	httpAddr string
	pusher   *push.Pusher
	otel     *telemetry.OtelTracer
	otelStop func(context.Context) error
	grafana  *grafana.Syncer

	mx       sync.Mutex
	bindings map[string]*binding
	closed   bool
}

// NewServer loads the files and starts serving them. It stops when ctx is
// done, or when the NATS connection closes.
func NewServer(
	ctx context.Context, cfg *ServeConfig, p ServeParams, out io.Writer,
) (*Server, error) {
	ctxNats, cancelNats := context.WithCancel(context.Background())
	ctx, cancel := onecontext.Merge(ctx, ctxNats)
	s := &Server{
		Cfg:      cfg,
		Prom:     prometheus.NewRegistry(),
		ctx:      ctx,
		cancel:   func() { cancel(); cancelNats() },
		out:      out,
		bindings: make(map[string]*binding),
	}
	var err error
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	// NATS
	url := cfg.NatsUrl
	if cfg.NatsEmbedded {
		s.ns, err = server.NewServer(&server.Options{
			Host:   "127.0.0.1",
			Port:   cfg.NatsPort,
			NoSigs: true,
			NoLog:  true,
		})
		if err != nil {
			return nil, err
		}
		s.ns.Start()
		if !s.ns.ReadyForConnections(5 * time.Second) {
			err = errors.New("embedded NATS not ready")
			return nil, err
		}
		url = s.ns.ClientURL()
	}
	s.nc, err = nats.Connect(url,
		nats.Name("fa-"+utils.Hostname()),
		nats.ClosedHandler(func(*nats.Conn) { cancelNats() }))
	if err != nil {
		return nil, err
	}

	// telemetry
	s.otel, s.otelStop, err = telemetry.NewOtelTracerEnv(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.MetricsAddr != "" {
		if err = s.serveMetrics(); err != nil {
			return nil, err
		}
	}
	s.grafana = grafana.NewSyncerEnv()
	if cfg.PushGatewayUrl != "" {
		s.pusher = push.New(cfg.PushGatewayUrl, "fa").Gatherer(s.Prom)
		go s.pushLoop()
	}

	// automata
	s.Registry = registry.New(&registry.Opts{
		Build: &fa.Opts{
			Memoize:  cfg.Memoize,
			LogLevel: fa.LogLevelFromEnv(),
		},
		OnLoad: func(a fa.Automaton, path string) {
			if err := s.bind(a); err != nil {
				s.log("bind %s: %s", path, err)
			}
		},
		OnErr: func(err error) {
			s.log("%s", err)
		},
	})
	files := utils.SlicesUniq(p.Files)
	if p.NoWatch {
		for _, f := range files {
			if _, err = s.Registry.Load(f); err != nil {
				return nil, err
			}
		}
	} else if err = s.Registry.Watch(ctx, files...); err != nil {
		return nil, err
	}

	context.AfterFunc(ctx, s.Close)

	return s, nil
}

// NatsUrl returns the URL of the connected NATS server.
func (s *Server) NatsUrl() string {
	return s.nc.ConnectedUrl()
}

// MetricsAddr returns the listening address of /metrics.
func (s *Server) MetricsAddr() string {
	return s.httpAddr
}

// Done is closed when the server stops.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// History returns the history of a loaded automaton, if any.
func (s *Server) History(id string) fahist.MemoryApi {
	s.mx.Lock()
	defer s.mx.Unlock()

	if b, ok := s.bindings[id]; ok {
		return b.mem
	}
	return nil
}

// Metrics returns the metrics of a loaded automaton.
func (s *Server) Metrics(id string) *faprom.Metrics {
	s.mx.Lock()
	defer s.mx.Unlock()

	if b, ok := s.bindings[id]; ok {
		return b.metrics
	}
	return nil
}

// bind attaches metrics, history and telemetry to a (re)loaded automaton, and
// exposes it over NATS. The previous version gets unbound first.
func (s *Server) bind(a fa.Automaton) (err error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.closed {
		return errors.New("server closed")
	}
	id := a.Id()
	if prev, ok := s.bindings[id]; ok {
		s.unbind(prev)
		delete(s.bindings, id)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	b := &binding{a: a, cancel: cancel}
	defer func() {
		if err != nil {
			s.unbind(b)
		}
	}()

	// metrics
	b.metrics, err = faprom.BindAutomaton(a, s.Cfg.MetricsInterval)
	if err != nil {
		return err
	}
	for _, c := range b.metrics.Collectors() {
		if err = s.Prom.Register(c); err != nil {
			return err
		}
	}

	// history
	b.mem, err = s.newHistory(ctx, a)
	if err != nil {
		return err
	}

	// telemetry
	if s.otel != nil {
		if err = s.otel.Bind(a); err != nil {
			return err
		}
	}
	if err = telemetry.BindLokiEnv(ctx, a); err != nil {
		return err
	}

	// expose
	err = fanats.ExposeAutomaton(ctx, a, s.nc, s.Cfg.Topic, s.Cfg.Queue)
	if err != nil {
		return err
	}

	s.bindings[id] = b
	s.log("loaded %s", fahelp.NewStats(a))
	if s.grafana != nil {
		go func() {
			if err := s.grafana.Add(ctx, a); err != nil {
				s.log("grafana %s: %s", id, err)
			}
		}()
	}

	return nil
}

func (s *Server) newHistory(
	ctx context.Context, a fa.Automaton,
) (fahist.MemoryApi, error) {
	base := fahist.BaseConfig{
		MaxRecords:    s.Cfg.HistoryMax,
		TrackRejected: true,
	}
	name := s.Cfg.HistoryName + "_" + telemetry.NormalizeId(a.Id())
	onErr := func(err error) {
		s.log("history %s: %s", a.Id(), err)
	}

	switch s.Cfg.History {
	case HistoryMemory:
		mem, err := fahist.Track(ctx, a, base)
		if err != nil {
			return nil, err
		}
		return mem, nil

	case HistoryBbolt:
		db, err := histbbolt.NewDb(name)
		if err != nil {
			return nil, err
		}
		mem, err := histbbolt.NewMemory(ctx, db, a,
			histbbolt.Config{BaseConfig: base}, onErr)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return mem, nil

	case HistorySqlite, HistoryPostgres:
		newDb := func() (*gorm.DB, *sql.DB, error) {
			return histgorm.NewSqlite(name, false)
		}
		if s.Cfg.History == HistoryPostgres {
			// all the automata share a single DB
			newDb = func() (*gorm.DB, *sql.DB, error) {
				return histgorm.NewPostgres(s.Cfg.HistoryDsn, false)
			}
		}
		db, dbSql, err := newDb()
		if err != nil {
			return nil, err
		}
		mem, err := histgorm.NewMemory(ctx, db, a,
			histgorm.Config{BaseConfig: base}, onErr)
		if err != nil {
			_ = dbSql.Close()
			return nil, err
		}
		return mem, nil
	}

	return nil, nil
}

// unbind requires s.mx.
func (s *Server) unbind(b *binding) {
	b.cancel()
	if b.metrics != nil {
		for _, c := range b.metrics.Collectors() {
			s.Prom.Unregister(c)
		}
		b.metrics.Close()
	}
	if b.mem != nil {
		if err := b.mem.Dispose(); err != nil {
			s.log("history %s: %s", b.a.Id(), err)
		}
	}
	if s.otel != nil {
		s.otel.Unbind(b.a.Id())
	}
}

func (s *Server) serveMetrics() error {
	ln, err := net.Listen("tcp", s.Cfg.MetricsAddr)
	if err != nil {
		return err
	}
	s.httpAddr = ln.Addr().String()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.Prom, promhttp.HandlerOpts{}))
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log("metrics: %s", err)
		}
	}()

	return nil
}

func (s *Server) pushLoop() {
	t := time.NewTicker(s.Cfg.PushInterval)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.refreshMetrics()
			if err := s.pusher.Push(); err != nil {
				s.log("push: %s", err)
			}
		}
	}
}

func (s *Server) refreshMetrics() {
	s.mx.Lock()
	defer s.mx.Unlock()

	for _, b := range s.bindings {
		b.metrics.Refresh()
	}
}

// Close unbinds all the automata and stops all the servers.
func (s *Server) Close() {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return
	}
	s.closed = true
	s.mx.Unlock()

	// flush the last metrics
	if s.pusher != nil {
		s.refreshMetrics()
		_ = s.pusher.Push()
	}

	s.mx.Lock()
	for id, b := range s.bindings {
		s.unbind(b)
		delete(s.bindings, id)
	}
	s.mx.Unlock()
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.http != nil {
		_ = s.http.Shutdown(ctx)
	}
	if s.otelStop != nil {
		_ = s.otelStop(ctx)
	}
	if s.nc != nil {
		s.nc.Close()
	}
	if s.ns != nil {
		s.ns.Shutdown()
	}
}

func (s *Server) log(msg string, args ...any) {
	if s.out == nil {
		return
	}
	_, _ = fmt.Fprintf(s.out, msg+"\n", args...)
}
