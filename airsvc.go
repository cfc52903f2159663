package airsvc

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/airsvc/internal/catalog"
	cfg "github.com/loykin/airsvc/internal/config"
	"github.com/loykin/airsvc/internal/history"
	"github.com/loykin/airsvc/internal/history/factory"
	"github.com/loykin/airsvc/internal/metrics"
	"github.com/loykin/airsvc/internal/probe"
	"github.com/loykin/airsvc/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type ServiceConfig = cfg.ServiceConfig

type Instance = catalog.Instance

type Kind = catalog.Kind

type Command = supervisor.Command

type Outcome = supervisor.Outcome

type Result = supervisor.Result

type Report = supervisor.Report

type HistorySink = history.Sink

const (
	CommandStart  = supervisor.CommandStart
	CommandStop   = supervisor.CommandStop
	CommandStatus = supervisor.CommandStatus
)

var (
	ErrInvalidServiceName    = catalog.ErrInvalidServiceName
	ErrConfig                = cfg.ErrConfig
	ErrLaunch                = supervisor.ErrLaunch
	ErrResourceConflict      = supervisor.ErrResourceConflict
	ErrStop                  = supervisor.ErrStop
	ErrAmbiguousProcessMatch = probe.ErrAmbiguousProcessMatch
)

// Option customizes a Supervisor.
type Option func(*supervisor.Options)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *supervisor.Options) { o.Logger = l }
}

// WithHistory exports lifecycle events to sink.
func WithHistory(sink HistorySink) Option {
	return func(o *supervisor.Options) { o.History = sink }
}

// WithRunID tags history events with id.
func WithRunID(id string) Option {
	return func(o *supervisor.Options) { o.RunID = id }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *supervisor.Options) { o.Now = now }
}

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.
type Supervisor struct {
	cfg   *Config
	inner *supervisor.Supervisor
}

func New(c *Config, opts ...Option) (*Supervisor, error) {
	o := supervisor.Options{Config: c}
	for _, opt := range opts {
		opt(&o)
	}
	inner, err := supervisor.New(o)
	if err != nil {
		return nil, err
	}
	return &Supervisor{cfg: c, inner: inner}, nil
}

// Resolve expands service names for this host; see catalog.Resolve.
func (s *Supervisor) Resolve(names []string) ([]Instance, error) {
	return catalog.Resolve(names, s.cfg.Hostname)
}

// Run resolves names and executes cmd on every resulting instance. A
// resolution error aborts before any instance is touched.
func (s *Supervisor) Run(ctx context.Context, cmd Command, names []string) (Report, error) {
	insts, err := s.Resolve(names)
	if err != nil {
		return Report{Command: cmd}, err
	}
	return s.inner.Run(ctx, cmd, insts), nil
}

// StatusAll reports every kind on this host plus every recorded instance.
func (s *Supervisor) StatusAll(ctx context.Context) (Report, error) {
	insts, err := s.inner.Known(ctx)
	if err != nil {
		return Report{Command: CommandStatus}, err
	}
	return s.inner.Run(ctx, CommandStatus, insts), nil
}

func (s *Supervisor) Start(ctx context.Context, names ...string) (Report, error) {
	return s.Run(ctx, CommandStart, names)
}

func (s *Supervisor) Stop(ctx context.Context, names ...string) (Report, error) {
	return s.Run(ctx, CommandStop, names)
}

func (s *Supervisor) Status(ctx context.Context, names ...string) (Report, error) {
	return s.Run(ctx, CommandStatus, names)
}

// StateDir is the directory holding process records.
func (s *Supervisor) StateDir() string { return s.inner.Registry().Dir() }

// LoadConfig reads configuration; see internal/config.Load.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Kinds lists the service catalogue.
func Kinds() []Kind { return catalog.Kinds() }

// NewHistorySinkFromDSN opens a history sink; see internal/history/factory.
func NewHistorySinkFromDSN(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Metrics helpers
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// WriteMetricsTextfile writes the default registry to path for the
// node_exporter textfile collector; empty path is a no-op.
func WriteMetricsTextfile(path string) error {
	return metrics.WriteTextfile(path, prometheus.DefaultGatherer)
}
