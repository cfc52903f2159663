package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loykin/airsvc"
	"github.com/loykin/airsvc/internal/logger"
)

type command struct {
	global *GlobalFlags
	stdout io.Writer
	stderr io.Writer
}

// session is everything one invocation needs, opened from configuration.
type session struct {
	cfg     *airsvc.Config
	sup     *airsvc.Supervisor
	log     *slog.Logger
	closers []io.Closer
}

func (c *command) open() (*session, error) {
	cfg, err := airsvc.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	if c.global.LogLevel != "" {
		cfg.Log.Level = c.global.LogLevel
	}
	log, logCloser, err := logger.New(cfg.Log, c.stderr)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	runID := uuid.NewString()
	log = log.With("run_id", runID, "host", cfg.Hostname)
	s := &session{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	if err := airsvc.RegisterMetricsDefault(); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	opts := []airsvc.Option{airsvc.WithLogger(log), airsvc.WithRunID(runID)}
	if cfg.History.DSN != "" {
		// an unreachable history store must not keep services from being managed
		sink, err := airsvc.NewHistorySinkFromDSN(cfg.History.DSN)
		if err != nil {
			log.Warn("history disabled", "error", err)
		} else {
			opts = append(opts, airsvc.WithHistory(sink))
			if cl, ok := sink.(io.Closer); ok {
				s.closers = append([]io.Closer{cl}, s.closers...)
			}
		}
	}

	sup, err := airsvc.New(cfg, opts...)
	if err != nil {
		s.Close()
		return nil, &exitError{code: exitUsage, err: err}
	}
	s.sup = sup
	log.Debug("session opened", "home", cfg.Home, "config", cfg.File)
	return s, nil
}

// Close flushes metrics and releases the history sink and log file.
func (s *session) Close() {
	if s.sup != nil {
		if err := airsvc.WriteMetricsTextfile(s.cfg.Metrics.Textfile); err != nil {
			s.log.Warn("metrics textfile not written", "path", s.cfg.Metrics.Textfile, "error", err)
		}
	}
	for _, cl := range s.closers {
		_ = cl.Close()
	}
}

func (c *command) Start(ctx context.Context, names []string) error {
	return c.execute(ctx, airsvc.CommandStart, names)
}

func (c *command) Stop(ctx context.Context, names []string) error {
	return c.execute(ctx, airsvc.CommandStop, names)
}

func (c *command) Status(ctx context.Context, names []string, f StatusFlags) error {
	if f.All && len(names) > 0 {
		return &exitError{code: exitUsage, err: errors.New("--all does not take service names")}
	}
	if f.Watch {
		return c.watch(ctx, names, f)
	}
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()
	rep, err := s.status(ctx, names, f.All)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	return c.report(rep)
}

func (c *command) execute(ctx context.Context, cmd airsvc.Command, names []string) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()
	rep, err := s.sup.Run(ctx, cmd, names)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	return c.report(rep)
}

func (s *session) status(ctx context.Context, names []string, all bool) (airsvc.Report, error) {
	if all {
		return s.sup.StatusAll(ctx)
	}
	return s.sup.Status(ctx, names...)
}

// report prints rep and turns a failed batch into exit status 1.
func (c *command) report(rep airsvc.Report) error {
	if err := c.print(rep); err != nil {
		return err
	}
	if !rep.OK() {
		return &exitError{code: exitFailed}
	}
	return nil
}

func (c *command) print(rep airsvc.Report) error {
	if c.global.JSON {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	for _, r := range rep.Results {
		if _, err := fmt.Fprintln(c.stdout, r.String()); err != nil {
			return err
		}
		if r.Warning != nil {
			_, _ = fmt.Fprintf(c.stderr, "warning: %s: %v\n", r.Instance.ID(), r.Warning)
		}
	}
	return nil
}
