package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watch re-reports status whenever a process record changes or the interval
// elapses, printing only when the report differs from the previous one. It
// returns when ctx is canceled or the process is interrupted.
func (c *command) watch(ctx context.Context, names []string, f StatusFlags) error {
	if f.Interval <= 0 {
		f.Interval = defaultWatchInterval
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	dir := s.sup.StateDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return err
	}

	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	var last string
	refresh := func() error {
		rep, err := s.status(ctx, names, f.All)
		if err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		text := fmt.Sprint(rep.Results)
		if text == last {
			return nil
		}
		last = text
		if !c.global.JSON {
			_, _ = fmt.Fprintf(c.stdout, "# %s\n", time.Now().Format(time.RFC3339))
		}
		return c.print(rep)
	}

	if err := refresh(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.log.Debug("state changed", "event", ev.Op.String(), "path", ev.Name)
			if err := refresh(); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watch error", "error", err)
		case <-ticker.C:
			if err := refresh(); err != nil {
				return err
			}
		}
	}
}
