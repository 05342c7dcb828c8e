// ABOUTME: Entry points that boot workers: both roles in one process for single
// ABOUTME: mode, or one role attached to a master-provided channel in cluster mode.

package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/egg/internal/clusterclient"
	"github.com/2389/egg/internal/config"
	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/messenger"
)

// BootFunc wires a worker's clients once its messenger exists.
type BootFunc func(ctx context.Context, w *Worker) error

// Boot holds the boot function of each role.
type Boot struct {
	Agent BootFunc
	App   BootFunc
}

func (b Boot) forRole(role envelope.Role) BootFunc {
	if role == envelope.RoleAgent {
		return b.Agent
	}
	return b.App
}

// Single is the pair of workers of a single-mode process.
type Single struct {
	Agent *Worker
	App   *Worker
	pair  *messenger.Pair
}

// Close closes the application before the agent, then the pair.
func (s *Single) Close() error {
	var errs []error
	if s.App != nil {
		errs = appendCloseError(errs, "app", s.App.Close())
	}
	if s.Agent != nil {
		errs = appendCloseError(errs, "agent", s.Agent.Close())
	}
	s.pair.Close()
	if len(errs) > 0 {
		return fmt.Errorf("single mode close errors: %v", errs)
	}
	return nil
}

// RunSingle runs the agent and one application worker in this process until
// ctx is done.
func RunSingle(ctx context.Context, cfg *config.Config, boot Boot, logger *slog.Logger) error {
	s, err := StartSingle(ctx, cfg, boot, logger)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// StartSingle boots both workers of a single-mode process. The agent boots
// first, then the application, then egg-ready is broadcast. It returns once
// the application saw egg-ready; the caller owns closing the result.
func StartSingle(ctx context.Context, cfg *config.Config, boot Boot, logger *slog.Logger) (*Single, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Single{pair: messenger.NewPair()}
	hub := clusterclient.NewHub()

	start := func(role envelope.Role) (*Worker, error) {
		w, err := New(Options{
			Role:   role,
			Mode:   messenger.ModeSingle,
			Pair:   s.pair,
			Hub:    hub,
			Config: cfg,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		if fn := boot.forRole(role); fn != nil {
			if err := fn(ctx, w); err != nil {
				_ = w.Close()
				return nil, fmt.Errorf("booting %s: %w", role, err)
			}
		}
		w.Started()
		return w, nil
	}

	var err error
	if s.Agent, err = start(envelope.RoleAgent); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.App, err = start(envelope.RoleApplication); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.Agent.raw.Broadcast(envelope.ActionReady, nil)
	if err := s.App.WaitReady(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info("single mode started", "pid", s.Agent.raw.PID())
	return s, nil
}

// RunProcess runs one worker against the master's channel until ctx is done
// or the channel reports the master gone.
func RunProcess(ctx context.Context, opts Options, boot Boot, done <-chan struct{}) error {
	w, err := New(opts)
	if err != nil {
		return err
	}

	if fn := boot.forRole(opts.Role); fn != nil {
		if err := fn(ctx, w); err != nil {
			_ = w.Close()
			return fmt.Errorf("booting %s: %w", opts.Role, err)
		}
	}
	w.Started()

	select {
	case <-ctx.Done():
	case <-done:
		w.logger.Warn("master channel closed, exiting")
	}
	return w.Close()
}
