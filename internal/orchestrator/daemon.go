// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/relayd/internal/config"
	"github.com/tombee/relayd/internal/lifecycle"
	"github.com/tombee/relayd/internal/metrics"
	"github.com/tombee/relayd/internal/tracing"
)

// shutdownTimeout bounds the final trace flush.
const shutdownTimeout = 5 * time.Second

// RunDaemon is the relayd process entry point. It takes the PID file,
// starts tracing and the optional metrics listener, and runs the
// orchestrator until ctx ends or the daily restart asks to exit.
// Another live instance yields lifecycle.ErrAlreadyRunning.
func RunDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) error {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	pidFile := lifecycle.NewPIDFile(cfg.Path(config.PIDFile), filepath.Base(os.Args[0]))
	if err := pidFile.Acquire(os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Release(); err != nil {
			logger.Warn("failed to remove PID file", "error", err)
		}
	}()

	provider, err := tracing.NewProvider(tracing.Config{
		ServiceName:    "relayd",
		ServiceVersion: version,
		Stdout:         cfg.Tracing.Stdout,
		OTLP: tracing.OTLPConfig{
			Endpoint: cfg.Tracing.OTLPEndpoint,
			Protocol: cfg.Tracing.OTLPProtocol,
			Insecure: cfg.Tracing.OTLPInsecure,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialise tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.ForceFlush(shutdownCtx); err != nil {
			logger.Warn("tracing flush failed", "error", err)
		}
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	orch, err := New(Options{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		Tracer:    provider.Tracer("github.com/tombee/relayd"),
		Collector: provider.Collector(),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		// Ending the orchestrator ends the metrics listener too.
		defer cancel()
		return orch.Run(runCtx)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return metrics.Serve(runCtx, cfg.Metrics.Addr, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
