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
package cli

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/relayd/internal/commands/shared"
	"github.com/tombee/relayd/internal/config"
	"github.com/tombee/relayd/internal/lifecycle"
	"github.com/tombee/relayd/internal/log"
	"github.com/tombee/relayd/internal/orchestrator"
	relayerrors "github.com/tombee/relayd/pkg/errors"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// NewRootCommand creates the root Cobra command for relayd
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relayd",
		Short: "relayd - TUIC relay provisioner and supervisor",
		Long: `relayd provisions a TUIC relay server (certificate, binary, configuration
and connection link), keeps it running across crashes and reprovisions it
once a day at a fixed local time.

Configuration comes from the environment (RELAY_UUID, SERVER_PORT, ...)
and an optional YAML file named by RELAYD_CONFIG.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
		RunE:          runDaemon,
	}

	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return exitError(err)
	}

	logger := log.New(loggingConfig(cfg))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, _, _ := shared.GetVersion()
	err = orchestrator.RunDaemon(ctx, cfg, logger, v)
	if errors.Is(err, orchestrator.ErrDailyRestart) {
		logger.Info("exiting for daily restart")
		return nil
	}
	return exitError(err)
}

// loggingConfig merges the environment logging settings with the loaded
// config. RELAYD_DEBUG keeps its precedence over both.
func loggingConfig(cfg *config.Config) *log.Config {
	logCfg := log.FromEnv()
	if os.Getenv("RELAYD_DEBUG") == "" {
		logCfg.Level = cfg.Log.Level
	}
	logCfg.Format = log.Format(cfg.Log.Format)
	logCfg.AddSource = logCfg.AddSource || cfg.Log.AddSource
	return logCfg
}

// exitError maps err onto the relayd exit codes.
func exitError(err error) error {
	if err == nil {
		return nil
	}

	var exitErr *shared.ExitError
	if errors.As(err, &exitErr) {
		return err
	}

	var cfgErr *relayerrors.ConfigError
	var valErr *relayerrors.ValidationError
	switch {
	case errors.As(err, &valErr), errors.As(err, &cfgErr):
		return shared.NewInvalidConfigError("invalid configuration", err)
	case errors.Is(err, lifecycle.ErrAlreadyRunning):
		return shared.NewAlreadyRunningError("relayd is already running", err)
	default:
		return shared.NewFailureError("relayd failed", err)
	}
}
