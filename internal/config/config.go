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

// Package config loads relayd's configuration from defaults, an optional
// YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/relayd/internal/identity"
	"github.com/tombee/relayd/internal/log"
	"github.com/tombee/relayd/internal/provision"
	"github.com/tombee/relayd/internal/scheduler"
	relayerrors "github.com/tombee/relayd/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Daily restart modes.
const (
	// ModeReprovision runs a fresh provisioning cycle inside the same process.
	ModeReprovision = "reprovision"

	// ModeExit makes relayd exit with status 0 so an external manager restarts it.
	ModeExit = "exit"
)

// File names inside the work directory.
const (
	ServerConfigFile = "server.toml"
	CertFile         = "tuic-cert.pem"
	KeyFile          = "tuic-key.pem"
	LinkFile         = "tuic_link.txt"
	BinaryFile       = "tuic-server"
	PIDFile          = "relayd.pid"
)

// Config represents the complete relayd configuration. It is built once at
// startup and treated as immutable afterwards.
type Config struct {
	// UUID identifies the relay user. Required.
	// Environment: RELAY_UUID
	UUID string `yaml:"uuid"`

	// WorkDir holds every file relayd reads or writes.
	// Environment: RELAYD_WORKDIR
	// Default: current directory
	WorkDir string `yaml:"work_dir"`

	// Port is the relay's listening port. Zero draws a random port each cycle.
	// Environment: SERVER_PORT
	Port int `yaml:"port"`

	// MaskDomains is the allow-list the certificate CN and SNI are drawn from.
	// Default: [www.bing.com]
	MaskDomains []string `yaml:"mask_domains"`

	Binary      BinaryConfig      `yaml:"binary"`
	Certificate CertificateConfig `yaml:"certificate"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Provision   ProvisionConfig   `yaml:"provision"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// BinaryConfig selects the relay executable to download.
type BinaryConfig struct {
	// URL overrides the release asset. Empty derives it from Version and GOARCH.
	URL string `yaml:"url,omitempty"`

	// Version is the release tag. Default: v1.4.5
	Version string `yaml:"version"`
}

// CertificateConfig configures certificate generation.
type CertificateConfig struct {
	// Generator is "openssl" or "builtin". Default: openssl
	Generator string `yaml:"generator"`

	// ValidityDays is the certificate lifetime. Default: 365
	ValidityDays int `yaml:"validity_days"`

	// OpenSSLPath is the openssl executable. Default: openssl
	OpenSSLPath string `yaml:"openssl_path"`
}

// ScheduleConfig configures the daily restart.
type ScheduleConfig struct {
	// Timezone is an IANA zone name.
	// Environment: RELAYD_TIMEZONE
	// Default: Asia/Shanghai
	Timezone string `yaml:"timezone"`

	// At is the local wall-clock time, "HH:MM" or "HH:MM:SS".
	// Environment: RELAYD_RESTART_AT
	// Default: 00:00
	At string `yaml:"at"`

	// Mode is "reprovision" or "exit".
	// Environment: RELAYD_DAILY_MODE
	// Default: reprovision
	Mode string `yaml:"mode"`

	// MinDelay is the shortest sleep when the target is already due. Default: 1s
	MinDelay time.Duration `yaml:"min_delay"`
}

// SupervisorConfig configures relay supervision.
type SupervisorConfig struct {
	// Cooldown between an exit and the relaunch. Default: 5s
	Cooldown time.Duration `yaml:"cooldown"`

	// StopTimeout between SIGTERM and SIGKILL. Default: 10s
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// DiscoveryConfig configures public address discovery.
type DiscoveryConfig struct {
	// Providers are plain-text echo endpoints tried in order. Empty uses the
	// built-in list.
	Providers []string `yaml:"providers,omitempty"`

	// Timeout bounds each provider attempt. Default: 3s
	Timeout time.Duration `yaml:"timeout"`
}

// ProvisionConfig configures provisioning retries.
type ProvisionConfig struct {
	// RetryDelay is the wait before a failed cycle is retried. Default: 30s
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// HTTPConfig configures outbound HTTP for downloads and discovery.
type HTTPConfig struct {
	// Timeout bounds a download including redirects. Default: 5m
	Timeout time.Duration `yaml:"timeout"`

	// RetryAttempts for transient failures. Default: 3
	RetryAttempts int `yaml:"retry_attempts"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is trace, debug, info, warn or error.
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format is json or text.
	// Environment: LOG_FORMAT
	// Default: text
	Format string `yaml:"format"`

	// AddSource adds file:line to records.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:9464". Empty disables it.
	// Environment: RELAYD_METRICS_ADDR
	Addr string `yaml:"addr,omitempty"`
}

// TracingConfig configures trace export.
type TracingConfig struct {
	// Stdout writes provisioning spans to standard output.
	// Environment: RELAYD_TRACE_STDOUT
	Stdout bool `yaml:"stdout"`

	// OTLPEndpoint sends spans to an OTLP collector (host:port).
	// Environment: RELAYD_OTLP_ENDPOINT
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPProtocol is grpc or http.
	// Environment: RELAYD_OTLP_PROTOCOL
	// Default: grpc
	OTLPProtocol string `yaml:"otlp_protocol"`

	// OTLPInsecure disables TLS towards the collector.
	// Environment: RELAYD_OTLP_INSECURE
	OTLPInsecure bool `yaml:"otlp_insecure"`
}

// Default returns a Config with sensible defaults. UUID is left empty.
func Default() *Config {
	return &Config{
		WorkDir:     ".",
		MaskDomains: append([]string(nil), identity.DefaultMaskDomains...),
		Binary: BinaryConfig{
			Version: provision.DefaultRelayVersion,
		},
		Certificate: CertificateConfig{
			Generator:    provision.GeneratorOpenSSL,
			ValidityDays: 365,
			OpenSSLPath:  "openssl",
		},
		Schedule: ScheduleConfig{
			Timezone: scheduler.DefaultTimezone,
			At:       "00:00",
			Mode:     ModeReprovision,
			MinDelay: scheduler.DefaultMinDelay,
		},
		Supervisor: SupervisorConfig{
			Cooldown:    5 * time.Second,
			StopTimeout: 10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Timeout: 3 * time.Second,
		},
		Provision: ProvisionConfig{
			RetryDelay: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:       5 * time.Minute,
			RetryAttempts: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			OTLPProtocol: "grpc",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at
// configPath (if non-empty), then environment overrides. The result is
// validated; every failure is a *errors.ConfigError.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &relayerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Minimal files leave zero values behind.
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &relayerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.WorkDir == "" {
		c.WorkDir = defaults.WorkDir
	}
	if len(c.MaskDomains) == 0 {
		c.MaskDomains = defaults.MaskDomains
	}
	if c.Binary.Version == "" {
		c.Binary.Version = defaults.Binary.Version
	}
	if c.Certificate.Generator == "" {
		c.Certificate.Generator = defaults.Certificate.Generator
	}
	if c.Certificate.ValidityDays == 0 {
		c.Certificate.ValidityDays = defaults.Certificate.ValidityDays
	}
	if c.Certificate.OpenSSLPath == "" {
		c.Certificate.OpenSSLPath = defaults.Certificate.OpenSSLPath
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaults.Schedule.Timezone
	}
	if c.Schedule.At == "" {
		c.Schedule.At = defaults.Schedule.At
	}
	if c.Schedule.Mode == "" {
		c.Schedule.Mode = defaults.Schedule.Mode
	}
	if c.Schedule.MinDelay == 0 {
		c.Schedule.MinDelay = defaults.Schedule.MinDelay
	}
	if c.Supervisor.Cooldown == 0 {
		c.Supervisor.Cooldown = defaults.Supervisor.Cooldown
	}
	if c.Supervisor.StopTimeout == 0 {
		c.Supervisor.StopTimeout = defaults.Supervisor.StopTimeout
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = defaults.Discovery.Timeout
	}
	if c.Provision.RetryDelay == 0 {
		c.Provision.RetryDelay = defaults.Provision.RetryDelay
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = defaults.HTTP.Timeout
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Tracing.OTLPProtocol == "" {
		c.Tracing.OTLPProtocol = defaults.Tracing.OTLPProtocol
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables. Unparsable
// numeric and duration values are ignored.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("RELAY_UUID"); val != "" {
		c.UUID = strings.TrimSpace(val)
	}
	if val := os.Getenv("RELAYD_WORKDIR"); val != "" {
		c.WorkDir = val
	}

	// A non-numeric SERVER_PORT falls back to a random port.
	if val := os.Getenv("SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			c.Port = port
		}
	}

	if val := os.Getenv("RELAYD_TIMEZONE"); val != "" {
		c.Schedule.Timezone = val
	}
	if val := os.Getenv("RELAYD_RESTART_AT"); val != "" {
		c.Schedule.At = val
	}
	if val := os.Getenv("RELAYD_DAILY_MODE"); val != "" {
		c.Schedule.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("RELAYD_COOLDOWN"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Supervisor.Cooldown = duration
		}
	}
	if val := os.Getenv("RELAYD_BINARY_URL"); val != "" {
		c.Binary.URL = val
	}
	if val := os.Getenv("RELAYD_CERT_GENERATOR"); val != "" {
		c.Certificate.Generator = strings.ToLower(val)
	}
	if val := os.Getenv("RELAYD_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	if val := os.Getenv("RELAYD_TRACE_STDOUT"); val != "" {
		c.Tracing.Stdout = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("RELAYD_OTLP_ENDPOINT"); val != "" {
		c.Tracing.OTLPEndpoint = val
	}
	if val := os.Getenv("RELAYD_OTLP_PROTOCOL"); val != "" {
		c.Tracing.OTLPProtocol = strings.ToLower(val)
	}
	if val := os.Getenv("RELAYD_OTLP_INSECURE"); val != "" {
		c.Tracing.OTLPInsecure = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.UUID == "" {
		errs = append(errs, "uuid is required (set RELAY_UUID or uuid in the config file)")
	} else if err := identity.ValidateUUID(c.UUID); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port must be between 1 and 65535 (0 for random), got %d", c.Port))
	}

	if len(c.MaskDomains) == 0 {
		errs = append(errs, "mask_domains must not be empty")
	}
	for i, d := range c.MaskDomains {
		if strings.TrimSpace(d) == "" || strings.ContainsAny(d, " /:") {
			errs = append(errs, fmt.Sprintf("mask_domains[%d] is not a host name: %q", i, d))
		}
	}

	switch c.Certificate.Generator {
	case provision.GeneratorOpenSSL, provision.GeneratorBuiltin:
	default:
		errs = append(errs, fmt.Sprintf("certificate.generator must be one of [openssl, builtin], got %q", c.Certificate.Generator))
	}
	if c.Certificate.ValidityDays <= 0 {
		errs = append(errs, fmt.Sprintf("certificate.validity_days must be positive, got %d", c.Certificate.ValidityDays))
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("schedule.timezone %q is not a known zone: %v", c.Schedule.Timezone, err))
	}
	if _, err := scheduler.ParseTimeOfDay(c.Schedule.At); err != nil {
		errs = append(errs, fmt.Sprintf("schedule.at: %v", err))
	}
	if c.Schedule.Mode != ModeReprovision && c.Schedule.Mode != ModeExit {
		errs = append(errs, fmt.Sprintf("schedule.mode must be one of [reprovision, exit], got %q", c.Schedule.Mode))
	}
	if c.Schedule.MinDelay <= 0 {
		errs = append(errs, fmt.Sprintf("schedule.min_delay must be positive, got %v", c.Schedule.MinDelay))
	}

	if c.Supervisor.Cooldown <= 0 {
		errs = append(errs, fmt.Sprintf("supervisor.cooldown must be positive, got %v", c.Supervisor.Cooldown))
	}
	if c.Supervisor.StopTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("supervisor.stop_timeout must be positive, got %v", c.Supervisor.StopTimeout))
	}
	if c.Discovery.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("discovery.timeout must be positive, got %v", c.Discovery.Timeout))
	}
	if c.Provision.RetryDelay <= 0 {
		errs = append(errs, fmt.Sprintf("provision.retry_delay must be positive, got %v", c.Provision.RetryDelay))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("http.timeout must be positive, got %v", c.HTTP.Timeout))
	}
	if c.HTTP.RetryAttempts < 0 {
		errs = append(errs, fmt.Sprintf("http.retry_attempts must be non-negative, got %d", c.HTTP.RetryAttempts))
	}

	if !log.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}
	if c.Tracing.OTLPProtocol != "grpc" && c.Tracing.OTLPProtocol != "http" {
		errs = append(errs, fmt.Sprintf("tracing.otlp_protocol must be one of [grpc, http], got %q", c.Tracing.OTLPProtocol))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// Location returns the schedule timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RestartAt returns the parsed daily restart time.
func (c *Config) RestartAt() scheduler.TimeOfDay {
	at, err := scheduler.ParseTimeOfDay(c.Schedule.At)
	if err != nil {
		return scheduler.Midnight
	}
	return at
}

// Path returns name inside the work directory.
func (c *Config) Path(name string) string {
	return filepath.Join(c.WorkDir, name)
}
