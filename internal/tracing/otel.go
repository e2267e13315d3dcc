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

package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the provider.
type Config struct {
	// ServiceName is reported as service.name.
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Stdout exports finished spans as JSON to Writer.
	Stdout bool

	// Writer receives exported spans. Default: os.Stdout
	Writer io.Writer

	// OTLP exports spans to a collector when Endpoint is set.
	OTLP OTLPConfig

	// Registerer receives the OpenTelemetry metrics collector.
	// Default: the Prometheus default registerer
	Registerer promclient.Registerer
}

// Provider owns the tracer and meter providers.
type Provider struct {
	tp        *sdktrace.TracerProvider
	mp        *metric.MeterProvider
	collector *Collector
}

// NewProvider creates the OpenTelemetry providers and installs the tracer
// provider globally. Extra options are appended after the built-in ones.
func NewProvider(cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	// Empty schema URL avoids conflicts when merging with the default resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	allOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.Stdout {
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		allOpts = append(allOpts, sdktrace.WithBatcher(exporter))
	}
	if cfg.OTLP.Endpoint != "" {
		exporter, err := newOTLPExporter(context.Background(), cfg.OTLP)
		if err != nil {
			return nil, err
		}
		allOpts = append(allOpts, sdktrace.WithBatcher(exporter))
	}
	allOpts = append(allOpts, opts...)

	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)

	var promOpts []prometheus.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, prometheus.WithRegisterer(cfg.Registerer))
	}
	promExporter, err := prometheus.New(promOpts...)
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExporter),
	)

	collector, err := NewCollector(mp)
	if err != nil {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	return &Provider{tp: tp, mp: mp, collector: collector}, nil
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Collector returns the OpenTelemetry metrics collector.
func (p *Provider) Collector() *Collector {
	return p.collector
}

// ForceFlush exports all pending spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes pending spans and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
