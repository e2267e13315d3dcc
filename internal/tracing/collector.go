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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collector records provisioning metrics through an OpenTelemetry meter.
type Collector struct {
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// NewCollector creates the instruments on meterProvider.
func NewCollector(meterProvider metric.MeterProvider) (*Collector, error) {
	meter := meterProvider.Meter("relayd")

	steps, err := meter.Int64Counter(
		"relayd_provision_steps_total",
		metric.WithDescription("Total provisioning steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram(
		"relayd_provision_step_duration_seconds",
		metric.WithDescription("Provisioning step duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Collector{steps: steps, stepDuration: stepDuration}, nil
}

// RecordStep records one finished provisioning step.
func (c *Collector) RecordStep(ctx context.Context, step string, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("status", status),
	)
	c.steps.Add(ctx, 1, attrs)
	c.stepDuration.Record(ctx, d.Seconds(), attrs)
}
