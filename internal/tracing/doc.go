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

/*
Package tracing wires OpenTelemetry for relayd.

Provisioning steps run inside spans so a slow certificate generation or a
stalled download shows up with its duration and error. Spans are exported to
stdout and to an OTLP collector (gRPC or HTTP) when enabled; otherwise they
are recorded and dropped. The meter
provider exports through the Prometheus registry, next to the counters in
internal/metrics.

	provider, err := tracing.NewProvider(tracing.Config{
	    ServiceName:    "relayd",
	    ServiceVersion: version,
	    Stdout:         cfg.Tracing.Stdout,
	})
	defer provider.Shutdown(ctx)

	ctx, span := provider.Tracer("orchestrator").Start(ctx, "provision.certificate")
	defer span.End()
*/
package tracing
