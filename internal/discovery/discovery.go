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

// Package discovery finds the host's public address by asking external
// echo services.
package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/tombee/relayd/internal/log"
	"github.com/tombee/relayd/internal/metrics"
)

// DefaultTimeout bounds each provider attempt.
const DefaultTimeout = 3 * time.Second

// maxAnswer caps how much of a provider response is read.
const maxAnswer = 256

// Fallback is used when no provider yields a public address.
var Fallback = netip.MustParseAddr("127.0.0.1")

// Provider is an HTTP endpoint that answers with the caller's address as
// plain text.
type Provider struct {
	Name string
	URL  string
}

// DefaultProviders are tried in order.
var DefaultProviders = []Provider{
	{Name: "ipify", URL: "https://api.ipify.org"},
	{Name: "ifconfig.me", URL: "https://ifconfig.me"},
	{Name: "icanhazip", URL: "https://icanhazip.com"},
	{Name: "ipinfo", URL: "https://ipinfo.io/ip"},
}

// Result is the outcome of a single probe. Exactly one of Addr (when found)
// or Reason (when unavailable) is meaningful.
type Result struct {
	Provider string
	Addr     netip.Addr
	Reason   string
}

// Found returns a successful probe result.
func Found(provider string, addr netip.Addr) Result {
	return Result{Provider: provider, Addr: addr}
}

// Unavailable returns a failed probe result.
func Unavailable(provider, reason string) Result {
	return Result{Provider: provider, Reason: reason}
}

// OK reports whether the probe found a public address.
func (r Result) OK() bool {
	return r.Addr.IsValid()
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithProviders replaces the provider list.
func WithProviders(providers ...Provider) Option {
	return func(d *Discoverer) {
		d.providers = providers
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Discoverer) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Discoverer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Discoverer probes providers in order.
type Discoverer struct {
	client    *http.Client
	providers []Provider
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a Discoverer using client for requests.
func New(client *http.Client, opts ...Option) *Discoverer {
	d := &Discoverer{
		client:    client,
		providers: DefaultProviders,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	d.logger = log.WithComponent(d.logger, "discovery")
	return d
}

// Discover returns the first public address any provider reports, or
// Fallback once every provider is unavailable.
func (d *Discoverer) Discover(ctx context.Context) netip.Addr {
	for _, p := range d.providers {
		if ctx.Err() != nil {
			break
		}
		res := d.Probe(ctx, p)
		metrics.RecordDiscoveryProbe(p.Name, res.OK())
		if res.OK() {
			d.logger.Info("public address discovered", "provider", p.Name, "addr", res.Addr.String())
			return res.Addr
		}
		log.Trace(d.logger, "provider unavailable", slog.String("provider", p.Name), slog.String("reason", res.Reason))
	}
	d.logger.Warn("public address not found, using fallback", "addr", Fallback.String())
	return Fallback
}

// Probe asks a single provider.
func (d *Discoverer) Probe(ctx context.Context, p Provider) Result {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Unavailable(p.Name, err.Error())
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return Unavailable(p.Name, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Unavailable(p.Name, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswer))
	if err != nil {
		return Unavailable(p.Name, err.Error())
	}

	addr, reason := ParseAnswer(string(body))
	if reason != "" {
		return Unavailable(p.Name, reason)
	}
	return Found(p.Name, addr)
}

// ParseAnswer parses a provider answer. A non-empty reason means the
// answer is not a usable public address.
func ParseAnswer(answer string) (netip.Addr, string) {
	addr, err := netip.ParseAddr(strings.TrimSpace(answer))
	if err != nil {
		return netip.Addr{}, "unparsable answer"
	}
	addr = addr.Unmap()
	switch {
	case addr.IsUnspecified():
		return netip.Addr{}, "unspecified address"
	case addr.IsLoopback():
		return netip.Addr{}, "loopback address"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return netip.Addr{}, "link-local address"
	case addr.IsPrivate():
		return netip.Addr{}, "private address"
	case !addr.IsGlobalUnicast():
		return netip.Addr{}, "not a unicast address"
	}
	return addr, ""
}
