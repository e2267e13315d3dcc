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

// Package relayconf renders the relay server's TOML configuration and the
// client connection descriptor, and writes them to disk.
package relayconf

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/tombee/relayd/internal/identity"
	relayerrors "github.com/tombee/relayd/pkg/errors"
)

// Fixed relay tuning values.
const (
	DefaultLogLevel       = "warn"
	MaxPacketSize         = 8192
	MinMTU                = 1200
	SendWindow            = 33554432
	ReceiveWindow         = 16777216
	InitialWindow         = 6291456
	MaxClientsPerUser     = 999999999
	CongestionController  = "bbr"
	ALPN                  = "h3"
	descriptorScheme      = "tuic"
	descriptorLabelPrefix = "TUIC-"
)

// Params are the inputs to RenderServerConfig.
type Params struct {
	Identity *identity.Identity

	// CertPath and KeyPath are written into the [tls] section verbatim.
	CertPath string
	KeyPath  string

	// LogLevel is the relay's own log level. Default: warn
	LogLevel string
}

// serverConfig mirrors the relay's TOML schema. Field order is the output
// order for plain keys; tables follow.
type serverConfig struct {
	LogLevel               string            `toml:"log_level"`
	Server                 string            `toml:"server"`
	UDPRelayIPv6           bool              `toml:"udp_relay_ipv6"`
	ZeroRTTHandshake       bool              `toml:"zero_rtt_handshake"`
	DualStack              bool              `toml:"dual_stack"`
	AuthTimeout            string            `toml:"auth_timeout"`
	TaskNegotiationTimeout string            `toml:"task_negotiation_timeout"`
	GCInterval             string            `toml:"gc_interval"`
	GCLifetime             string            `toml:"gc_lifetime"`
	MaxExternalPacketSize  int               `toml:"max_external_packet_size"`
	Users                  map[string]string `toml:"users"`
	TLS                    tlsSection        `toml:"tls"`
	Restful                restfulSection    `toml:"restful"`
	QUIC                   quicSection       `toml:"quic"`
}

type tlsSection struct {
	Certificate string   `toml:"certificate"`
	PrivateKey  string   `toml:"private_key"`
	ALPN        []string `toml:"alpn"`
}

type restfulSection struct {
	Addr                  string `toml:"addr"`
	Secret                string `toml:"secret"`
	MaximumClientsPerUser int    `toml:"maximum_clients_per_user"`
}

type quicSection struct {
	InitialMTU        int               `toml:"initial_mtu"`
	MinMTU            int               `toml:"min_mtu"`
	GSO               bool              `toml:"gso"`
	PMTU              bool              `toml:"pmtu"`
	SendWindow        int               `toml:"send_window"`
	ReceiveWindow     int               `toml:"receive_window"`
	MaxIdleTime       string            `toml:"max_idle_time"`
	CongestionControl congestionSection `toml:"congestion_control"`
}

type congestionSection struct {
	Controller    string `toml:"controller"`
	InitialWindow int    `toml:"initial_window"`
}

// validate rejects identities the relay could not run with.
func validate(id *identity.Identity) error {
	if id == nil {
		return &relayerrors.ValidationError{Field: "identity", Message: "missing"}
	}
	if err := identity.ValidateUUID(id.UUID); err != nil {
		return err
	}
	if id.Port < 1 || id.Port > 65535 {
		return &relayerrors.ValidationError{
			Field:   "port",
			Message: fmt.Sprintf("%d is outside [1,65535]", id.Port),
			Hint:    "unset SERVER_PORT to pick a random port",
		}
	}
	return nil
}

// RenderServerConfig renders the relay's TOML configuration. Output is a
// pure function of p.
func RenderServerConfig(p Params) ([]byte, error) {
	if err := validate(p.Identity); err != nil {
		return nil, err
	}
	id := p.Identity
	port := strconv.Itoa(id.Port)

	logLevel := p.LogLevel
	if logLevel == "" {
		logLevel = DefaultLogLevel
	}
	mtu := id.MTU
	if mtu < MinMTU {
		mtu = MinMTU
	}

	cfg := serverConfig{
		LogLevel:               logLevel,
		Server:                 net.JoinHostPort("0.0.0.0", port),
		UDPRelayIPv6:           false,
		ZeroRTTHandshake:       true,
		DualStack:              false,
		AuthTimeout:            "8s",
		TaskNegotiationTimeout: "4s",
		GCInterval:             "8s",
		GCLifetime:             "8s",
		MaxExternalPacketSize:  MaxPacketSize,
		Users:                  map[string]string{id.UUID: id.Secret},
		TLS: tlsSection{
			Certificate: p.CertPath,
			PrivateKey:  p.KeyPath,
			ALPN:        []string{ALPN},
		},
		Restful: restfulSection{
			Addr:                  net.JoinHostPort("127.0.0.1", port),
			Secret:                id.APISecret,
			MaximumClientsPerUser: MaxClientsPerUser,
		},
		QUIC: quicSection{
			InitialMTU:    mtu,
			MinMTU:        MinMTU,
			GSO:           true,
			PMTU:          true,
			SendWindow:    SendWindow,
			ReceiveWindow: ReceiveWindow,
			MaxIdleTime:   "25s",
			CongestionControl: congestionSection{
				Controller:    CongestionController,
				InitialWindow: InitialWindow,
			},
		},
	}

	out, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding relay config: %w", err)
	}
	return out, nil
}

// RenderLink renders the connection descriptor a client imports. host is
// the public address; IPv6 literals are bracketed in the authority.
func RenderLink(id *identity.Identity, host string) (string, error) {
	if err := validate(id); err != nil {
		return "", err
	}
	if host == "" {
		return "", &relayerrors.ValidationError{Field: "host", Message: "empty"}
	}

	// Parameter order is fixed; some clients parse positionally.
	params := [][2]string{
		{"congestion_control", CongestionController},
		{"alpn", ALPN},
		{"allowInsecure", "1"},
		{"sni", id.MaskDomain},
		{"udp_relay_mode", "native"},
		{"disable_sni", "0"},
		{"reduce_rtt", "1"},
		{"max_udp_relay_packet_size", strconv.Itoa(MaxPacketSize)},
	}
	var query strings.Builder
	for i, kv := range params {
		if i > 0 {
			query.WriteByte('&')
		}
		query.WriteString(kv[0])
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(kv[1]))
	}

	return fmt.Sprintf("%s://%s:%s@%s?%s#%s%s",
		descriptorScheme,
		id.UUID, id.Secret,
		net.JoinHostPort(host, strconv.Itoa(id.Port)),
		query.String(),
		descriptorLabelPrefix, host,
	), nil
}
