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

// Package identity validates the externally supplied relay identifier and
// generates the per-cycle secrets, port and masquerade domain.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"github.com/google/uuid"

	relayerrors "github.com/tombee/relayd/pkg/errors"
)

const (
	// PortBase is the lowest randomly chosen port.
	PortBase = 20000
	// PortSpan is the size of the random port range, giving [20000, 60000).
	PortSpan = 40000

	// MTUBase is the lowest initial QUIC MTU.
	MTUBase = 1200
	// MTUSpan is the size of the random MTU range, giving [1200, 1400).
	MTUSpan = 200

	// secretBytes yields a 32 character hex token.
	secretBytes = 16
)

// DefaultMaskDomains is the masquerade domain allow-list used when none is
// configured.
var DefaultMaskDomains = []string{"www.bing.com"}

// Identity is the per-cycle server identity. It is immutable once built.
type Identity struct {
	// UUID is the operator supplied user identifier.
	UUID string
	// Secret is the user password paired with UUID.
	Secret string
	// Port is the UDP port the relay listens on.
	Port int
	// MaskDomain is the TLS server name the certificate is issued for.
	MaskDomain string
	// MTU is the initial QUIC MTU.
	MTU int
	// APISecret protects the relay's local REST endpoint.
	APISecret string
}

// ValidateUUID checks s against the canonical textual UUID grammar:
// 8-4-4-4-12 hex digits, version nibble 1 to 5 and the RFC 4122 variant.
// Hex digits are accepted in either case.
func ValidateUUID(s string) error {
	invalid := func(msg string) error {
		return &relayerrors.ValidationError{
			Field:   "uuid",
			Message: msg,
			Hint:    "use a canonical identifier such as 60bc117a-696c-477f-8a40-0c4a4bf76691",
		}
	}

	if len(s) != 36 {
		return invalid(fmt.Sprintf("expected 36 characters, got %d", len(s)))
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return invalid(err.Error())
	}
	if v := id.Version(); v < 1 || v > 5 {
		return invalid(fmt.Sprintf("unsupported version %d", v))
	}
	if id.Variant() != uuid.RFC4122 {
		return invalid(fmt.Sprintf("unsupported variant %s", id.Variant()))
	}
	return nil
}

// Generator builds identities from a random source.
type Generator struct {
	rand         io.Reader
	maskDomains  []string
	portOverride int
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand replaces the random source. Used by tests.
func WithRand(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// WithPort pins the port instead of choosing one at random. Zero keeps the
// random choice.
func WithPort(port int) Option {
	return func(g *Generator) { g.portOverride = port }
}

// NewGenerator returns a Generator drawing domains from maskDomains.
func NewGenerator(maskDomains []string, opts ...Option) *Generator {
	if len(maskDomains) == 0 {
		maskDomains = DefaultMaskDomains
	}
	g := &Generator{
		rand:        rand.Reader,
		maskDomains: append([]string(nil), maskDomains...),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// New validates id and generates a fresh identity around it. An invalid id
// fails before any randomness is consumed.
func (g *Generator) New(id string) (*Identity, error) {
	if err := ValidateUUID(id); err != nil {
		return nil, err
	}

	secret, err := g.hex(secretBytes)
	if err != nil {
		return nil, relayerrors.Wrap(err, "generating secret")
	}
	apiSecret, err := g.hex(secretBytes)
	if err != nil {
		return nil, relayerrors.Wrap(err, "generating api secret")
	}

	port := g.portOverride
	if port == 0 {
		n, err := g.intn(PortSpan)
		if err != nil {
			return nil, relayerrors.Wrap(err, "choosing port")
		}
		port = PortBase + n
	}

	d, err := g.intn(len(g.maskDomains))
	if err != nil {
		return nil, relayerrors.Wrap(err, "choosing mask domain")
	}
	mtu, err := g.intn(MTUSpan)
	if err != nil {
		return nil, relayerrors.Wrap(err, "choosing mtu")
	}

	return &Identity{
		UUID:       id,
		Secret:     secret,
		Port:       port,
		MaskDomain: g.maskDomains[d],
		MTU:        MTUBase + mtu,
		APISecret:  apiSecret,
	}, nil
}

func (g *Generator) hex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (g *Generator) intn(n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	v, err := rand.Int(g.rand, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
