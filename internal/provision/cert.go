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

package provision

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/tombee/relayd/internal/relayconf"
	relayerrors "github.com/tombee/relayd/pkg/errors"
)

// Certificate generators.
const (
	GeneratorOpenSSL = "openssl"
	GeneratorBuiltin = "builtin"
)

const (
	keyMode  os.FileMode = 0o600
	certMode os.FileMode = 0o644
)

// CommandRunner runs an external command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CertConfig configures a CertProvisioner.
type CertConfig struct {
	CertPath string
	KeyPath  string

	// Generator is GeneratorOpenSSL (default) or GeneratorBuiltin.
	Generator string

	// ValidityDays is the certificate lifetime. Default: 365
	ValidityDays int

	// OpenSSLPath is the openssl executable. Default: "openssl"
	OpenSSLPath string

	// Runner executes openssl. Default: ExecRunner
	Runner CommandRunner

	Logger *slog.Logger
}

// CertProvisioner ensures a self-signed P-256 certificate and key exist.
type CertProvisioner struct {
	cfg    CertConfig
	logger *slog.Logger
}

// NewCertProvisioner creates a CertProvisioner, filling in defaults.
func NewCertProvisioner(cfg CertConfig) *CertProvisioner {
	if cfg.Generator == "" {
		cfg.Generator = GeneratorOpenSSL
	}
	if cfg.ValidityDays <= 0 {
		cfg.ValidityDays = 365
	}
	if cfg.OpenSSLPath == "" {
		cfg.OpenSSLPath = "openssl"
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CertProvisioner{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "cert")),
	}
}

// Ensure creates the certificate and key for domain unless both already
// exist. It reports whether new files were produced.
func (p *CertProvisioner) Ensure(ctx context.Context, domain string) (bool, error) {
	if fileExists(p.cfg.CertPath) && fileExists(p.cfg.KeyPath) {
		p.logger.Info("certificate exists", "path", p.cfg.CertPath)
		return false, nil
	}

	p.logger.Info("generating certificate",
		"domain", domain,
		"generator", p.cfg.Generator,
		"days", p.cfg.ValidityDays,
	)

	var err error
	switch p.cfg.Generator {
	case GeneratorBuiltin:
		err = p.generateBuiltin(domain)
	default:
		err = p.generateOpenSSL(ctx, domain)
	}
	if err != nil {
		return false, &relayerrors.ProvisionError{Step: "certificate", Target: p.cfg.CertPath, Cause: err}
	}

	if err := os.Chmod(p.cfg.KeyPath, keyMode); err != nil {
		return false, &relayerrors.ProvisionError{Step: "certificate", Target: p.cfg.KeyPath, Cause: err}
	}
	if err := os.Chmod(p.cfg.CertPath, certMode); err != nil {
		return false, &relayerrors.ProvisionError{Step: "certificate", Target: p.cfg.CertPath, Cause: err}
	}
	return true, nil
}

// OpenSSLArgs returns the openssl arguments that write a self-signed P-256
// certificate for domain.
func OpenSSLArgs(keyPath, certPath, domain string, days int) []string {
	return []string{
		"req", "-x509",
		"-newkey", "ec",
		"-pkeyopt", "ec_paramgen_curve:prime256v1",
		"-keyout", keyPath,
		"-out", certPath,
		"-subj", "/CN=" + domain,
		"-days", strconv.Itoa(days),
		"-nodes",
	}
}

func (p *CertProvisioner) generateOpenSSL(ctx context.Context, domain string) error {
	args := OpenSSLArgs(p.cfg.KeyPath, p.cfg.CertPath, domain, p.cfg.ValidityDays)
	out, err := p.cfg.Runner.Run(ctx, p.cfg.OpenSSLPath, args...)
	if err != nil {
		if msg := string(bytes.TrimSpace(out)); msg != "" {
			return fmt.Errorf("openssl: %w: %s", err, msg)
		}
		return fmt.Errorf("openssl: %w", err)
	}
	for _, path := range []string{p.cfg.KeyPath, p.cfg.CertPath} {
		if !fileExists(path) {
			return fmt.Errorf("openssl succeeded but %s was not created", path)
		}
	}
	return nil
}

func (p *CertProvisioner) generateBuiltin(domain string) error {
	certPEM, keyPEM, err := SelfSigned(domain, time.Duration(p.cfg.ValidityDays)*24*time.Hour)
	if err != nil {
		return err
	}
	if err := relayconf.WriteFile(p.cfg.KeyPath, keyPEM, keyMode); err != nil {
		return err
	}
	return relayconf.WriteFile(p.cfg.CertPath, certPEM, certMode)
}

// SelfSigned returns a PEM certificate and PKCS#8 key for a new P-256 key
// pair, valid for validity from now, with domain as CN and DNS SAN.
func SelfSigned(domain string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: domain},
		DNSNames:              []string{domain},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
