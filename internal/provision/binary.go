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
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	relayerrors "github.com/tombee/relayd/pkg/errors"
	"github.com/tombee/relayd/pkg/httpclient"
)

// DefaultRelayVersion is the relay release downloaded when none is configured.
const DefaultRelayVersion = "v1.4.5"

const releaseURLTemplate = "https://github.com/Itsusinn/tuic/releases/download/%s/tuic-server-%s-linux"

const binaryMode os.FileMode = 0o755

// ErrTooManyRedirects is returned when a download exceeds the redirect cap.
var ErrTooManyRedirects = httpclient.ErrTooManyRedirects

// releaseArch maps GOARCH to the relay's release asset naming.
var releaseArch = map[string]string{
	"amd64": "x86_64",
	"arm64": "aarch64",
	"386":   "i686",
	"arm":   "armv7",
}

// DownloadError reports a download whose final response was not 200 OK.
type DownloadError struct {
	URL        string
	StatusCode int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s returned HTTP %d", e.URL, e.StatusCode)
}

// ReleaseURL returns the release asset URL of version for goarch.
func ReleaseURL(version, goarch string) (string, error) {
	arch, ok := releaseArch[goarch]
	if !ok {
		return "", fmt.Errorf("no relay release for architecture %q", goarch)
	}
	return fmt.Sprintf(releaseURLTemplate, version, arch), nil
}

// BinaryProvisioner ensures the relay executable exists.
type BinaryProvisioner struct {
	path   string
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewBinaryProvisioner creates a provisioner that installs url at path. The
// client's redirect policy bounds the redirect chain.
func NewBinaryProvisioner(path, url string, client *http.Client, logger *slog.Logger) *BinaryProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &BinaryProvisioner{
		path:   path,
		url:    url,
		client: client,
		logger: logger.With(slog.String("component", "binary")),
	}
}

// Ensure downloads the executable unless it already exists. It reports
// whether a download happened. On failure nothing is left at the target path.
func (p *BinaryProvisioner) Ensure(ctx context.Context) (bool, error) {
	if fileExists(p.path) {
		p.logger.Info("relay binary exists", "path", p.path)
		return false, nil
	}

	p.logger.Info("downloading relay binary", "url", p.url, "path", p.path)
	n, err := p.download(ctx)
	if err != nil {
		return false, &relayerrors.ProvisionError{Step: "binary", Target: p.path, Cause: err}
	}
	p.logger.Info("relay binary downloaded", "path", p.path, "bytes", n)
	return true, nil
}

func (p *BinaryProvisioner) download(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &DownloadError{URL: p.url, StatusCode: resp.StatusCode}
	}

	// Write to temp file then rename atomically
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, copyErr := io.Copy(tmp, resp.Body)
	chmodErr := tmp.Chmod(binaryMode)
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write binary: %w", copyErr)
	case chmodErr != nil:
		os.Remove(tmpPath)
		return 0, fmt.Errorf("chmod binary: %w", chmodErr)
	case closeErr != nil:
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename binary: %w", err)
	}
	return n, nil
}
