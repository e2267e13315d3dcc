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

package relayconf

import (
	"os"
	"path/filepath"

	relayerrors "github.com/tombee/relayd/pkg/errors"
)

// WriteFile replaces path with data atomically: readers see either the old
// content or the new content, never a mix, and a failed write leaves no
// temporary file behind.
func WriteFile(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return relayerrors.Wrapf(err, "creating temp file for %s", path)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return relayerrors.Wrapf(err, "writing %s", path)
	}
	if err = tmp.Chmod(perm); err != nil {
		return relayerrors.Wrapf(err, "setting mode on %s", path)
	}
	if err = tmp.Sync(); err != nil {
		return relayerrors.Wrapf(err, "syncing %s", path)
	}
	if err = tmp.Close(); err != nil {
		return relayerrors.Wrapf(err, "closing %s", path)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return relayerrors.Wrapf(err, "installing %s", path)
	}
	return nil
}
