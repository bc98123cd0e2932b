// Copyright 2023 The aimant Authors.
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

// Package pidfile reads the producer's PID file, the ASCII decimal value
// signalled with SIGUSR1 on rotation.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxOpenTries matches the original's NUMBER_OF_OPEN_TRIES: the file may
// not exist yet if the producer starts slightly after aimant does.
const maxOpenTries = 10

// Read opens path and parses its contents as a decimal PID, retrying up to
// maxOpenTries times at 100ms intervals while the file does not yet exist.
func Read(path string) (int, error) {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), maxOpenTries-1)

	var data []byte
	err := backoff.Retry(func() error {
		d, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		data = d
		return nil
	}, b)
	if err != nil {
		return 0, fmt.Errorf("pidfile: read %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: parse %s: %w", path, err)
	}
	return pid, nil
}
