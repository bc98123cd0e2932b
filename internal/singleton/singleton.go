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

// Package singleton guards against two instances of the daemon racing to
// rotate the same log file, an ambient safety net the original left to
// operational discipline.
package singleton

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Guard holds an exclusive, non-blocking advisory lock for as long as the
// daemon runs.
type Guard struct {
	fl *flock.Flock
}

// Acquire takes an exclusive lock on logPath+".lock", failing immediately
// if another instance already holds it.
func Acquire(logPath string) (*Guard, error) {
	fl := flock.New(logPath + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("singleton: lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("singleton: another instance already holds %s", fl.Path())
	}
	return &Guard{fl: fl}, nil
}

// Release drops the lock.
func (g *Guard) Release() error {
	return g.fl.Unlock()
}
