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

// Package alog is the daemon's structured logging wrapper. It mirrors the
// narrow Infof/Warningf/Debugf surface the sandbox runtime exposes from its
// own log package, backed here by logrus instead of a bespoke sink.
package alog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// SetLevel configures the minimum level of messages written to the log.
func SetLevel(debug bool) {
	if debug {
		std.SetLevel(logrus.DebugLevel)
		return
	}
	std.SetLevel(logrus.InfoLevel)
}

// SetOutput redirects the log's destination, used by tests to capture
// output.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...interface{}) { std.Infof(format, args...) }

// Warningf logs at warning level.
func Warningf(format string, args ...interface{}) { std.Warnf(format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }

// WithField returns an entry annotated with a single structured field, for
// call sites that want to attach e.g. a pid or a rotation counter.
func WithField(key string, value interface{}) *logrus.Entry {
	return std.WithField(key, value)
}
