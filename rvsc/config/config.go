// Copyright 2026 The rvisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for rvsc. Each setting that can be changed from the command line is
// represented by a field in Config with a `flag` tag naming the flag.
package config

import (
	"fmt"

	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/machine"
)

// Config holds configuration that is not part of the machine layout.
type Config struct {
	// MachineLayout is the path of a TOML or YAML file describing the
	// physical memory layout. Empty means the default layout.
	MachineLayout string `flag:"machine"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// MetricsPrefix is prepended to every exported metric name.
	MetricsPrefix string `flag:"metrics-prefix"`
}

var logFormats = map[string]struct{}{
	"text":     {},
	"json":     {},
	"json-k8s": {},
}

func (c *Config) validate() error {
	if _, ok := logFormats[c.LogFormat]; !ok {
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if _, ok := logFormats[c.DebugLogFormat]; !ok {
		return fmt.Errorf("invalid debug log format %q", c.DebugLogFormat)
	}
	return nil
}

// Machine returns the layout named by MachineLayout, or the default layout.
func (c *Config) Machine() (*machine.Meta, error) {
	if c.MachineLayout == "" {
		return machine.Default(), nil
	}
	return machine.LoadFile(c.MachineLayout)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t\t%s", f)
	}
}
