// Copyright 2026 The gVisor Authors.
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
// for gptsim. The configuration is set by flags to the command line. They can
// also propagate to a different process using the same flags.
package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gvisor.dev/rme/pkg/gpt"
	"gvisor.dev/rme/pkg/platform"
)

// Config holds configuration that is not part of a single command.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// Platform is the name of the simulated platform layout.
	Platform string `flag:"platform"`

	// Cores is the number of simulated cores.
	Cores int `flag:"cores"`

	// Lock is the transition lock strategy.
	Lock gpt.LockStrategy `flag:"lock"`

	// BitlockBlock is the size covered by one bitlock bit, in 512MB units.
	BitlockBlock uint64 `flag:"bitlock-block"`

	// MaxContig is the largest contiguous descriptor written.
	MaxContig gpt.Contig `flag:"max-contig"`

	// LogLevel is a logrus level name.
	LogLevel string `flag:"log-level"`

	// LogFormat is the format of log lines: text or json.
	LogFormat string `flag:"log-format"`
}

func (c *Config) validate() error {
	if _, ok := platform.Lookup(c.Platform); !ok {
		return fmt.Errorf("unknown platform %q, supported: %v", c.Platform, platform.Names())
	}
	if c.Cores < 1 {
		return fmt.Errorf("cores must be at least 1, got %d", c.Cores)
	}
	if b := c.BitlockBlock; b != 0 && b&(b-1) != 0 {
		return fmt.Errorf("bitlock-block must be a power of two, got %d", b)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, supported: text, json", c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log(log logrus.FieldLogger) {
	log.WithFields(logrus.Fields{
		"platform":      c.Platform,
		"cores":         c.Cores,
		"lock":          c.Lock,
		"bitlock-block": c.BitlockBlock,
		"max-contig":    c.MaxContig,
	}).Info("Config")
}

// ManagerConfig returns the table manager configuration selected by c.
func (c *Config) ManagerConfig(log logrus.FieldLogger) gpt.Config {
	return gpt.Config{
		Lock:         c.Lock,
		BitlockBlock: c.BitlockBlock,
		MaxContig:    c.MaxContig,
		Logger:       log,
	}
}

// NewLogger returns a logger writing at the level and format of c.
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
