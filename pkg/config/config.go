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
// for tcptab. Settings come from defaults, an optional YAML or TOML file and
// command line flags, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/tcptab/pkg/log"
	"gvisor.dev/tcptab/pkg/tcpip/transport/tcp"
)

// Config holds configuration that is not part of a single connection.
//
// Fields tagged with "flag" are set from the command line by NewFromFlags.
// The yaml and toml tags name the same settings in configuration files.
type Config struct {
	// LogLevel is one of debug, info or warning.
	LogLevel string `yaml:"log_level" toml:"log_level" flag:"log-level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format" toml:"log_format" flag:"log-format"`

	// LogFile, when set, receives logs instead of stderr. It is rotated
	// once it reaches LogMaxSizeMB.
	LogFile      string `yaml:"log_file" toml:"log_file" flag:"log-file"`
	LogMaxSizeMB int    `yaml:"log_max_size_mb" toml:"log_max_size_mb" flag:"log-max-size-mb"`
	LogBackups   int    `yaml:"log_backups" toml:"log_backups" flag:"log-backups"`

	// EphemeralFirst and EphemeralLast bound the ephemeral port range.
	EphemeralFirst int `yaml:"ephemeral_first" toml:"ephemeral_first" flag:"ephemeral-first"`
	EphemeralLast  int `yaml:"ephemeral_last" toml:"ephemeral_last" flag:"ephemeral-last"`

	BindChains         int `yaml:"bind_chains" toml:"bind_chains" flag:"bind-chains"`
	EstablishedBuckets int `yaml:"established_buckets" toml:"established_buckets" flag:"established-buckets"`

	SynCookies    bool `yaml:"syn_cookies" toml:"syn_cookies" flag:"syn-cookies"`
	SynAckRetries int  `yaml:"synack_retries" toml:"synack_retries" flag:"synack-retries"`
	SynRetries    int  `yaml:"syn_retries" toml:"syn_retries" flag:"syn-retries"`
	Retries       int  `yaml:"retries" toml:"retries" flag:"retries"`

	TimeWaitTimeout time.Duration `yaml:"time_wait_timeout" toml:"time_wait_timeout" flag:"time-wait-timeout"`
	TimeWaitRecycle bool          `yaml:"time_wait_recycle" toml:"time_wait_recycle" flag:"time-wait-recycle"`
	LingerTimeout   time.Duration `yaml:"linger_timeout" toml:"linger_timeout" flag:"linger-timeout"`
	RFC1337         bool          `yaml:"rfc1337" toml:"rfc1337" flag:"rfc1337"`
	AbortOnOverflow bool          `yaml:"abort_on_overflow" toml:"abort_on_overflow" flag:"abort-on-overflow"`
	ImmediateErrors bool          `yaml:"immediate_errors" toml:"immediate_errors" flag:"immediate-errors"`

	TimeoutInit time.Duration `yaml:"timeout_init" toml:"timeout_init" flag:"timeout-init"`
	RTOMax      time.Duration `yaml:"rto_max" toml:"rto_max" flag:"rto-max"`

	MSS           int     `yaml:"mss" toml:"mss" flag:"mss"`
	ReceiveWindow int     `yaml:"receive_window" toml:"receive_window" flag:"receive-window"`
	WindowScale   int     `yaml:"window_scale" toml:"window_scale" flag:"window-scale"`
	ResetRate     float64 `yaml:"reset_rate" toml:"reset_rate" flag:"reset-rate"`
}

// Default returns the default configuration.
func Default() *Config {
	o := tcp.DefaultOptions()
	return &Config{
		LogLevel:           "info",
		LogFormat:          string(log.FormatText),
		LogMaxSizeMB:       100,
		LogBackups:         3,
		EphemeralFirst:     int(o.EphemeralFirst),
		EphemeralLast:      int(o.EphemeralLast),
		BindChains:         o.BindChains,
		EstablishedBuckets: o.EstablishedBuckets,
		SynCookies:         o.SynCookies,
		SynAckRetries:      o.SynAckRetries,
		SynRetries:         o.SynRetries,
		Retries:            o.Retries,
		TimeWaitTimeout:    o.TimeWaitTimeout,
		TimeWaitRecycle:    o.TimeWaitRecycle,
		LingerTimeout:      o.LingerTimeout,
		RFC1337:            o.RFC1337,
		AbortOnOverflow:    o.AbortOnOverflow,
		ImmediateErrors:    o.ImmediateErrors,
		TimeoutInit:        o.TimeoutInit,
		RTOMax:             o.RTOMax,
		MSS:                int(o.MSS),
		ReceiveWindow:      o.ReceiveWindow,
		WindowScale:        o.WindowScale,
		ResetRate:          o.ResetRate,
	}
}

// LoadFile reads a configuration file on top of the defaults. Files ending in
// .toml are parsed as TOML, everything else as YAML. Settings absent from the
// file keep their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	conf := Default()
	if err := conf.decode(path, data); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys %v", undecoded)
		}
		return nil
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch log.Format(c.LogFormat) {
	case log.FormatText, log.FormatJSON:
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.EphemeralFirst <= 0 || c.EphemeralLast > 0xffff || c.EphemeralFirst > c.EphemeralLast {
		return fmt.Errorf("invalid ephemeral port range [%d, %d]", c.EphemeralFirst, c.EphemeralLast)
	}
	if c.BindChains < 0 || c.EstablishedBuckets < 0 {
		return fmt.Errorf("table sizes must not be negative")
	}
	if c.SynAckRetries < 0 || c.SynRetries < 0 || c.Retries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.TimeWaitTimeout < 0 || c.LingerTimeout < 0 || c.TimeoutInit < 0 || c.RTOMax < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.TimeoutInit > c.RTOMax {
		return fmt.Errorf("timeout-init (%v) exceeds rto-max (%v)", c.TimeoutInit, c.RTOMax)
	}
	if c.MSS < 0 || c.MSS > 0xffff {
		return fmt.Errorf("invalid MSS %d", c.MSS)
	}
	if c.WindowScale < -1 || c.WindowScale > 14 {
		return fmt.Errorf("invalid window scale %d", c.WindowScale)
	}
	if c.ResetRate < 0 {
		return fmt.Errorf("reset rate must not be negative")
	}
	return nil
}

// TCPOptions converts the configuration to protocol options. Fields that the
// configuration doesn't cover, like the clock and the link, are left for the
// caller.
func (c *Config) TCPOptions() tcp.Options {
	return tcp.Options{
		EphemeralFirst:     uint16(c.EphemeralFirst),
		EphemeralLast:      uint16(c.EphemeralLast),
		BindChains:         c.BindChains,
		EstablishedBuckets: c.EstablishedBuckets,
		SynCookies:         c.SynCookies,
		SynAckRetries:      c.SynAckRetries,
		SynRetries:         c.SynRetries,
		Retries:            c.Retries,
		TimeWaitTimeout:    c.TimeWaitTimeout,
		TimeWaitRecycle:    c.TimeWaitRecycle,
		LingerTimeout:      c.LingerTimeout,
		RFC1337:            c.RFC1337,
		AbortOnOverflow:    c.AbortOnOverflow,
		ImmediateErrors:    c.ImmediateErrors,
		TimeoutInit:        c.TimeoutInit,
		RTOMax:             c.RTOMax,
		MSS:                uint16(c.MSS),
		ReceiveWindow:      c.ReceiveWindow,
		WindowScale:        c.WindowScale,
		ResetRate:          c.ResetRate,
	}
}

// YAML returns the configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// SetupLogging points the global logger at the configured target. The
// returned function closes the log file, if any.
func (c *Config) SetupLogging() (func() error, error) {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	w, err := log.OpenFile(log.FileOpts{
		Path:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogBackups,
	})
	if err != nil {
		return nil, err
	}
	closer := func() error { return nil }
	if w == nil {
		log.SetTarget(log.NewLogrusEmitter(os.Stderr, log.Format(c.LogFormat)))
	} else {
		log.SetTarget(log.NewLogrusEmitter(w, log.Format(c.LogFormat)))
		closer = w.Close
	}
	log.SetLevel(level)
	return closer, nil
}
