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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// ConfigFlag names the flag holding the path of the configuration file.
const ConfigFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()

	flagSet.String(ConfigFlag, "", "path to a YAML or TOML configuration file. Flags set on the command line take precedence over it.")

	// Logging flags.
	flagSet.String("log-level", d.LogLevel, "log level: debug, info (default), warning.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default) or json.")
	flagSet.String("log-file", d.LogFile, "file path where logs are written, default is stderr.")
	flagSet.Int("log-max-size-mb", d.LogMaxSizeMB, "size in megabytes at which the log file is rotated.")
	flagSet.Int("log-backups", d.LogBackups, "number of rotated log files to keep.")

	// Table flags.
	flagSet.Int("ephemeral-first", d.EphemeralFirst, "first port of the ephemeral range.")
	flagSet.Int("ephemeral-last", d.EphemeralLast, "last port of the ephemeral range.")
	flagSet.Int("bind-chains", d.BindChains, "number of bind table chains.")
	flagSet.Int("established-buckets", d.EstablishedBuckets, "number of established hash buckets, rounded up to a power of two.")

	// Handshake flags.
	flagSet.Bool("syn-cookies", d.SynCookies, "answer SYNs with cookies once a SYN queue is full.")
	flagSet.Int("synack-retries", d.SynAckRetries, "SYN-ACK retransmits before a half-open connection is dropped.")
	flagSet.Int("syn-retries", d.SynRetries, "SYN retransmits before a connect times out.")
	flagSet.Int("retries", d.Retries, "FIN retransmits before a closing connection is aborted.")
	flagSet.Bool("abort-on-overflow", d.AbortOnOverflow, "reset handshakes that complete into a full accept queue.")
	flagSet.Bool("immediate-errors", d.ImmediateErrors, "tear connections down on network errors instead of recording soft errors.")
	flagSet.Duration("timeout-init", d.TimeoutInit, "initial retransmission timeout of control segments.")
	flagSet.Duration("rto-max", d.RTOMax, "largest retransmission timeout.")

	// TIME_WAIT flags.
	flagSet.Duration("time-wait-timeout", d.TimeWaitTimeout, "lifetime of TIME_WAIT records.")
	flagSet.Bool("time-wait-recycle", d.TimeWaitRecycle, "let active opens reuse TIME_WAIT 4-tuples regardless of timestamps.")
	flagSet.Duration("linger-timeout", d.LingerTimeout, "FIN_WAIT_2 lifetime of orphaned connections.")
	flagSet.Bool("rfc1337", d.RFC1337, "ignore RSTs received in TIME_WAIT.")

	// Segment flags.
	flagSet.Int("mss", d.MSS, "MSS advertised when the route has no MTU.")
	flagSet.Int("receive-window", d.ReceiveWindow, "receive buffer of new connections in bytes.")
	flagSet.Int("window-scale", d.WindowScale, "window scale advertised in SYNs, -1 disables it.")
	flagSet.Float64("reset-rate", d.ResetRate, "RSTs per second sent in reply to unmatched segments, 0 for no limit.")
}

// NewFromFlags creates a new Config. It starts from the defaults, applies the
// file named by --config if any, and then every flag set on the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if fl := flagSet.Lookup(ConfigFlag); fl != nil && fl.Value.String() != "" {
		var err error
		if conf, err = LoadFile(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !set[name] {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to their default are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if d, ok := field.Interface().(time.Duration); ok {
		return d.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(field.Float(), 'g', -1, 64)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
