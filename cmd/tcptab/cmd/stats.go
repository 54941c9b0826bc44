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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/tcptab/pkg/config"
	"gvisor.dev/tcptab/pkg/log"
	"gvisor.dev/tcptab/pkg/prometheus"
)

// statsPrefix is prepended to every exported metric name.
const statsPrefix = "tcptab_"

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	syns    int
	backlog int
	labels  labelsFlag
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run the loopback and flood scenarios and print the statistics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] - print protocol statistics in the Prometheus text format.

Both lab hosts run the loopback scenario followed by a small SYN flood. The
counters of each host are exported with a "role" label of "client" or
"server".
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.syns, "syns", 256, "number of SYNs sent by the flood.")
	f.IntVar(&s.backlog, "backlog", 32, "listen backlog during the flood.")
	f.Var(&s.labels, "label", "extra label added to every metric, as key=value. May be repeated.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	opts := floodOptions{syns: s.syns, senders: 1, backlog: s.backlog, port: 80}
	if err := opts.validate(); err != nil {
		log.Warningf("invalid flood options: %v", err)
		return subcommands.ExitUsageError
	}

	lb, err := newLab(conf, opts.syns+16)
	if err != nil {
		log.Warningf("%v", err)
		return subcommands.ExitFailure
	}
	defer lb.close()
	if err := runStats(lb, os.Stdout, opts, s.labels); err != nil {
		log.Warningf("stats: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// labelsFlag is a repeatable key=value flag.
type labelsFlag map[string]string

// String implements flag.Value.String.
func (l *labelsFlag) String() string {
	return fmt.Sprint(map[string]string(*l))
}

// Set implements flag.Value.Set.
func (l *labelsFlag) Set(v string) error {
	key, val, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("label %q is not of the form key=value", v)
	}
	if *l == nil {
		*l = make(labelsFlag)
	}
	(*l)[key] = val
	return nil
}

// labSnapshot takes a snapshot of the statistics of both lab hosts.
func labSnapshot(lb *lab) *prometheus.Snapshot {
	snap := prometheus.StatsSnapshot(lb.client.Stats(), map[string]string{"role": "client"})
	return prometheus.AddStats(snap, lb.server.Stats(), map[string]string{"role": "server"})
}

// runStats runs the scenarios on lb, checks that the statistics move
// consistently between them and writes the final snapshot to w.
func runStats(lb *lab, w io.Writer, opts floodOptions, labels map[string]string) error {
	verifier, err := prometheus.NewVerifier(prometheus.StatsMetrics(lb.client.Stats()))
	if err != nil {
		return err
	}
	if err := verifier.Verify(labSnapshot(lb)); err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}

	if _, err := runLoopback(lb, io.Discard, opts.port, 5000, 2*time.Second); err != nil {
		return fmt.Errorf("loopback: %w", err)
	}
	if err := verifier.Verify(labSnapshot(lb)); err != nil {
		return fmt.Errorf("snapshot after loopback: %w", err)
	}

	if _, err := runFlood(lb, io.Discard, opts); err != nil {
		return fmt.Errorf("flood: %w", err)
	}
	snap := labSnapshot(lb)
	if err := verifier.Verify(snap); err != nil {
		return fmt.Errorf("snapshot after flood: %w", err)
	}

	_, err = prometheus.Write(w, prometheus.ExportOptions{
		CommentHeader:  fmt.Sprintf("tcptab statistics\nloopback, then %d SYNs against backlog %d", opts.syns, opts.backlog),
		ExporterPrefix: statsPrefix,
		ExtraLabels:    labels,
	}, snap)
	return err
}
