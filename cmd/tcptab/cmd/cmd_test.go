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
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/tcptab/pkg/config"
	"gvisor.dev/tcptab/pkg/tcpip"
)

func newTestLab(t *testing.T, conf *config.Config, queue int) *lab {
	t.Helper()
	if conf == nil {
		conf = config.Default()
	}
	lb, err := newLab(conf, queue)
	if err != nil {
		t.Fatalf("newLab: %v", err)
	}
	t.Cleanup(lb.close)
	return lb
}

func TestLoopbackRecycles(t *testing.T) {
	lb := newTestLab(t, nil, 0)
	var out bytes.Buffer
	res, err := runLoopback(lb, &out, 80, 5000, 2*time.Second)
	if err != nil {
		t.Fatalf("runLoopback: %v\n%s", err, out.String())
	}
	if !res.Recycled || res.ReconnectErr != nil {
		t.Errorf("got %+v, want a recycled reconnect", res)
	}
	stats := lb.client.Stats().TCP
	if got := stats.TimeWaitRecycled.Value(); got != 1 {
		t.Errorf("got TimeWaitRecycled = %d, want 1", got)
	}
	if got := stats.TimeWaitExpired.Value(); got != 1 {
		t.Errorf("got TimeWaitExpired = %d, want 1", got)
	}
	if got := stats.CurrentTimeWait.Value(); got != 0 {
		t.Errorf("got CurrentTimeWait = %d, want 0", got)
	}
	for _, want := range []string{`server read "ping"`, "TIME-WAIT", "TIME_WAIT recycled: true"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output is missing %q:\n%s", want, out.String())
		}
	}
}

func TestLoopbackTooSoon(t *testing.T) {
	lb := newTestLab(t, nil, 0)
	res, err := runLoopback(lb, io.Discard, 80, 5000, 0)
	if err != nil {
		t.Fatalf("runLoopback: %v", err)
	}
	if res.Recycled {
		t.Errorf("TIME_WAIT record recycled without an aged timestamp")
	}
	if !errors.Is(res.ReconnectErr, tcpip.ErrConnectionExists) {
		t.Errorf("got ReconnectErr = %v, want %v", res.ReconnectErr, tcpip.ErrConnectionExists)
	}
	stats := lb.client.Stats().TCP
	if got := stats.TimeWaitExpired.Value(); got != 1 {
		t.Errorf("got TimeWaitExpired = %d, want 1", got)
	}
	if got := stats.CurrentTimeWait.Value(); got != 0 {
		t.Errorf("got CurrentTimeWait = %d, want 0", got)
	}
}

func TestLoopbackRecycleAllowed(t *testing.T) {
	conf := config.Default()
	conf.TimeWaitRecycle = true
	lb := newTestLab(t, conf, 0)
	res, err := runLoopback(lb, io.Discard, 80, 5000, 0)
	if err != nil {
		t.Fatalf("runLoopback: %v", err)
	}
	if !res.Recycled {
		t.Errorf("got %+v, want a recycled reconnect", res)
	}
}

func TestFlood(t *testing.T) {
	const (
		syns    = 1000
		backlog = 128
	)
	for _, tc := range []struct {
		name    string
		cookies bool
		want    floodResult
	}{
		{
			name:    "cookies",
			cookies: true,
			want: floodResult{
				Replies:        syns,
				OpenRequests:   backlog,
				CookiesSent:    syns - backlog,
				ClientAccepted: true,
			},
		},
		{
			name: "no cookies",
			want: floodResult{
				Replies:      backlog,
				OpenRequests: backlog,
				SynDrops:     syns - backlog,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := config.Default()
			conf.SynCookies = tc.cookies
			lb := newTestLab(t, conf, syns+16)
			got, err := runFlood(lb, io.Discard, floodOptions{syns: syns, senders: 4, backlog: backlog, port: 80})
			if err != nil {
				t.Fatalf("runFlood: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("flood result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFloodOptions(t *testing.T) {
	for _, opts := range []floodOptions{
		{syns: 0, senders: 1, backlog: 1, port: 80},
		{syns: 60000, senders: 1, backlog: 1, port: 80},
		{syns: 1, senders: 0, backlog: 1, port: 80},
		{syns: 1, senders: 1, backlog: 0, port: 80},
		{syns: 1, senders: 1, backlog: 1 << 20, port: 80},
		{syns: 1, senders: 1, backlog: 1, port: 0},
	} {
		if err := opts.validate(); err == nil {
			t.Errorf("%+v: validate() succeeded", opts)
		}
	}
	if err := (floodOptions{syns: 1, senders: 1, backlog: 1, port: 80}).validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func metricValue(t *testing.T, families map[string]*dto.MetricFamily, name, role string) float64 {
	t.Helper()
	mf, ok := families[name]
	if !ok {
		t.Fatalf("metric %s not exported", name)
	}
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "role" && l.GetValue() == role {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s has no value for role %q", name, role)
	return 0
}

func TestStatsExport(t *testing.T) {
	opts := floodOptions{syns: 256, senders: 1, backlog: 32, port: 80}
	lb := newTestLab(t, nil, opts.syns+16)
	var out bytes.Buffer
	if err := runStats(lb, &out, opts, map[string]string{"host": "lab"}); err != nil {
		t.Fatalf("runStats: %v", err)
	}
	if !strings.HasPrefix(out.String(), "# tcptab statistics\n") {
		t.Errorf("output does not start with the comment header:\n%s", out.String())
	}
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(&out)
	if err != nil {
		t.Fatalf("parsing the export: %v", err)
	}
	for _, tc := range []struct {
		name string
		role string
		want float64
	}{
		{"tcptab_tcp_time_wait_recycled", "client", 1},
		{"tcptab_tcp_time_wait_expired", "client", 1},
		{"tcptab_tcp_current_time_wait", "client", 0},
		{"tcptab_tcp_listen_overflow_syn_cookie_sent", "server", float64(opts.syns - opts.backlog)},
		{"tcptab_tcp_listen_overflow_syn_cookie_sent", "client", 0},
	} {
		if got := metricValue(t, families, tc.name, tc.role); got != tc.want {
			t.Errorf("%s{role=%q} = %v, want %v", tc.name, tc.role, got, tc.want)
		}
	}
	if got := families["tcptab_tcp_current_time_wait"].GetType(); got != dto.MetricType_GAUGE {
		t.Errorf("tcptab_tcp_current_time_wait has type %v, want gauge", got)
	}
	for _, m := range families["tcptab_tcp_segments_sent"].GetMetric() {
		var host string
		for _, l := range m.GetLabel() {
			if l.GetName() == "host" {
				host = l.GetValue()
			}
		}
		if host != "lab" {
			t.Errorf("got host label %q, want %q", host, "lab")
		}
	}
}

func TestStatsDuplicateLabel(t *testing.T) {
	opts := floodOptions{syns: 16, senders: 1, backlog: 8, port: 80}
	lb := newTestLab(t, nil, opts.syns+16)
	if err := runStats(lb, io.Discard, opts, map[string]string{"role": "other"}); err == nil {
		t.Errorf("runStats succeeded with a label clashing with the role label")
	}
}

func TestLabelsFlag(t *testing.T) {
	var l labelsFlag
	for _, v := range []string{"host=lab", "zone=", "host=lab2"} {
		if err := l.Set(v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
	}
	want := labelsFlag{"host": "lab2", "zone": ""}
	if diff := cmp.Diff(want, l); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	for _, v := range []string{"", "novalue", "=x"} {
		if err := l.Set(v); err == nil {
			t.Errorf("Set(%q) succeeded", v)
		}
	}
}
