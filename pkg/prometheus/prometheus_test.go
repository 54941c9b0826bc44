// Copyright 2022 The gVisor Authors.
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

package prometheus

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/tcptab/pkg/tcpip"
)

var fakeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func withFakeTime(t *testing.T) {
	t.Helper()
	timeNow = func() time.Time { return fakeNow }
	t.Cleanup(func() { timeNow = time.Now })
}

func TestMetricName(t *testing.T) {
	for _, test := range []struct {
		path string
		want string
	}{
		{"UnknownPortRcvdPackets", "unknown_port_rcvd_packets"},
		{"TCP.ListenOverflowSynCookieRcvd", "tcp_listen_overflow_syn_cookie_rcvd"},
		{"TCP.PAWSRejected", "tcp_paws_rejected"},
		{"TCP.CurrentTimeWait", "tcp_current_time_wait"},
		{"TCP", "tcp"},
	} {
		if got := MetricName(test.path); got != test.want {
			t.Errorf("MetricName(%q) = %q, want %q", test.path, got, test.want)
		}
	}
}

func TestStatsMetrics(t *testing.T) {
	stats := tcpip.Stats{}.FillIn()
	types := make(map[string]Type)
	for _, m := range StatsMetrics(&stats) {
		if _, dup := types[m.Name]; dup {
			t.Errorf("metric %q listed twice", m.Name)
		}
		types[m.Name] = m.Type
	}
	want := map[string]Type{
		"tcp_current_established":      TypeGauge,
		"tcp_current_open_requests":    TypeGauge,
		"tcp_current_time_wait":        TypeGauge,
		"tcp_resets_sent":              TypeCounter,
		"tcp_listen_overflow_syn_drop": TypeCounter,
		"unknown_port_rcvd_packets":    TypeCounter,
	}
	for name, typ := range want {
		got, ok := types[name]
		if !ok {
			t.Errorf("metric %q missing", name)
			continue
		}
		if got != typ {
			t.Errorf("metric %q has type %v, want %v", name, got, typ)
		}
	}
}

func parse(t *testing.T, text string) map[string]*dto.MetricFamily {
	t.Helper()
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(strings.NewReader(text))
	if err != nil {
		t.Fatalf("cannot parse exported data: %v\n%s", err, text)
	}
	return parsed
}

func TestWriteStats(t *testing.T) {
	withFakeTime(t)
	stats := tcpip.Stats{}.FillIn()
	stats.TCP.ResetsSent.IncrementBy(3)
	stats.TCP.CurrentEstablished.IncrementBy(2)
	stats.UnknownPortRcvdPackets.Increment()

	var buf bytes.Buffer
	n, err := Write(&buf, ExportOptions{
		CommentHeader:  "tcptab statistics\nsecond line",
		ExporterPrefix: "tcptab_",
		ExtraLabels:    map[string]string{"stack": "test"},
	}, StatsSnapshot(&stats, nil))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != buf.Len() {
		t.Errorf("Write returned %d, wrote %d bytes", n, buf.Len())
	}
	if !strings.HasPrefix(buf.String(), "# tcptab statistics\n# second line\n") {
		t.Errorf("missing comment header:\n%s", buf.String())
	}

	parsed := parse(t, buf.String())
	for _, test := range []struct {
		name string
		typ  dto.MetricType
		val  float64
	}{
		{"tcptab_tcp_resets_sent", dto.MetricType_COUNTER, 3},
		{"tcptab_tcp_current_established", dto.MetricType_GAUGE, 2},
		{"tcptab_unknown_port_rcvd_packets", dto.MetricType_COUNTER, 1},
		{"tcptab_tcp_time_wait_expired", dto.MetricType_COUNTER, 0},
	} {
		mf, ok := parsed[test.name]
		if !ok {
			t.Errorf("metric %q not exported", test.name)
			continue
		}
		if mf.GetType() != test.typ {
			t.Errorf("metric %q has type %v, want %v", test.name, mf.GetType(), test.typ)
		}
		if len(mf.GetMetric()) != 1 {
			t.Fatalf("metric %q has %d data points, want 1", test.name, len(mf.GetMetric()))
		}
		m := mf.GetMetric()[0]
		var got float64
		if test.typ == dto.MetricType_GAUGE {
			got = m.GetGauge().GetValue()
		} else {
			got = m.GetCounter().GetValue()
		}
		if got != test.val {
			t.Errorf("metric %q = %v, want %v", test.name, got, test.val)
		}
		if m.GetTimestampMs() != fakeNow.UnixMilli() {
			t.Errorf("metric %q timestamp = %d, want %d", test.name, m.GetTimestampMs(), fakeNow.UnixMilli())
		}
		labels := make(map[string]string)
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if diff := cmp.Diff(map[string]string{"stack": "test"}, labels); diff != "" {
			t.Errorf("metric %q labels differ (-want +got):\n%s", test.name, diff)
		}
	}
}

func TestMetricFamiliesGroupsLabels(t *testing.T) {
	m := &Metric{Name: "port_claims", Type: TypeGauge}
	snap := &Snapshot{}
	snap.Add(
		LabeledData(m, map[string]string{"port": "80"}, 2),
		LabeledData(m, map[string]string{"port": "443"}, 1),
		NewData(&Metric{Name: "buckets", Type: TypeGauge}, 2),
	)
	families, err := snap.MetricFamilies(ExportOptions{})
	if err != nil {
		t.Fatalf("MetricFamilies: %v", err)
	}
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	if diff := cmp.Diff([]string{"buckets", "port_claims"}, names); diff != "" {
		t.Errorf("families differ (-want +got):\n%s", diff)
	}
	if got := len(families[1].GetMetric()); got != 2 {
		t.Errorf("port_claims has %d data points, want 2", got)
	}
	if families[0].GetMetric()[0].TimestampMs != nil {
		t.Errorf("zero snapshot time exported as a timestamp")
	}
}

func TestMetricFamiliesDuplicateLabel(t *testing.T) {
	snap := (&Snapshot{}).Add(LabeledData(&Metric{Name: "x"}, map[string]string{"stack": "a"}, 1))
	if _, err := snap.MetricFamilies(ExportOptions{ExtraLabels: map[string]string{"stack": "b"}}); err == nil {
		t.Errorf("MetricFamilies succeeded with a label set twice")
	}
}

func TestVerifier(t *testing.T) {
	withFakeTime(t)
	stats := tcpip.Stats{}.FillIn()
	v, err := NewVerifier(StatsMetrics(&stats))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	stats.TCP.CurrentEstablished.IncrementBy(5)
	stats.TCP.ActiveConnectionOpenings.IncrementBy(5)
	if err := v.Verify(StatsSnapshot(&stats, nil)); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Gauges may go down.
	stats.TCP.CurrentEstablished.Decrement()
	if err := v.Verify(StatsSnapshot(&stats, nil)); err != nil {
		t.Fatalf("Verify after gauge decrease: %v", err)
	}

	// Counters may not.
	stats.TCP.ActiveConnectionOpenings.Decrement()
	if err := v.Verify(StatsSnapshot(&stats, nil)); err == nil {
		t.Errorf("Verify succeeded after a counter decreased")
	}
}

func TestVerifierRejects(t *testing.T) {
	withFakeTime(t)
	counter := &Metric{Name: "resets_sent", Type: TypeCounter}
	for _, test := range []struct {
		name string
		snap *Snapshot
	}{
		{
			name: "unknown metric",
			snap: &Snapshot{When: fakeNow, Data: []*Data{NewData(&Metric{Name: "unknown", Type: TypeCounter}, 1)}},
		},
		{
			name: "wrong type",
			snap: &Snapshot{When: fakeNow, Data: []*Data{NewData(&Metric{Name: "resets_sent", Type: TypeGauge}, 1)}},
		},
		{
			name: "duplicate",
			snap: &Snapshot{When: fakeNow, Data: []*Data{NewData(counter, 1), NewData(counter, 2)}},
		},
		{
			name: "future",
			snap: &Snapshot{When: fakeNow.Add(time.Minute), Data: []*Data{NewData(counter, 1)}},
		},
		{
			name: "stale",
			snap: &Snapshot{When: fakeNow.Add(-time.Minute), Data: []*Data{NewData(counter, 1)}},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			v, err := NewVerifier([]*Metric{counter})
			if err != nil {
				t.Fatalf("NewVerifier: %v", err)
			}
			if err := v.Verify(test.snap); err == nil {
				t.Errorf("Verify succeeded")
			}
		})
	}
}

func TestVerifierOrdering(t *testing.T) {
	withFakeTime(t)
	counter := &Metric{Name: "resets_sent", Type: TypeCounter}
	v, err := NewVerifier([]*Metric{counter})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if err := v.Verify(&Snapshot{When: fakeNow, Data: []*Data{NewData(counter, 1)}}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := v.Verify(&Snapshot{When: fakeNow.Add(-time.Second), Data: []*Data{NewData(counter, 1)}}); err == nil {
		t.Errorf("Verify accepted a snapshot older than the previous one")
	}
}

func TestNewVerifierBadMetrics(t *testing.T) {
	for _, metrics := range [][]*Metric{
		{{Name: ""}},
		{{Name: "Upper"}},
		{{Name: "with-dash"}},
		{{Name: "a"}, {Name: "a"}},
		{{Name: "a", Type: Type(42)}},
	} {
		if _, err := NewVerifier(metrics); err == nil {
			t.Errorf("NewVerifier(%v) succeeded", metrics)
		}
	}
}

func TestAddStatsLabels(t *testing.T) {
	withFakeTime(t)
	client := tcpip.Stats{}.FillIn()
	server := tcpip.Stats{}.FillIn()
	client.TCP.ActiveConnectionOpenings.Increment()
	server.TCP.PassiveConnectionOpenings.IncrementBy(2)

	snap := StatsSnapshot(&client, map[string]string{"role": "client"})
	AddStats(snap, &server, map[string]string{"role": "server"})

	v, err := NewVerifier(StatsMetrics(&client))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if err := v.Verify(snap); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	var buf bytes.Buffer
	if _, err := Write(&buf, ExportOptions{}, snap); err != nil {
		t.Fatalf("Write: %v", err)
	}
	mf := parse(t, buf.String())["tcp_passive_connection_openings"]
	got := make(map[string]float64)
	for _, m := range mf.GetMetric() {
		got[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	if diff := cmp.Diff(map[string]float64{"client": 0, "server": 2}, got); diff != "" {
		t.Errorf("values differ (-want +got):\n%s", diff)
	}
}
