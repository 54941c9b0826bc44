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

// Package prometheus exports protocol statistics in the Prometheus text
// exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/tcptab/pkg/tcpip"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

func (t Type) dto() dto.MetricType {
	switch t {
	case TypeGauge:
		return dto.MetricType_GAUGE
	case TypeCounter:
		return dto.MetricType_COUNTER
	default:
		return dto.MetricType_UNTYPED
	}
}

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional helpful string explaining what the metric is about.
	Help string `json:"help"`
}

// Data is an observation of the value of a single metric at a certain point in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric `json:"metric"`

	// Labels is a key-value pair representing the labels set on this metric.
	// This may be merged with other labels during export.
	Labels map[string]string `json:"labels,omitempty"`

	// Value is the observed value. Every statistic exported here is an
	// unsigned integer.
	Value uint64 `json:"val"`
}

// NewData returns a new Data struct with the given metric and value.
func NewData(metric *Metric, val uint64) *Data {
	return &Data{Metric: metric, Value: val}
}

// LabeledData returns a new Data struct with the given metric, labels, and value.
func LabeledData(metric *Metric, labels map[string]string, val uint64) *Data {
	return &Data{Metric: metric, Labels: labels, Value: val}
}

// Snapshot is a snapshot of the values of all the metrics at a certain point in time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	// Note that Prometheus ultimately encodes timestamps as millisecond-precision int64s from epoch.
	When time.Time `json:"when,omitempty"`

	// Data is the whole snapshot data.
	// Each Data must be a unique combination of (Metric, Labels) within a Snapshot.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// MetricName converts the dotted path of a statistic, e.g.
// "TCP.ListenOverflowSynDrop", to a Prometheus metric name, e.g.
// "tcp_listen_overflow_syn_drop".
func MetricName(statPath string) string {
	var b strings.Builder
	for _, part := range strings.Split(statPath, ".") {
		if b.Len() > 0 {
			b.WriteByte('_')
		}
		r := []rune(part)
		for i, c := range r {
			if i > 0 && unicode.IsUpper(c) {
				prev := r[i-1]
				nextLower := i+1 < len(r) && unicode.IsLower(r[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(c))
		}
	}
	return b.String()
}

// StatsMetrics returns the metrics describing the counters of s, in
// declaration order. Counters named Current* are gauges, the rest are
// counters.
func StatsMetrics(s *tcpip.Stats) []*Metric {
	var metrics []*Metric
	s.Visit(func(name string, _ *tcpip.StatCounter) {
		metrics = append(metrics, statMetric(name))
	})
	return metrics
}

func statMetric(path string) *Metric {
	typ := TypeCounter
	last := path[strings.LastIndexByte(path, '.')+1:]
	if strings.HasPrefix(last, "Current") {
		typ = TypeGauge
	}
	return &Metric{
		Name: MetricName(path),
		Type: typ,
		Help: fmt.Sprintf("Value of the %s statistic.", path),
	}
}

// StatsSnapshot returns a snapshot of every counter of s taken now, with the
// given labels attached to each value.
func StatsSnapshot(s *tcpip.Stats, labels map[string]string) *Snapshot {
	return AddStats(NewSnapshot(), s, labels)
}

// AddStats adds every counter of s to snap with the given labels. It allows
// the statistics of several protocol instances to share a snapshot.
func AddStats(snap *Snapshot, s *tcpip.Stats, labels map[string]string) *Snapshot {
	s.Visit(func(name string, c *tcpip.StatCounter) {
		snap.Add(LabeledData(statMetric(name), labels, c.Value()))
	})
	return snap
}

// ExportOptions contains options that control how metric data is exported in Prometheus format.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data is exported.
	CommentHeader string

	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string

	// ExtraLabels is added as labels for all metric values.
	ExtraLabels map[string]string
}

// labelPairs returns the union of labels as sorted label pairs.
func labelPairs(labels ...map[string]string) ([]*dto.LabelPair, error) {
	var pairs []*dto.LabelPair
	seen := make(map[string]struct{})
	for _, labelMap := range labels {
		for k, v := range labelMap {
			if _, found := seen[k]; found {
				return nil, fmt.Errorf("duplicate label name %q", k)
			}
			seen[k] = struct{}{}
			pairs = append(pairs, &dto.LabelPair{Name: proto.String(k), Value: proto.String(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].GetName() < pairs[j].GetName() })
	return pairs, nil
}

// MetricFamilies groups the data of s by metric, sorted by metric name.
func (s *Snapshot) MetricFamilies(options ExportOptions) ([]*dto.MetricFamily, error) {
	byName := make(map[string]*dto.MetricFamily)
	var names []string
	for _, d := range s.Data {
		name := options.ExporterPrefix + d.Metric.Name
		mf, ok := byName[name]
		if !ok {
			mf = &dto.MetricFamily{
				Name: proto.String(name),
				Type: d.Metric.Type.dto().Enum(),
			}
			if d.Metric.Help != "" {
				mf.Help = proto.String(d.Metric.Help)
			}
			byName[name] = mf
			names = append(names, name)
		} else if mf.GetType() != d.Metric.Type.dto() {
			return nil, fmt.Errorf("metric %s exported with types %v and %v", name, mf.GetType(), d.Metric.Type.dto())
		}
		labels, err := labelPairs(d.Labels, options.ExtraLabels)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", name, err)
		}
		m := &dto.Metric{Label: labels}
		if !s.When.IsZero() {
			m.TimestampMs = proto.Int64(s.When.UnixMilli())
		}
		val := float64(d.Value)
		switch d.Metric.Type {
		case TypeGauge:
			m.Gauge = &dto.Gauge{Value: proto.Float64(val)}
		case TypeCounter:
			m.Counter = &dto.Counter{Value: proto.Float64(val)}
		default:
			m.Untyped = &dto.Untyped{Value: proto.Float64(val)}
		}
		mf.Metric = append(mf.Metric, m)
	}
	sort.Strings(names)
	families := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		families = append(families, byName[name])
	}
	return families, nil
}

// countingWriter implements io.Writer, and counts the number of bytes written to it.
type countingWriter struct {
	w       *bufio.Writer
	written int
}

// Write implements io.Writer.Write.
func (w *countingWriter) Write(b []byte) (int, error) {
	written, err := w.w.Write(b)
	w.written += written
	return written, err
}

// Written returns the number of bytes written to the underlying writer (minus buffered writes).
func (w *countingWriter) Written() int {
	return w.written - w.w.Buffered()
}

// Write writes a snapshot to the writer in the text exposition format. It
// returns the number of bytes written.
func Write(w io.Writer, options ExportOptions, snapshot *Snapshot) (int, error) {
	families, err := snapshot.MetricFamilies(options)
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: bufio.NewWriter(w)}
	if options.CommentHeader != "" {
		for _, commentLine := range strings.Split(options.CommentHeader, "\n") {
			if _, err := io.WriteString(cw, "# "+commentLine+"\n"); err != nil {
				return cw.Written(), err
			}
		}
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(cw, mf); err != nil {
			return cw.Written(), err
		}
	}
	if err := cw.w.Flush(); err != nil {
		return cw.Written(), err
	}
	return cw.Written(), nil
}
