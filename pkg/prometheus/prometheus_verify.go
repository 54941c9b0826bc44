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
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	// maxExportStaleness is the maximum allowed age of a snapshot when it is verified.
	// Used to avoid exporting snapshots from bogus times from ages past.
	maxExportStaleness = 10 * time.Second
)

// verifiableMetric verifies a single metric within a Verifier.
type verifiableMetric struct {
	wantMetric Metric

	// lastCounterValue is used to verify that counters increase
	// monotonically. It is mapped by label set and only accessed with the
	// parent Verifier.mu held.
	lastCounterValue map[string]uint64
}

// newVerifiableMetric creates a new verifiableMetric that can verify the
// values of a metric with the given metadata.
func newVerifiableMetric(m *Metric) (*verifiableMetric, error) {
	if m.Name == "" {
		return nil, errors.New("metric has no name")
	}
	if !unicode.IsLower(rune(m.Name[0])) {
		return nil, fmt.Errorf("invalid initial character in prometheus metric name: %q", m.Name)
	}
	for _, r := range m.Name {
		if !unicode.IsLower(r) && !unicode.IsDigit(r) && r != '_' {
			return nil, fmt.Errorf("invalid characters in prometheus metric name: %q", m.Name)
		}
	}
	switch m.Type {
	case TypeGauge, TypeCounter, TypeUntyped:
	default:
		return nil, fmt.Errorf("unsupported metric type %d", m.Type)
	}
	return &verifiableMetric{
		wantMetric:       *m,
		lastCounterValue: make(map[string]uint64),
	}, nil
}

// labelKey returns a canonical string for a label set.
func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k, v := range labels {
		keys = append(keys, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// verify does read-only checks on data.
func (v *verifiableMetric) verify(data *Data, labelsSeen map[string]struct{}) (string, error) {
	if data.Metric.Type != v.wantMetric.Type {
		return "", fmt.Errorf("invalid type: got %v want %v", data.Metric.Type, v.wantMetric.Type)
	}
	key := labelKey(data.Labels)
	if _, found := labelsSeen[key]; found {
		return "", fmt.Errorf("duplicate data for labels {%s}", key)
	}
	labelsSeen[key] = struct{}{}
	return key, nil
}

// verifyIncrement verifies that counters are monotonically increasing.
// Preconditions: `verify` has succeeded on the given `data`, and `Verifier.mu` is held.
func (v *verifiableMetric) verifyIncrement(data *Data, key string) error {
	if v.wantMetric.Type != TypeCounter {
		return nil
	}
	if last := v.lastCounterValue[key]; last > data.Value {
		return fmt.Errorf("counter value decreased from %d to %d", last, data.Value)
	}
	return nil
}

// update updates counters' "last seen" data.
// Preconditions: `verifyIncrement` has succeeded on the given `data`, and `Verifier.mu` is held.
func (v *verifiableMetric) update(data *Data, key string) {
	if v.wantMetric.Type == TypeCounter {
		v.lastCounterValue[key] = data.Value
	}
}

// Verifier allows verifying metric snapshots against a set of known metrics.
// It is expected to be reused across exports such that it can enforce that
// snapshot timestamps and counters never go backwards.
type Verifier struct {
	knownMetrics  map[string]*verifiableMetric
	mu            sync.Mutex
	lastTimestamp time.Time
}

// NewVerifier returns a new metric verifier that accepts snapshots of the
// given metrics.
func NewVerifier(metrics []*Metric) (*Verifier, error) {
	knownMetrics := make(map[string]*verifiableMetric)
	for _, metric := range metrics {
		if _, alreadyExists := knownMetrics[metric.Name]; alreadyExists {
			return nil, fmt.Errorf("metric %q registered twice", metric.Name)
		}
		verifiableM, err := newVerifiableMetric(metric)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %v", metric.Name, err)
		}
		knownMetrics[metric.Name] = verifiableM
	}
	return &Verifier{
		knownMetrics: knownMetrics,
	}, nil
}

// Verify verifies the integrity of a snapshot against the known metrics of
// the Verifier. It assumes that it will be called on snapshots obtained
// chronologically over time.
func (v *Verifier) Verify(snapshot *Snapshot) error {
	// Basic timestamp checks.
	now := timeNow()
	if snapshot.When.After(now) {
		return errors.New("snapshot is from the future")
	}
	if snapshot.When.Before(now.Add(-maxExportStaleness)) {
		return fmt.Errorf("snapshot is too old; it is from %v, expected at least %v (%v from now)", snapshot.When, now.Add(-maxExportStaleness), maxExportStaleness)
	}

	// Metrics checks.
	labelsSeen := make(map[string]map[string]struct{}, len(v.knownMetrics))
	keys := make([]string, len(snapshot.Data))
	for i, data := range snapshot.Data {
		metricName := data.Metric.Name
		verifiableM, found := v.knownMetrics[metricName]
		if !found {
			return fmt.Errorf("snapshot contains unknown metric %q", metricName)
		}
		seen, found := labelsSeen[metricName]
		if !found {
			seen = make(map[string]struct{})
			labelsSeen[metricName] = seen
		}
		key, err := verifiableM.verify(data, seen)
		if err != nil {
			return fmt.Errorf("metric %q: %v", metricName, err)
		}
		keys[i] = key
	}

	// Start the critical section.
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lastTimestamp.After(snapshot.When) {
		return fmt.Errorf("consecutive snapshots are not chronologically ordered: last verified snapshot was exported at %v, this one is from %v", v.lastTimestamp, snapshot.When)
	}
	for i, data := range snapshot.Data {
		if err := v.knownMetrics[data.Metric.Name].verifyIncrement(data, keys[i]); err != nil {
			return fmt.Errorf("metric %q: %v", data.Metric.Name, err)
		}
	}

	// All checks succeeded, update last-seen data.
	v.lastTimestamp = snapshot.When
	for i, data := range snapshot.Data {
		v.knownMetrics[data.Metric.Name].update(data, keys[i])
	}
	return nil
}
