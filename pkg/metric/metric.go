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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered once at package init time and are then read as a
// consistent snapshot with GetSnapshot.
package metric

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/prometheus"
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	value atomic.Uint64
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// Int64GaugeMetric is a value that may go up and down.
type Int64GaugeMetric struct {
	value atomic.Int64
}

// Value returns the current value of the gauge.
func (m *Int64GaugeMetric) Value() int64 {
	return m.value.Load()
}

// Set sets the gauge to v.
func (m *Int64GaugeMetric) Set(v int64) {
	m.value.Store(v)
}

// Add adds delta to the gauge.
func (m *Int64GaugeMetric) Add(delta int64) {
	m.value.Add(delta)
}

// registered is a metric known to the registry.
type registered struct {
	metadata prometheus.Metric
	value    func() float64
}

// InitStage is the name of a boot stage.
type InitStage string

// List of all boot stages.
var (
	InitMachine    InitStage = "machine"
	InitDirectMap  InitStage = "direct_map"
	InitPageTables InitStage = "page_tables"
	InitGuestMap   InitStage = "guest_map"
)

type stageTiming struct {
	stage   InitStage
	started time.Time
	ended   time.Time
}

// inProgress returns whether this stage hasn't ended yet.
func (s stageTiming) inProgress() bool {
	return !s.started.IsZero() && s.ended.IsZero()
}

// metricSet holds all registered metrics and stage timings.
type metricSet struct {
	mu sync.Mutex

	// metrics is keyed by metric name.
	metrics map[string]registered

	// currentStage is the stage in progress, if any.
	currentStage stageTiming

	// finished are the completed stages, in completion order.
	finished []stageTiming
}

var allMetrics = metricSet{metrics: make(map[string]registered)}

func register(name string, typ prometheus.Type, description string, value func() float64) error {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.metrics[name]; ok {
		return fmt.Errorf("metric %q already registered", name)
	}
	allMetrics.metrics[name] = registered{
		metadata: prometheus.Metric{Name: name, Type: typ, Help: description},
		value:    value,
	}
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name string, description string) (*Uint64Metric, error) {
	m := &Uint64Metric{}
	if err := register(name, prometheus.TypeCounter, description, func() float64 { return float64(m.Value()) }); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// NewInt64GaugeMetric creates and registers a new gauge with the given name.
func NewInt64GaugeMetric(name string, description string) (*Int64GaugeMetric, error) {
	m := &Int64GaugeMetric{}
	if err := register(name, prometheus.TypeGauge, description, func() float64 { return float64(m.Value()) }); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewInt64GaugeMetric calls NewInt64GaugeMetric and panics if it
// returns an error.
func MustCreateNewInt64GaugeMetric(name string, description string) *Int64GaugeMetric {
	m, err := NewInt64GaugeMetric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// StartStage should be called when a boot stage is started. It returns a
// function that must be called to indicate that the stage ended.
// Alternatively, future calls to StartStage will implicitly indicate that the
// previous stage ended.
func StartStage(stage InitStage) func() {
	now := time.Now()
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.currentStage.inProgress() {
		endStage(now)
	}
	allMetrics.currentStage.stage = stage
	allMetrics.currentStage.started = now
	return func() {
		now := time.Now()
		allMetrics.mu.Lock()
		defer allMetrics.mu.Unlock()
		// The current stage may have been ended by another call to StartStage, so
		// double-check prior to clearing the current stage.
		if allMetrics.currentStage.inProgress() && allMetrics.currentStage.stage == stage {
			endStage(now)
		}
	}
}

// endStage marks allMetrics.currentStage as ended, adding it to the list of
// finished stages. It assumes allMetrics.mu is locked.
func endStage(when time.Time) {
	allMetrics.currentStage.ended = when
	log.Debugf("Stage %s took %v", allMetrics.currentStage.stage, when.Sub(allMetrics.currentStage.started))
	for i, st := range allMetrics.finished {
		if st.stage == allMetrics.currentStage.stage {
			// A repeated stage replaces the earlier timing.
			allMetrics.finished = append(allMetrics.finished[:i], allMetrics.finished[i+1:]...)
			break
		}
	}
	allMetrics.finished = append(allMetrics.finished, allMetrics.currentStage)
	allMetrics.currentStage = stageTiming{}
}

// stageMetric reports the duration of each finished boot stage.
var stageMetric = prometheus.Metric{
	Name: "/boot/stage_nanoseconds",
	Type: prometheus.TypeGauge,
	Help: "Duration of each completed boot stage.",
}

// GetSnapshot returns the current value of every registered metric and the
// duration of every finished stage.
func GetSnapshot() *prometheus.Snapshot {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()

	names := make([]string, 0, len(allMetrics.metrics))
	for name := range allMetrics.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	s := &prometheus.Snapshot{}
	for _, name := range names {
		r := allMetrics.metrics[name]
		md := r.metadata
		s.Data = append(s.Data, &prometheus.Data{Metric: &md, Value: r.value()})
	}
	for _, st := range allMetrics.finished {
		s.Data = append(s.Data, &prometheus.Data{
			Metric: &stageMetric,
			Labels: map[string]string{"stage": string(st.stage)},
			Value:  float64(st.ended.Sub(st.started).Nanoseconds()),
		})
	}
	return s
}

// EmitMetricUpdate logs the current value of every metric at debug level.
func EmitMetricUpdate() {
	if !log.IsLogging(log.Debug) {
		return
	}
	log.Debugf("Emitting metrics:")
	for _, d := range GetSnapshot().Data {
		if len(d.Labels) != 0 {
			log.Debugf("%s%v: %v", d.Metric.Name, d.Labels, d.Value)
			continue
		}
		log.Debugf("%s: %v", d.Metric.Name, d.Value)
	}
}
