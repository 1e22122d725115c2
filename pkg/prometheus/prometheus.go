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

// Package prometheus exports metric snapshots in the Prometheus text
// exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	default:
		return "untyped"
	}
}

func (t Type) dto() *dto.MetricType {
	switch t {
	case TypeGauge:
		return dto.MetricType_GAUGE.Enum()
	case TypeCounter:
		return dto.MetricType_COUNTER.Enum()
	default:
		return dto.MetricType_UNTYPED.Enum()
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
	Labels map[string]string `json:"labels,omitempty"`

	// Value is the observed value. In Prometheus, all numbers are float64s.
	Value float64 `json:"val"`
}

// NewIntData returns a new Data struct with the given metric and value.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Value: float64(val)}
}

// Snapshot is a set of metric values taken at one point in time.
type Snapshot struct {
	// Data is the list of values, in no particular order.
	Data []*Data `json:"data"`
}

// ExportOptions contains options that control how metric data is exported in
// Prometheus format.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data is
	// exported.
	CommentHeader string

	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string
}

// SanitizeName converts a metric path such as "/pagetables/pages_allocated"
// into a valid Prometheus metric name.
func SanitizeName(name string) string {
	name = strings.TrimPrefix(name, "/")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}

// families groups the snapshot data by metric, in name order.
func (s *Snapshot) families(opts ExportOptions) ([]*dto.MetricFamily, error) {
	byName := make(map[string]*dto.MetricFamily)
	var names []string
	for _, d := range s.Data {
		if d.Metric == nil {
			return nil, fmt.Errorf("data without metric: %+v", d)
		}
		name := opts.ExporterPrefix + SanitizeName(d.Metric.Name)
		f, ok := byName[name]
		if !ok {
			f = &dto.MetricFamily{
				Name: proto.String(name),
				Type: d.Metric.Type.dto(),
			}
			if d.Metric.Help != "" {
				f.Help = proto.String(d.Metric.Help)
			}
			byName[name] = f
			names = append(names, name)
		} else if f.GetType() != *d.Metric.Type.dto() {
			return nil, fmt.Errorf("metric %q reported with conflicting types", name)
		}

		m := &dto.Metric{}
		keys := make([]string, 0, len(d.Labels))
		for k := range d.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(k),
				Value: proto.String(d.Labels[k]),
			})
		}
		switch d.Metric.Type {
		case TypeCounter:
			m.Counter = &dto.Counter{Value: proto.Float64(d.Value)}
		case TypeGauge:
			m.Gauge = &dto.Gauge{Value: proto.Float64(d.Value)}
		default:
			m.Untyped = &dto.Untyped{Value: proto.Float64(d.Value)}
		}
		f.Metric = append(f.Metric, m)
	}
	sort.Strings(names)
	out := make([]*dto.MetricFamily, 0, len(names))
	for _, n := range names {
		out = append(out, byName[n])
	}
	return out, nil
}

// Write writes the snapshot to w in Prometheus text format.
func Write(w io.Writer, s *Snapshot, opts ExportOptions) error {
	families, err := s.families(opts)
	if err != nil {
		return err
	}
	if opts.CommentHeader != "" {
		for _, line := range strings.Split(opts.CommentHeader, "\n") {
			if _, err := fmt.Fprintf(w, "# %s\n", line); err != nil {
				return err
			}
		}
	}
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return fmt.Errorf("writing metric %q: %w", f.GetName(), err)
		}
	}
	return nil
}
