// Copyright 2024 The HeavenOS Authors.
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

// Package prometheus writes metric snapshots in the Prometheus text
// exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"
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

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional helpful string explaining what the metric is about.
	Help string `json:"help"`
}

// writeHeaderTo writes the metric comment header to the given writer.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Only backslashes and line breaks need escaping.
		help := strings.ReplaceAll(strings.ReplaceAll(m.Help, "\\", "\\\\"), "\n", "\\n")
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, help); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# TYPE %s%s %v\n", prefix, m.Name, m.Type)
	return err
}

// Number represents a numerical value.
// In Prometheus, all numbers are float64s. Integers are kept exact until
// they are written out.
type Number struct {
	// Float is the float value of this number.
	// Mutually exclusive with Int.
	Float float64 `json:"float,omitempty"`

	// Int is the integer value of this number.
	// Mutually exclusive with Float.
	Int int64 `json:"int,omitempty"`
}

// String returns a string representation of this number.
func (n *Number) String() string {
	var s strings.Builder
	if err := n.writeTo(&s); err != nil {
		panic(err)
	}
	return s.String()
}

// writeTo writes the number to the given writer.
func (n *Number) writeTo(w io.Writer) error {
	var s string
	switch {
	case n.Int == 0 && n.Float == 0:
		s = "0"
	case n.Int != 0:
		s = fmt.Sprintf("%d", n.Int)
	case n.Float == math.Inf(-1):
		s = "-Inf"
	case n.Float == math.Inf(1):
		s = "+Inf"
	case math.IsNaN(n.Float):
		s = "NaN"
	default:
		s = fmt.Sprintf("%f", n.Float)
	}
	_, err := io.WriteString(w, s)
	return err
}

// Data is an observation of the value of a single metric at a certain point in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric `json:"metric"`

	// Labels is a key-value pair representing the labels set on this metric.
	Labels map[string]string `json:"labels,omitempty"`

	// Number is the observed value.
	Number Number `json:"val"`
}

// NewIntData returns a new Data struct with the given metric and value.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Number: Number{Int: val}}
}

// LabeledIntData returns a new Data struct with the given metric, labels, and value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Number: Number{Int: val}}
}

// NewFloatData returns a new Data struct with the given metric and value.
func NewFloatData(metric *Metric, val float64) *Data {
	return &Data{Metric: metric, Number: Number{Float: val}}
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

// OrderedLabels returns the list of 'label_key="label_value"' in sorted order.
func OrderedLabels(labels ...map[string]string) ([]string, error) {
	keys := make(map[string]struct{})
	var ordered []string
	for _, labelMap := range labels {
		for k, v := range labelMap {
			if _, found := keys[k]; found {
				return nil, fmt.Errorf("duplicate label name %q", k)
			}
			keys[k] = struct{}{}
			ordered = append(ordered, fmt.Sprintf("%s=%q", k, v))
		}
	}
	sort.Strings(ordered)
	return ordered, nil
}

// writeTo writes a single line for d.
func (d *Data) writeTo(w io.Writer, when time.Time, options ExportOptions) error {
	if _, err := io.WriteString(w, options.ExporterPrefix+d.Metric.Name); err != nil {
		return err
	}
	if len(d.Labels) != 0 || len(options.ExtraLabels) != 0 {
		labels, err := OrderedLabels(d.Labels, options.ExtraLabels)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "{%s}", strings.Join(labels, ",")); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, " "); err != nil {
		return err
	}
	if err := d.Number.writeTo(w); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, " %d\n", when.UnixMilli())
	return err
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

// Write writes the snapshot to w. Data points of the same metric are
// written together, under a single header, with metrics sorted by name.
// It returns the number of bytes written.
func Write(w io.Writer, options ExportOptions, s *Snapshot) (int, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	if options.CommentHeader != "" {
		for _, line := range strings.Split(options.CommentHeader, "\n") {
			if _, err := fmt.Fprintf(cw, "# %s\n", line); err != nil {
				return cw.Written(), err
			}
		}
	}

	byName := make(map[string][]*Data)
	var names []string
	for _, d := range s.Data {
		if _, ok := byName[d.Metric.Name]; !ok {
			names = append(names, d.Metric.Name)
		}
		byName[d.Metric.Name] = append(byName[d.Metric.Name], d)
	}
	sort.Strings(names)
	for _, name := range names {
		data := byName[name]
		if _, err := io.WriteString(cw, "\n"); err != nil {
			return cw.Written(), err
		}
		if err := data[0].Metric.writeHeaderTo(cw, options.ExporterPrefix); err != nil {
			return cw.Written(), err
		}
		for _, d := range data {
			if err := d.writeTo(cw, s.When, options); err != nil {
				return cw.Written(), err
			}
		}
	}
	if err := cw.w.Flush(); err != nil {
		return cw.Written(), err
	}
	return cw.Written(), nil
}
