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

package kernel

import (
	"io"
	"strconv"

	"heavenos.dev/heavenos/pkg/irq"
	"heavenos.dev/heavenos/pkg/prometheus"
	"heavenos.dev/heavenos/pkg/sched"
)

// MetricsPrefix is prepended to every exported metric name.
const MetricsPrefix = "heavenos_"

var (
	framesTotalMetric = &prometheus.Metric{Name: "frames_total", Type: prometheus.TypeGauge, Help: "Allocatable physical frames."}
	framesFreeMetric  = &prometheus.Metric{Name: "frames_free", Type: prometheus.TypeGauge, Help: "Free physical frames."}
	freeRatioMetric   = &prometheus.Metric{Name: "frames_free_ratio", Type: prometheus.TypeGauge, Help: "Fraction of allocatable frames that are free."}
	freeBlocksMetric  = &prometheus.Metric{Name: "free_blocks", Type: prometheus.TypeGauge, Help: "Free blocks per zone and order."}
	areasMetric       = &prometheus.Metric{Name: "area_records", Type: prometheus.TypeGauge, Help: "Live virtual memory area records."}
	ticksMetric       = &prometheus.Metric{Name: "ticks", Type: prometheus.TypeCounter, Help: "Timer ticks handled by the scheduler."}
	instrMetric       = &prometheus.Metric{Name: "instructions", Type: prometheus.TypeCounter, Help: "Retired user instructions."}
	eoisMetric        = &prometheus.Metric{Name: "eois", Type: prometheus.TypeCounter, Help: "End-of-interrupt signals."}
	interruptsMetric  = &prometheus.Metric{Name: "interrupts", Type: prometheus.TypeCounter, Help: "Interrupts and exceptions by vector."}
	tasksMetric       = &prometheus.Metric{Name: "tasks", Type: prometheus.TypeGauge, Help: "Task slots by state."}
	exitsMetric       = &prometheus.Metric{Name: "exits", Type: prometheus.TypeCounter, Help: "Tasks that exited."}
)

// Metrics returns a snapshot of the allocator, scheduler and interrupt
// counters. It must not be called while Run is running.
func (k *Kernel) Metrics() *prometheus.Snapshot {
	s := prometheus.NewSnapshot()
	stats := k.frames.Stats()
	s.Add(
		prometheus.NewIntData(framesTotalMetric, int64(stats.TotalFrames)),
		prometheus.NewIntData(framesFreeMetric, int64(stats.FreeFrames)),
	)
	if stats.TotalFrames > 0 {
		s.Add(prometheus.NewFloatData(freeRatioMetric, float64(stats.FreeFrames)/float64(stats.TotalFrames)))
	}
	for i, z := range stats.Zones {
		for order, n := range z.FreeBlocks {
			s.Add(prometheus.LabeledIntData(freeBlocksMetric, map[string]string{
				"zone":  strconv.Itoa(i),
				"order": strconv.Itoa(order),
			}, int64(n)))
		}
	}
	s.Add(
		prometheus.NewIntData(areasMetric, int64(k.vm.AreaRecords())),
		prometheus.NewIntData(ticksMetric, int64(k.sched.Ticks())),
		prometheus.NewIntData(instrMetric, int64(k.machine.Instructions())),
		prometheus.NewIntData(eoisMetric, int64(k.machine.EOIs())),
		prometheus.NewIntData(exitsMetric, int64(len(k.sched.Exits()))),
	)
	for v, n := range k.irqs.Counts() {
		s.Add(prometheus.LabeledIntData(interruptsMetric, map[string]string{
			"vector": strconv.Itoa(v),
			"name":   irq.Name(v),
		}, int64(n)))
	}
	counts := k.sched.Counts()
	for st := sched.NotAllocated; st <= sched.Reserved; st++ {
		s.Add(prometheus.LabeledIntData(tasksMetric, map[string]string{"state": st.String()}, int64(counts[st])))
	}
	return s
}

// WriteMetrics writes Metrics to w in the Prometheus text format.
func (k *Kernel) WriteMetrics(w io.Writer) (int, error) {
	return prometheus.Write(w, prometheus.ExportOptions{
		CommentHeader:  "HeavenOS kernel metrics",
		ExporterPrefix: MetricsPrefix,
	}, k.Metrics())
}
