// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package leader

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobflow",
			Subsystem: "leader",
			Name:      "jobs_total",
			Help:      "number of job attempts by outcome",
		}, []string{"outcome"}) // issued, succeeded, failed, lost, killed, retried
	readyGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobflow",
			Subsystem: "leader",
			Name:      "ready_jobs",
			Help:      "number of jobs waiting to be issued",
		})
	inFlightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobflow",
			Subsystem: "leader",
			Name:      "in_flight_jobs",
			Help:      "number of jobs issued to the batch system",
		})
	outstandingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jobflow",
			Subsystem: "leader",
			Name:      "outstanding_resources",
			Help:      "summed requirements of ready and in-flight jobs",
		}, []string{"resource", "preemptable"}) // cores, memory, disk
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(jobCounter)
	registry.MustRegister(readyGauge)
	registry.MustRegister(inFlightGauge)
	registry.MustRegister(outstandingGauge)
}
