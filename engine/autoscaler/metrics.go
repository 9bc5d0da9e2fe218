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

package autoscaler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	provisionedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobflow",
			Subsystem: "autoscaler",
			Name:      "provisioned_nodes_total",
			Help:      "number of nodes requested from the provisioner",
		}, []string{"node_type"})
	terminatedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobflow",
			Subsystem: "autoscaler",
			Name:      "terminated_nodes_total",
			Help:      "number of idle nodes terminated",
		}, []string{"node_type"})
	stallGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jobflow",
			Subsystem: "autoscaler",
			Name:      "stalled",
			Help:      "whether demand for a node type cannot currently be met",
		}, []string{"node_type"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(provisionedCounter)
	registry.MustRegister(terminatedCounter)
	registry.MustRegister(stallGauge)
}
