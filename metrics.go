// Copyright 2026 Blink Labs Software
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

package dat

import (
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dat"

type metrics struct {
	// all metrics fields must be exported
	// to be able to return them by Metrics()
	// using reflection
	ConnectionsActive   prometheus.Gauge
	ConnectionsRejected prometheus.Counter
	BlocksVerified      prometheus.Counter
	BlocksAppended      prometheus.Counter
	HaveBroadcasts      prometheus.Counter
}

func newMetrics() metrics {
	return metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of connections with a completed handshake.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_rejected_total",
			Help:      "Number of connections rejected as duplicates or self connections.",
		}),
		BlocksVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "blocks_verified_total",
			Help:      "Number of blocks received from peers that passed verification.",
		}),
		BlocksAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "blocks_appended_total",
			Help:      "Number of blocks appended locally.",
		}),
		HaveBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "have_broadcasts_total",
			Help:      "Number of Have announcements fanned out to sessions.",
		}),
	}
}

// Metrics returns the collectors of the connection manager for registration
func (m *ConnectionManager) Metrics() (cs []prometheus.Collector) {
	v := reflect.Indirect(reflect.ValueOf(m.metrics))
	for i := 0; i < v.NumField(); i++ {
		if !v.Field(i).CanInterface() {
			continue
		}
		if u, ok := v.Field(i).Interface().(prometheus.Collector); ok {
			cs = append(cs, u)
		}
	}
	return cs
}
