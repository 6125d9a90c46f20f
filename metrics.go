// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

import (
	"github.com/prometheus/client_golang/prometheus"

	"code.hybscloud.com/viosock/transport"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	exchanges  *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	workItems  *prometheus.CounterVec
	sockets    prometheus.Gauge
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viosock_operations_total",
				Help: "Completed caller-visible operations",
			},
			[]string{"kind", "status"},
		),
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viosock_exchanges_total",
				Help: "Sub-exchanges submitted to the transport",
			},
			[]string{"op"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viosock_bytes_total",
				Help: "Bytes moved by completed data operations",
			},
			[]string{"direction"},
		),
		workItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viosock_work_items_total",
				Help: "Deferred work items by backend",
			},
			[]string{"backend"},
		),
		sockets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "viosock_sockets_open",
				Help: "Sockets currently open",
			},
		),
	}
}

// Collectors returns every collector, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.operations, m.exchanges, m.bytes, m.workItems, m.sockets}
}

// Register registers every collector with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) operation(kind string, n int, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, statusLabel(err)).Inc()
	if n <= 0 {
		return
	}
	switch kind {
	case kindSend, kindDisconnect, kindConnectWithData:
		m.bytes.WithLabelValues("out").Add(float64(n))
	case kindReceive:
		m.bytes.WithLabelValues("in").Add(float64(n))
	}
}

func (m *Metrics) exchange(op transport.Op) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) workItem(backend string) {
	if m == nil {
		return
	}
	m.workItems.WithLabelValues(backend).Inc()
}

func (m *Metrics) socketDelta(d float64) {
	if m == nil {
		return
	}
	m.sockets.Add(d)
}
