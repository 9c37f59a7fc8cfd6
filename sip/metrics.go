package sip

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the optional Prometheus collectors shared by the
// transport and transaction layers. A nil *Metrics makes every method a
// no-op, so call paths that never asked for instrumentation pay nothing.
type Metrics struct {
	droppedDatagrams *prometheus.CounterVec

	clientTxStarted    prometheus.Counter
	serverTxStarted    prometheus.Counter
	clientTxTerminated *prometheus.CounterVec
	serverTxTerminated *prometheus.CounterVec
	activeTx           *prometheus.GaugeVec
}

// NewMetrics registers the collectors against reg and returns a handle
// for WithTransportLayerMetrics / WithTransactionLayerMetrics. Call once
// per process per Registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		droppedDatagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "transport",
			Name:      "dropped_datagrams_total",
			Help:      "Inbound datagrams dropped because they failed to parse, by transport.",
		}, []string{"transport"}),
		clientTxStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "transaction",
			Name:      "client_started_total",
			Help:      "Client transactions constructed by this process.",
		}),
		serverTxStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "transaction",
			Name:      "server_started_total",
			Help:      "Server transactions constructed by this process.",
		}),
		clientTxTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "transaction",
			Name:      "client_terminated_total",
			Help:      "Client transactions terminated, labeled by outcome.",
		}, []string{"state"}),
		serverTxTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "transaction",
			Name:      "server_terminated_total",
			Help:      "Server transactions terminated, labeled by outcome.",
		}, []string{"state"}),
		activeTx: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sipcore",
			Subsystem: "transaction",
			Name:      "active",
			Help:      "Transactions currently tracked in the registry, by role.",
		}, []string{"role"}),
	}
	reg.MustRegister(
		m.droppedDatagrams,
		m.clientTxStarted, m.serverTxStarted,
		m.clientTxTerminated, m.serverTxTerminated,
		m.activeTx,
	)
	return m
}

func (m *Metrics) droppedDatagram(transport string) {
	if m == nil {
		return
	}
	m.droppedDatagrams.WithLabelValues(transport).Inc()
}

func (m *Metrics) clientTxStart() {
	if m == nil {
		return
	}
	m.clientTxStarted.Inc()
	m.activeTx.WithLabelValues("client").Inc()
}

func (m *Metrics) serverTxStart() {
	if m == nil {
		return
	}
	m.serverTxStarted.Inc()
	m.activeTx.WithLabelValues("server").Inc()
}

func txOutcomeLabel(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrTransactionTerminated):
		return "ok"
	case errors.Is(err, ErrTransactionTimeout):
		return "timeout"
	case errors.Is(err, ErrTransactionTransport):
		return "transport"
	case errors.Is(err, ErrTransactionCanceled):
		return "canceled"
	default:
		return "error"
	}
}

func (m *Metrics) clientTxTerminate(err error) {
	if m == nil {
		return
	}
	m.clientTxTerminated.WithLabelValues(txOutcomeLabel(err)).Inc()
	m.activeTx.WithLabelValues("client").Dec()
}

func (m *Metrics) serverTxTerminate(err error) {
	if m == nil {
		return
	}
	m.serverTxTerminated.WithLabelValues(txOutcomeLabel(err)).Inc()
	m.activeTx.WithLabelValues("server").Dec()
}
