// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the engine's population and routing counters on a dedicated
// prometheus registry. A nil *Metrics is valid and records nothing, so the
// engine never branches on whether metrics are configured.
type Metrics struct {
	registry *prometheus.Registry

	transactions *prometheus.GaugeVec
	dialogs      prometheus.Gauge
	sessions     prometheus.Gauge

	requestsRouted     *prometheus.CounterVec
	autoReplies        *prometheus.CounterVec
	responsesDiscarded prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sipua",
			Name:      "transactions_active",
			Help:      "Active transactions by kind",
		}, []string{"kind"}),
		dialogs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipua",
			Name:      "dialogs_active",
			Help:      "Active dialogs",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipua",
			Name:      "sessions_active",
			Help:      "Active call sessions",
		}),
		requestsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua",
			Name:      "requests_routed_total",
			Help:      "Inbound requests routed, by method",
		}, []string{"method"}),
		autoReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua",
			Name:      "auto_replies_total",
			Help:      "Engine-generated responses, by status",
		}, []string{"status"}),
		responsesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipua",
			Name:      "responses_discarded_total",
			Help:      "Responses matching no client transaction",
		}),
	}
	m.registry.MustRegister(
		m.transactions, m.dialogs, m.sessions,
		m.requestsRouted, m.autoReplies, m.responsesDiscarded,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) txGauge(kind TxKind, n int) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(kind.String()).Set(float64(n))
}

func (m *Metrics) dialogGauge(n int) {
	if m == nil {
		return
	}
	m.dialogs.Set(float64(n))
}

func (m *Metrics) sessionGauge(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) routedRequest(method string) {
	if m == nil {
		return
	}
	m.requestsRouted.WithLabelValues(method).Inc()
}

func (m *Metrics) autoReply(status int) {
	if m == nil {
		return
	}
	m.autoReplies.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) discardedResponse() {
	if m == nil {
		return
	}
	m.responsesDiscarded.Inc()
}
