// Package metrics exposes Prometheus collectors for the encryption subsystem.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nexus_e2ee"

// Error categories reported through RecordError.
const (
	CategoryCrypto  = "crypto"
	CategoryStorage = "storage"
	CategoryInput   = "input"
	CategoryConfig  = "config"
)

type Metrics struct {
	opsTotal            *prometheus.CounterVec
	opDuration          *prometheus.HistogramVec
	errorsTotal         *prometheus.CounterVec
	identityInits       *prometheus.CounterVec
	channelsEstablished *prometheus.CounterVec
	messagesEncrypted   prometheus.Counter
	messagesDecrypted   *prometheus.CounterVec
	plaintextFallbacks  prometheus.Counter
	warningsSuppressed  prometheus.Counter
}

// New registers the collectors on reg. A nil reg yields unregistered
// collectors, which is what tests usually want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Channel manager operations by name and result.",
		}, []string{"op", "result"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Channel manager operation latency.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"op"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by category.",
		}, []string{"category"}),
		identityInits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_initializations_total",
			Help:      "InitializeEncryption outcomes: created, restored or existing.",
		}, []string{"result"}),
		channelsEstablished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_established_total",
			Help:      "Secure channels established, split by whether the contact key rotated.",
		}, []string{"rotated"}),
		messagesEncrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_encrypted_total",
			Help:      "Messages encrypted for a contact.",
		}),
		messagesDecrypted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_decrypted_total",
			Help:      "Decryption attempts by result.",
		}, []string{"result"}),
		plaintextFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plaintext_fallbacks_total",
			Help:      "Sends that returned no envelope because no channel exists.",
		}),
		warningsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_suppressed_total",
			Help:      "Log warnings dropped by the per-contact throttle.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.opsTotal,
		m.opDuration,
		m.errorsTotal,
		m.identityInits,
		m.channelsEstablished,
		m.messagesEncrypted,
		m.messagesDecrypted,
		m.plaintextFallbacks,
		m.warningsSuppressed,
	}
}

// RecordOp counts one operation and observes its latency since started.
func (m *Metrics) RecordOp(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.opsTotal.WithLabelValues(op, result).Inc()
	m.opDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) RecordError(category string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) IdentityInitialized(result string) {
	if m == nil {
		return
	}
	m.identityInits.WithLabelValues(result).Inc()
}

func (m *Metrics) ChannelEstablished(rotated bool) {
	if m == nil {
		return
	}
	label := "false"
	if rotated {
		label = "true"
	}
	m.channelsEstablished.WithLabelValues(label).Inc()
}

func (m *Metrics) MessageEncrypted() {
	if m == nil {
		return
	}
	m.messagesEncrypted.Inc()
}

// MessageDecrypted takes "ok", "no_key" or "auth_failed".
func (m *Metrics) MessageDecrypted(result string) {
	if m == nil {
		return
	}
	m.messagesDecrypted.WithLabelValues(result).Inc()
}

func (m *Metrics) PlaintextFallback() {
	if m == nil {
		return
	}
	m.plaintextFallbacks.Inc()
}

func (m *Metrics) WarningsSuppressed(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.warningsSuppressed.Add(float64(n))
}
