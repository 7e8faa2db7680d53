// Package metrics exposes the runtime's prometheus collectors. A nil *Set is
// valid and records nothing, so components never need to guard their calls.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Set struct {
	ConnState        prometheus.Gauge
	Reconnects       prometheus.Counter
	EnvelopesIn      prometheus.Counter
	EnvelopesDeduped prometheus.Counter
	DecryptFailures  *prometheus.CounterVec
	SessionResets    prometheus.Counter
	SendOutcomes     *prometheus.CounterVec
	PrekeyPool       prometheus.Gauge
}

func New(reg prometheus.Registerer) *Set {
	s := &Set{
		ConnState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "murmur", Subsystem: "conn", Name: "state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 draining.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur", Subsystem: "conn", Name: "reconnects_total",
			Help: "Reconnect attempts since start.",
		}),
		EnvelopesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur", Subsystem: "receive", Name: "envelopes_total",
			Help: "Envelopes handed to the inbound pipeline.",
		}),
		EnvelopesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur", Subsystem: "receive", Name: "envelopes_deduped_total",
			Help: "Envelopes discarded by the dedup window.",
		}),
		DecryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur", Subsystem: "receive", Name: "decrypt_failures_total",
			Help: "Decrypt failures by classification.",
		}, []string{"class"}),
		SessionResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur", Subsystem: "receive", Name: "session_resets_total",
			Help: "Stale-session resets performed by the recovery policy.",
		}),
		SendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur", Subsystem: "send", Name: "outcomes_total",
			Help: "Terminal per-recipient delivery outcomes.",
		}, []string{"state"}),
		PrekeyPool: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "murmur", Subsystem: "account", Name: "prekey_pool",
			Help: "One-time prekeys remaining in the local pool.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.ConnState, s.Reconnects, s.EnvelopesIn, s.EnvelopesDeduped,
			s.DecryptFailures, s.SessionResets, s.SendOutcomes, s.PrekeyPool)
	}
	return s
}

func (s *Set) SetConnState(v float64) {
	if s == nil {
		return
	}
	s.ConnState.Set(v)
}

func (s *Set) IncReconnects() {
	if s == nil {
		return
	}
	s.Reconnects.Inc()
}

func (s *Set) IncEnvelopes() {
	if s == nil {
		return
	}
	s.EnvelopesIn.Inc()
}

func (s *Set) IncDeduped() {
	if s == nil {
		return
	}
	s.EnvelopesDeduped.Inc()
}

func (s *Set) IncDecryptFailure(class string) {
	if s == nil {
		return
	}
	s.DecryptFailures.WithLabelValues(class).Inc()
}

func (s *Set) IncSessionResets() {
	if s == nil {
		return
	}
	s.SessionResets.Inc()
}

func (s *Set) IncSendOutcome(state string) {
	if s == nil {
		return
	}
	s.SendOutcomes.WithLabelValues(state).Inc()
}

func (s *Set) SetPrekeyPool(n int) {
	if s == nil {
		return
	}
	s.PrekeyPool.Set(float64(n))
}
