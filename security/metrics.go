package security

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Handshake outcomes recorded by Metrics.
const (
	OutcomeAuthenticated = "authenticated"
	OutcomeKeyMaterial   = "key_material"
	OutcomeCertificate   = "certificate"
	OutcomeProtocol      = "protocol"
	OutcomeAuthFailed    = "authentication"
)

// Metrics counts handshakes and continuation rounds. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	handshakes    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	continuations *prometheus.CounterVec
}

// NewMetrics registers the authentication collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uda_auth_handshakes_total",
				Help: "Number of mutual authentication handshakes by role and outcome",
			},
			[]string{"role", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uda_auth_handshake_duration_seconds",
				Help:    "Time from first security block to authenticated",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"role"},
		),
		continuations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uda_auth_continuations_total",
				Help: "Number of continuation rounds by role and outcome",
			},
			[]string{"role", "outcome"},
		),
	}
	for _, c := range []prometheus.Collector{m.handshakes, m.duration, m.continuations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// outcome maps a handshake result to its metric label.
func outcome(err error) string {
	if err == nil {
		return OutcomeAuthenticated
	}
	switch ErrorKind(err) {
	case ErrKeyMaterial:
		return OutcomeKeyMaterial
	case ErrCertificate:
		return OutcomeCertificate
	case ErrAuthentication:
		return OutcomeAuthFailed
	}
	return OutcomeProtocol
}

func (m *Metrics) handshakeDone(role Role, started time.Time, err error) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(string(role), outcome(err)).Inc()
	if err == nil && !started.IsZero() {
		m.duration.WithLabelValues(string(role)).Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) continuationDone(role Role, err error) {
	if m == nil {
		return
	}
	m.continuations.WithLabelValues(string(role), outcome(err)).Inc()
}
