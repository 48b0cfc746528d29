package device

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drio/wghandshake/handshake"
)

// Handler returns a Prometheus HTTP handler bound to the registry
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Metrics exports handshake activity to Prometheus
type Metrics struct {
	initiations   *prometheus.CounterVec
	responses     *prometheus.CounterVec
	cookieReplies *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	pending       prometheus.Gauge
}

// NewMetrics registers device metrics on the registry
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		initiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wghandshake_initiations_total",
			Help: "Handshake initiations by direction and result.",
		}, []string{"direction", "result"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wghandshake_responses_total",
			Help: "Handshake responses by direction and result.",
		}, []string{"direction", "result"}),
		cookieReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wghandshake_cookie_replies_total",
			Help: "Cookie replies by direction and result.",
		}, []string{"direction", "result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wghandshake_sessions_established_total",
			Help: "Sessions established by role.",
		}, []string{"role"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wghandshake_dropped_total",
			Help: "Packets or events dropped before processing.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wghandshake_queue_depth",
			Help: "Handshake messages waiting for the main loop.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wghandshake_pending_handshakes",
			Help: "Initiations sent and awaiting an answer.",
		}),
	}
	reg.MustRegister(
		m.initiations,
		m.responses,
		m.cookieReplies,
		m.sessions,
		m.dropped,
		m.queueDepth,
		m.pending,
	)
	return m
}

const (
	dirSent     = "sent"
	dirReceived = "received"

	resultOK    = "ok"
	resultError = "error"
)

var errorKinds = []struct {
	err   error
	label string
}{
	{handshake.ErrMalformedMessage, "malformed"},
	{handshake.ErrAuthenticationFailed, "auth_failed"},
	{handshake.ErrReplayRejected, "replay"},
	{handshake.ErrDecryptionFailed, "decrypt_failed"},
	{handshake.ErrRandomnessUnavailable, "no_randomness"},
	{handshake.ErrInvalidState, "invalid_state"},
	{handshake.ErrLoadShedRequired, "load_shed"},
}

// resultLabel folds an error into a bounded label value
func resultLabel(err error) string {
	if err == nil {
		return resultOK
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return resultError
}

// A nil *Metrics is valid and records nothing.

func (m *Metrics) Initiation(direction string, err error) {
	if m == nil {
		return
	}
	m.initiations.WithLabelValues(direction, resultLabel(err)).Inc()
}

func (m *Metrics) Response(direction string, err error) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(direction, resultLabel(err)).Inc()
}

func (m *Metrics) CookieReply(direction string, err error) {
	if m == nil {
		return
	}
	m.cookieReplies.WithLabelValues(direction, resultLabel(err)).Inc()
}

func (m *Metrics) Session(role string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(role).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Pending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
