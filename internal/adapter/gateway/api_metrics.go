package gateway

import (
	"context"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"synapsis/internal/domain"
)

// Metrics counts session notifications for the /metrics endpoint.
type Metrics struct {
	SessionsOpened  atomic.Int64
	TurnsCompleted  atomic.Int64
	CommandsSent    atomic.Int64
	CommandsFailed  atomic.Int64
	InboundUnknown  atomic.Int64
	InboundDropped  atomic.Int64
	RemoteErrors    atomic.Int64
	JoinFailures    atomic.Int64
	unsubscribeFunc []func()
}

// NewMetrics subscribes counters to bus. A nil bus yields zero counters.
func NewMetrics(bus domain.EventBus) *Metrics {
	m := &Metrics{}
	if bus == nil {
		return m
	}
	count := func(t domain.EventType, c *atomic.Int64) {
		m.unsubscribeFunc = append(m.unsubscribeFunc, bus.Subscribe(t, func(context.Context, domain.Event) {
			c.Add(1)
		}))
	}
	count(domain.EventSessionOpened, &m.SessionsOpened)
	count(domain.EventTurnCompleted, &m.TurnsCompleted)
	count(domain.EventCommandSent, &m.CommandsSent)
	count(domain.EventCommandFailed, &m.CommandsFailed)
	count(domain.EventInboundUnknown, &m.InboundUnknown)
	count(domain.EventInboundDropped, &m.InboundDropped)
	count(domain.EventRemoteError, &m.RemoteErrors)
	count(domain.EventChannelJoinError, &m.JoinFailures)
	return m
}

// Close detaches the counters from the bus.
func (m *Metrics) Close() {
	for _, unsub := range m.unsubscribeFunc {
		unsub()
	}
	m.unsubscribeFunc = nil
}

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
func metricsHandler(deps HandlerDeps, startTime time.Time, m *Metrics) http.HandlerFunc {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		sessionGauge("synapsis_sessions_active", "Number of open sessions.", func() int {
			return len(deps.Sessions.List())
		}),
		sessionGauge("synapsis_sessions_streaming", "Sessions with a streaming turn.", func() int {
			return countTurns(deps, domain.TurnStreaming)
		}),
		sessionGauge("synapsis_sessions_tool_wait", "Sessions waiting on a tool call.", func() int {
			return countTurns(deps, domain.TurnToolWait)
		}),
		counter("synapsis_sessions_opened_total", "Sessions opened.", &m.SessionsOpened),
		counter("synapsis_turns_completed_total", "Assistant turns completed.", &m.TurnsCompleted),
		counter("synapsis_commands_sent_total", "Outbound commands pushed.", &m.CommandsSent),
		counter("synapsis_commands_failed_total", "Outbound commands the transport refused.", &m.CommandsFailed),
		counter("synapsis_inbound_unknown_total", "Inbound events of unknown kind.", &m.InboundUnknown),
		counter("synapsis_inbound_dropped_total", "Inbound events dropped as malformed.", &m.InboundDropped),
		counter("synapsis_remote_errors_total", "Errors reported by the remote agent.", &m.RemoteErrors),
		counter("synapsis_join_failures_total", "Channel joins that failed.", &m.JoinFailures),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "synapsis_uptime_seconds",
			Help: "Seconds since start.",
		}, func() float64 { return math.Round(time.Since(startTime).Seconds()) }),
	)
	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	}
}

func counter(name, help string, v *atomic.Int64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
		return float64(v.Load())
	})
}

func sessionGauge(name, help string, fn func() int) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
		return float64(fn())
	})
}

func countTurns(deps HandlerDeps, status domain.TurnStatus) int {
	n := 0
	for _, s := range summarize(deps) {
		if s.TurnStatus == status {
			n++
		}
	}
	return n
}
