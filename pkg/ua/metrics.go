package ua

import (
	"strconv"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig параметры Prometheus метрик агента
type MetricsConfig struct {
	// Registerer куда регистрируются метрики; по умолчанию prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
	Namespace  string
	Subsystem  string
}

// Metrics собирает метрики агента. Заполняется подпиской на события
// и прямыми вызовами из сигнального слоя.
type Metrics struct {
	agentStatus      prometheus.Gauge
	agentEvents      *prometheus.CounterVec
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionDuration  prometheus.Histogram
	busyRejections   prometheus.Counter
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
}

// NewMetrics регистрирует метрики агента
func NewMetrics(cfg MetricsConfig) *Metrics {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "webphone"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "ua"
	}
	f := promauto.With(reg)

	return &Metrics{
		agentStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "status",
			Help:      "Текущий статус агента: 0 disconnected, 1 connecting, 2 connected, 3 registered",
		}),
		agentEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "agent_events_total",
			Help:      "События транспорта и регистрации",
		}, []string{"kind"}),
		sessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sessions_started_total",
			Help:      "Сессии, вышедшие из Initial",
		}, []string{"direction"}),
		sessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sessions_finished_total",
			Help:      "Сессии в терминальном состоянии",
		}, []string{"direction", "state", "cause"}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_duration_seconds",
			Help:      "Длительность принятых вызовов",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		busyRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "busy_rejections_total",
			Help:      "Входящие INVITE, отклоненные из-за занятого слота",
		}),
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sip_messages_sent_total",
			Help:      "Отправленные SIP сообщения",
		}, []string{"type"}),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sip_messages_received_total",
			Help:      "Полученные SIP сообщения",
		}, []string{"type"}),
	}
}

// observe обработчик событий dispatcher
func (m *Metrics) observe(e Event) {
	if m == nil {
		return
	}
	switch ev := e.(type) {
	case AgentEvent:
		m.agentEvents.WithLabelValues(string(ev.Kind)).Inc()
		m.agentStatus.Set(float64(ev.Status))
	case SessionEvent:
		dir := string(ev.Snapshot.Direction)
		if ev.From == StateInitial {
			m.sessionsStarted.WithLabelValues(dir).Inc()
		}
		if ev.To.IsTerminal() {
			m.sessionsFinished.WithLabelValues(dir, string(ev.To), string(ev.Snapshot.Cause)).Inc()
			if ev.To == StateEnded {
				m.sessionDuration.Observe(ev.Snapshot.Duration().Seconds())
			}
		}
	}
}

func (m *Metrics) busyRejected() {
	if m == nil {
		return
	}
	m.busyRejections.Inc()
}

func (m *Metrics) messageSent(msg sip.Message) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(messageType(msg)).Inc()
}

func (m *Metrics) messageReceived(msg sip.Message) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(messageType(msg)).Inc()
}

// messageType метод запроса или класс ответа, например "INVITE" или "4xx"
func messageType(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		return m.Method.String()
	case *sip.Response:
		return strconv.Itoa(int(m.StatusCode)/100) + "xx"
	}
	return "unknown"
}
