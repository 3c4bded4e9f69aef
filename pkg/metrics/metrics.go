package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicechat"

// Metrics 语音管线指标
type Metrics struct {
	registry *prometheus.Registry

	framesSent      *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
	parseErrors     *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	events          *prometheus.CounterVec
	turns           *prometheus.CounterVec
	firstDelta      *prometheus.HistogramVec
	connectDuration *prometheus.HistogramVec
	connected       *prometheus.GaugeVec
}

var (
	instance *Metrics
	once     sync.Once
)

// NewMetrics 返回全局实例，内部 sync.Once，可以多次调用
func NewMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics(prometheus.NewRegistry())
	})
	return instance
}

// New 使用独立 registry 的实例，reg 为 nil 时新建
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return newMetrics(reg)
}

// Default 同 NewMetrics
func Default() *Metrics {
	return NewMetrics()
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Messages queued on a transport session.",
		}, []string{"session"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Incoming messages dropped by a full subscriber buffer.",
		}, []string{"session"}),
		parseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Malformed incoming messages dropped.",
		}, []string{"service"}),
		upstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Explicit error frames or non-2xx responses from a backend.",
		}, []string{"service"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_events_total",
			Help:      "Normalized provider events emitted.",
		}, []string{"provider", "event"}),
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Assistant turns by outcome.",
		}, []string{"provider", "outcome"}),
		firstDelta: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_seconds",
			Help:      "Time from user text to first completion delta.",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10},
		}, []string{"provider"}),
		connectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time spent in provider Connect.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "result"}),
		connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_connected",
			Help:      "1 while the provider is connected.",
		}, []string{"provider"}),
	}
}

func (m *Metrics) RecordFrameSent(session string) {
	m.framesSent.WithLabelValues(session).Inc()
}

func (m *Metrics) RecordMessageDropped(session string) {
	m.messagesDropped.WithLabelValues(session).Inc()
}

func (m *Metrics) RecordParseError(service string) {
	m.parseErrors.WithLabelValues(service).Inc()
}

func (m *Metrics) RecordUpstreamError(service string) {
	m.upstreamErrors.WithLabelValues(service).Inc()
}

func (m *Metrics) RecordEvent(provider, event string) {
	m.events.WithLabelValues(provider, event).Inc()
}

// RecordTurn outcome: started / completed / interrupted / failed
func (m *Metrics) RecordTurn(provider, outcome string) {
	m.turns.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveFirstDelta(provider string, d time.Duration) {
	m.firstDelta.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) ObserveConnect(provider string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.connectDuration.WithLabelValues(provider, result).Observe(d.Seconds())
}

func (m *Metrics) SetConnected(provider string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.connected.WithLabelValues(provider).Set(v)
}

// Registry 供测试读取
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
