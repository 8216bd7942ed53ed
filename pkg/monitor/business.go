package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CosignMetrics 定义联签业务监控指标
type CosignMetrics struct {
	RunsTotal          *prometheus.CounterVec
	PhaseDuration      *prometheus.HistogramVec
	VaultRequestsTotal *prometheus.CounterVec
	PollAttemptsTotal  *prometheus.CounterVec
}

// Global Metrics Instance
var Business *CosignMetrics

// InitBusinessMetrics 初始化业务指标
func InitBusinessMetrics() {
	Business = NewCosignMetrics(prometheus.DefaultRegisterer)
}

// NewCosignMetrics 在指定 registerer 上注册指标，测试时可传入独立的 Registry
func NewCosignMetrics(reg prometheus.Registerer) *CosignMetrics {
	f := promauto.With(reg)
	return &CosignMetrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cosigner_runs_total",
			Help: "Co-sign runs by final outcome",
		}, []string{"outcome"}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cosigner_phase_duration_seconds",
			Help:    "Duration of each signing phase, submit to usable signature",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"phase"}),
		VaultRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cosigner_vault_requests_total",
			Help: "Requests sent to the vault API",
		}, []string{"method", "status"}),
		PollAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cosigner_poll_attempts_total",
			Help: "Fetch attempts while waiting for a vault signature",
		}, []string{"phase"}),
	}
}

// 以下方法允许 nil receiver，未启用监控时直接忽略

func (m *CosignMetrics) ObserveVaultRequest(method, status string) {
	if m == nil {
		return
	}
	m.VaultRequestsTotal.WithLabelValues(method, status).Inc()
}

func (m *CosignMetrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *CosignMetrics) IncPollAttempt(phase string) {
	if m == nil {
		return
	}
	m.PollAttemptsTotal.WithLabelValues(phase).Inc()
}

func (m *CosignMetrics) IncRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}
