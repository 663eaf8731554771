package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标命名：
// - clarifai_op_total{comp,stage,result}
// - clarifai_error_total{comp,code}
// - clarifai_op_duration_ms{comp,stage}
// - clarifai_requests_total{outcome}
// - clarifai_pending_requests
// - clarifai_fallback_total{stage}
// - clarifai_rate_remaining{dimension}

// Registry 为进程级指标注册表；/metrics 由 Handler 导出。
var Registry = prometheus.NewRegistry()

var (
	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clarifai_op_total",
		Help: "Component operations by stage and result.",
	}, []string{"comp", "stage", "result"})
	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clarifai_error_total",
		Help: "Component errors by classification code.",
	}, []string{"comp", "code"})
	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clarifai_op_duration_ms",
		Help:    "Stage duration in milliseconds.",
		Buckets: []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	}, []string{"comp", "stage"})
	requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clarifai_requests_total",
		Help: "Explain requests by outcome (ok|canceled|superseded|timeout|error).",
	}, []string{"outcome"})
	pending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clarifai_pending_requests",
		Help: "Explain requests currently in flight.",
	})
	fallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clarifai_fallback_total",
		Help: "Downgrades to a simpler model call shape (session|prompt).",
	}, []string{"stage"})
	rateRemaining = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clarifai_rate_remaining",
		Help: "Model quota left in the current minute (requests|tokens); absent when unlimited.",
	}, []string{"dimension"})
)

func init() {
	Registry.MustRegister(
		opTotal, errorTotal, opDuration, requestTotal, pending, fallbackTotal, rateRemaining,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// IncRequest 记录一次解释请求的最终结果。
func IncRequest(outcome string) {
	requestTotal.WithLabelValues(outcome).Inc()
}

// SetPending 更新在途请求数。
func SetPending(n int) {
	pending.Set(float64(n))
}

// IncFallback 记录一次调用形状降级。
func IncFallback(stage string) {
	fallbackTotal.WithLabelValues(stage).Inc()
}

// SetQuota 更新剩余模型额度；负值表示该维度不限，不导出。
func SetQuota(requests, tokens int) {
	if requests >= 0 {
		rateRemaining.WithLabelValues("requests").Set(float64(requests))
	}
	if tokens >= 0 {
		rateRemaining.WithLabelValues("tokens").Set(float64(tokens))
	}
}

// Handler 返回 Prometheus 文本格式导出端点。
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
