// ============================================================================
// spinal Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露節點、broker 與任務佇列的運行指標
//
// 指標分類:
//
//   1. 呼叫（節點）:
//      - spinal_calls_total{method,result}: 對外呼叫次數，result = ok / error / timeout
//      - spinal_call_duration_seconds{method}: 對外呼叫延遲分佈
//      - spinal_inbound_calls_total{method,result}: 收到的呼叫次數
//      - spinal_cache_lookups_total{result}: 回應快取查詢，result = hit / miss
//
//   2. 路由（broker）:
//      - spinal_heartbeats_total: 收到的心跳數
//      - spinal_evictions_total: 因心跳逾時被移除的節點數
//      - spinal_nodes / spinal_routes: 目前的節點數與路由數
//
//   3. 任務佇列:
//      - queue_jobs_enqueued_total / dispatched / completed / failed / dead
//      - queue_job_latency_seconds: 從建立到完成的延遲
//      - queue_recovery_time_seconds: 最近一次從 store 恢復的時間
//      - queue_jobs_pending / queue_jobs_in_flight
//
// 同一程序內可以有多個節點共用同一個 Registerer，
// 重複註冊時沿用已註冊的指標。
//
// Prometheus 查詢示例:
//
//   # 每個方法的錯誤率
//   sum by (method) (rate(spinal_calls_total{result!="ok"}[5m]))
//     / sum by (method) (rate(spinal_calls_total[5m]))
//
//   # 快取命中率
//   rate(spinal_cache_lookups_total{result="hit"}[5m]) / rate(spinal_cache_lookups_total[5m])
//
// ============================================================================

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 呼叫結果標籤
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 呼叫相關指標
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	inbound      *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec

	// 路由相關指標
	heartbeats prometheus.Counter
	evictions  prometheus.Counter
	nodes      prometheus.Gauge
	routes     prometheus.Gauge

	// 任務相關指標
	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsDead       prometheus.Counter
	jobLatency     prometheus.Histogram
	recoveryTime   prometheus.Gauge
	jobsPending    prometheus.Gauge
	jobsInFlight   prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建指標收集器並註冊到 reg
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		calls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinal_calls_total",
			Help: "Total number of outbound calls by method and result",
		}, []string{"method", "result"})),
		callDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spinal_call_duration_seconds",
			Help:    "Outbound call latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"})),
		inbound: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinal_inbound_calls_total",
			Help: "Total number of inbound calls by method and result",
		}, []string{"method", "result"})),
		cacheLookups: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinal_cache_lookups_total",
			Help: "Response cache lookups by result",
		}, []string{"result"})),
		heartbeats: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spinal_heartbeats_total",
			Help: "Total number of heartbeats received by the broker",
		})),
		evictions: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spinal_evictions_total",
			Help: "Total number of nodes evicted for missing heartbeats",
		})),
		nodes: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spinal_nodes",
			Help: "Current number of registered nodes",
		})),
		routes: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spinal_routes",
			Help: "Current number of routable method keys",
		})),
		jobsEnqueued: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		})),
		jobsDispatched: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to workers",
		})),
		jobsCompleted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		})),
		jobsFailed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of failed job attempts",
		})),
		jobsDead: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_dead_total",
			Help: "Total number of jobs failed after exhausting attempts",
		})),
		jobLatency: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_job_latency_seconds",
			Help:    "Job latency from creation to completion in seconds",
			Buckets: prometheus.DefBuckets,
		})),
		recoveryTime: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_recovery_time_seconds",
			Help: "Time taken to restore the queue from the store in seconds",
		})),
		jobsPending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_jobs_pending",
			Help: "Current number of pending jobs",
		})),
		jobsInFlight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_jobs_in_flight",
			Help: "Current number of in-flight jobs",
		})),
	}
	return c
}

// register 註冊指標；已註冊過時沿用既有的指標
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ============================================================================
// 呼叫
// ============================================================================

// RecordCall 記錄一次對外呼叫
func (c *Collector) RecordCall(method, result string, d time.Duration) {
	c.calls.WithLabelValues(method, result).Inc()
	c.callDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordInbound 記錄一次收到的呼叫
func (c *Collector) RecordInbound(method, result string) {
	c.inbound.WithLabelValues(method, result).Inc()
}

// RecordCacheLookup 記錄快取查詢結果
func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// ============================================================================
// 路由
// ============================================================================

// RecordHeartbeat 記錄收到心跳
func (c *Collector) RecordHeartbeat() {
	c.heartbeats.Inc()
}

// RecordEviction 記錄移除失聯節點
func (c *Collector) RecordEviction() {
	c.evictions.Inc()
}

// UpdateRouting 更新節點數與路由數
func (c *Collector) UpdateRouting(nodes, routes int) {
	c.nodes.Set(float64(nodes))
	c.routes.Set(float64(routes))
}

// ============================================================================
// 任務佇列
// ============================================================================

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue() {
	c.jobsEnqueued.Inc()
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch() {
	c.jobsDispatched.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordFailed 記錄一次失敗的嘗試
func (c *Collector) RecordFailed() {
	c.jobsFailed.Inc()
}

// RecordDead 記錄任務嘗試次數用盡
func (c *Collector) RecordDead() {
	c.jobsDead.Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

// ============================================================================
// HTTP
// ============================================================================

// NewAdminMux 建立管理用 HTTP handler：/metrics 與 /health
func NewAdminMux(gatherer prometheus.Gatherer, health http.Handler) *http.ServeMux {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if health != nil {
		mux.Handle("/health", health)
	}
	return mux
}
