// ============================================================================
// Beaver-Timer Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露延遲任務系統的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 提交/查詢路徑 (Counter)：
//      - timer_jobs_scheduled_total: 成功排程的任務數
//      - timer_schedule_failures_total: 因儲存失敗而無法排程的次數
//      - timer_status_queries_total{outcome}: 狀態查詢次數
//        outcome = found | unknown | corrupt | error
//
//   2. 執行路徑 (Counter)：
//      - timer_jobs_claimed_total: 被 worker 認領的任務數
//      - timer_jobs_succeeded_total / timer_jobs_failed_total: 終態任務數
//      - timer_jobs_requeued_total: 任務層級重試次數
//      - timer_leases_expired_total: 租約逾期被回收的任務數
//
//   3. 分佈 (Histogram)：
//      - timer_job_duration_seconds: 動作執行時間（含 HTTP 重試）
//      - timer_dispatch_lag_seconds: 認領時間與 scheduled_at 的差距
//
//   4. 狀態 (Gauge)：
//      - timer_workers_busy: 目前忙碌的 worker 數
//
// Prometheus 查詢示例:
//
//   # 95 分位派發延遲（排程精準度）
//   histogram_quantile(0.95, rate(timer_dispatch_lag_seconds_bucket[5m]))
//
//   # 失敗率
//   rate(timer_jobs_failed_total[5m]) / rate(timer_jobs_claimed_total[5m])
//
// 所有方法對 nil *Collector 安全，未啟用監控時元件可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 狀態查詢結果標籤
const (
	OutcomeFound   = "found"
	OutcomeUnknown = "unknown"
	OutcomeCorrupt = "corrupt"
	OutcomeError   = "error"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 提交/查詢路徑
	jobsScheduled    prometheus.Counter
	scheduleFailures prometheus.Counter
	statusQueries    *prometheus.CounterVec

	// 執行路徑
	jobsClaimed   prometheus.Counter
	jobsSucceeded prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsRequeued  prometheus.Counter
	leasesExpired prometheus.Counter

	// 分佈
	jobDuration prometheus.Histogram
	dispatchLag prometheus.Histogram
	workersBusy prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用 prometheus.DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timer_jobs_scheduled_total",
			Help: "Total number of timer jobs accepted and stored",
		}),
		scheduleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timer_schedule_failures_total",
			Help: "Total number of submissions that could not be stored",
		}),
		statusQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timer_status_queries_total",
			Help: "Total number of status queries by outcome",
		}, []string{"outcome"}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timer_jobs_claimed_total",
			Help: "Total number of due jobs claimed by workers",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timer_jobs_succeeded_total",
			Help: "Total number of jobs whose action succeeded",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timer_jobs_failed_total",
			Help: "Total number of jobs that ended failed",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timer_jobs_requeued_total",
			Help: "Total number of job-level retries",
		}),
		leasesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timer_leases_expired_total",
			Help: "Total number of in-progress jobs reclaimed after their lease expired",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timer_job_duration_seconds",
			Help:    "Action execution time in seconds, including HTTP retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		dispatchLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timer_dispatch_lag_seconds",
			Help:    "Delay between a job's scheduled time and its claim",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timer_workers_busy",
			Help: "Current number of workers executing an action",
		}),
	}

	reg.MustRegister(
		c.jobsScheduled,
		c.scheduleFailures,
		c.statusQueries,
		c.jobsClaimed,
		c.jobsSucceeded,
		c.jobsFailed,
		c.jobsRequeued,
		c.leasesExpired,
		c.jobDuration,
		c.dispatchLag,
		c.workersBusy,
	)
	return c
}

// RecordScheduled 記錄任務成功排程
func (c *Collector) RecordScheduled() {
	if c == nil {
		return
	}
	c.jobsScheduled.Inc()
}

// RecordScheduleFailure 記錄排程寫入失敗
func (c *Collector) RecordScheduleFailure() {
	if c == nil {
		return
	}
	c.scheduleFailures.Inc()
}

// RecordStatusQuery 記錄狀態查詢結果
func (c *Collector) RecordStatusQuery(outcome string) {
	if c == nil {
		return
	}
	c.statusQueries.WithLabelValues(outcome).Inc()
}

// RecordClaimed 記錄任務被認領，lagSeconds 為認領時間與 scheduled_at 的差距
func (c *Collector) RecordClaimed(lagSeconds float64) {
	if c == nil {
		return
	}
	c.jobsClaimed.Inc()
	if lagSeconds < 0 {
		lagSeconds = 0
	}
	c.dispatchLag.Observe(lagSeconds)
}

// RecordSucceeded 記錄任務成功
func (c *Collector) RecordSucceeded(durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsSucceeded.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordRequeued 記錄任務層級重試
func (c *Collector) RecordRequeued() {
	if c == nil {
		return
	}
	c.jobsRequeued.Inc()
}

// RecordLeaseExpired 記錄租約逾期
func (c *Collector) RecordLeaseExpired() {
	if c == nil {
		return
	}
	c.leasesExpired.Inc()
}

// SetWorkersBusy 設置忙碌 worker 數
func (c *Collector) SetWorkersBusy(n int) {
	if c == nil {
		return
	}
	c.workersBusy.Set(float64(n))
}

// Handler 回傳 /metrics 的 HTTP handler（g 為 nil 時使用 prometheus.DefaultGatherer）
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
