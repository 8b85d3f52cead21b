// ============================================================================
// Beaver-Timer 控制器 - Worker Executor
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 從共享的 Job Store 認領到期任務，交給 Worker Pool 執行 request_url，
//       並把結果寫回儲存層
//
// 架構設計:
//   Controller 協調以下組件：
//   - store.Store: 共享任務狀態（redis / sql / memory），唯一的跨程序共享點
//   - worker.Pool: 工作線程池，實際執行動作
//   - metrics.Collector: 執行路徑指標
//
// 核心循環 (3 個並發 Goroutine):
//   1. Dispatch Loop - 每 PollInterval 認領 min(BatchSize, 空閒 worker) 個到期任務
//   2. Result Loop - 接收 worker 執行結果，更新任務狀態
//   3. Lease Loop - 每 ReapInterval 掃描租約逾期的任務，重新排隊或標記失敗
//
// 結果記錄:
//   成功 → UpdateStatus(succeeded, output)
//   失敗 → Attempts < MaxAttempts 時 Requeue（任務層級重試），否則 UpdateStatus(failed, reason)
//   MaxAttempts 預設為 1，即不做任務層級重試
//
// 多程序安全:
//   任意數量的 worker 程序可共用同一個 Store。ClaimDue 在每個後端都是原子的，
//   因此同一個任務同一時間只會被一個 worker 執行（租約逾期回收除外）。
//
// 優雅關閉:
//   Stop() 先停止認領，再等待執行中的任務完成並記錄結果，最後退出。
//   執行中的任務不會被取消。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-timer/internal/clock"
	"github.com/ChuLiYu/beaver-timer/internal/metrics"
	"github.com/ChuLiYu/beaver-timer/internal/store"
	"github.com/ChuLiYu/beaver-timer/internal/worker"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

var log = slog.Default()

// 任務失敗時寫入的原因
const (
	ReasonLeaseExpired = "lease expired"
)

// 儲存層寫入的逾時時間（結果記錄與租約回收）
const storeWriteTimeout = 5 * time.Second

var (
	// ErrAlreadyStarted 表示 Controller 已啟動
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrInvalidConfig 表示配置不合法
	ErrInvalidConfig = errors.New("controller: invalid config")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerID      string        // 寫入任務的 worker_id
	WorkerCount   int           // Worker 數量
	PollInterval  time.Duration // 認領到期任務的間隔
	BatchSize     int           // 每次最多認領的任務數
	LeaseDuration time.Duration // 認領租約長度，需大於 TaskTimeout
	TaskTimeout   time.Duration // 單一動作的執行超時，0 表示不限制
	MaxAttempts   int           // 任務層級最大嘗試次數
	ReapInterval  time.Duration // 租約回收掃描間隔
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		WorkerID:      "worker-1",
		WorkerCount:   4,
		PollInterval:  200 * time.Millisecond,
		BatchSize:     16,
		LeaseDuration: 5 * time.Minute,
		TaskTimeout:   4 * time.Minute,
		MaxAttempts:   1,
		ReapInterval:  10 * time.Second,
	}
}

// Validate 檢查配置
func (c Config) Validate() error {
	switch {
	case c.WorkerID == "":
		return fmt.Errorf("%w: worker id is empty", ErrInvalidConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker count must be positive", ErrInvalidConfig)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	case c.LeaseDuration <= 0:
		return fmt.Errorf("%w: lease duration must be positive", ErrInvalidConfig)
	case c.TaskTimeout < 0:
		return fmt.Errorf("%w: task timeout must not be negative", ErrInvalidConfig)
	case c.TaskTimeout > 0 && c.LeaseDuration <= c.TaskTimeout:
		return fmt.Errorf("%w: lease duration %s must exceed task timeout %s",
			ErrInvalidConfig, c.LeaseDuration, c.TaskTimeout)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("%w: max attempts must be positive", ErrInvalidConfig)
	case c.ReapInterval <= 0:
		return fmt.Errorf("%w: reap interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Options 可選依賴
type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// counters 執行統計
type counters struct {
	claimed      atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	requeued     atomic.Int64
	leaseExpired atomic.Int64
}

// Controller Worker Executor
type Controller struct {
	mu      sync.Mutex   // 保護 started/stopped
	store   store.Store  // 共享任務儲存
	pool    *worker.Pool // Worker Pool
	config  Config       // 配置
	clock   clock.Clock  // 時間來源
	metrics *metrics.Collector
	log     *slog.Logger

	baseCtx   context.Context // 結果寫入使用，不隨 Stop 取消
	stopCh    chan struct{}   // 停止訊號
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup // dispatch + lease 循環
	resultWg  sync.WaitGroup // result 循環
	stats     counters
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(config Config, st store.Store, exec worker.Executor, opts Options) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidConfig)
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: executor is nil", ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log
	}

	return &Controller{
		store:   st,
		pool:    worker.NewPool(config.WorkerCount, exec),
		config:  config,
		clock:   clock.OrReal(opts.Clock),
		metrics: opts.Metrics,
		log:     logger.With("component", "controller", "worker_id", config.WorkerID),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start 啟動 Worker Pool 與三個核心循環
//
// ctx 結束時循環也會停止，但仍需呼叫 Stop 以等待執行中的任務。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.baseCtx = context.WithoutCancel(ctx)
	c.startTime = time.Now()
	c.started = true

	c.log.Info("Worker started",
		"workers", c.config.WorkerCount,
		"max_attempts", c.config.MaxAttempts)

	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.stopCh:
		case <-loopCtx.Done():
		}
		cancel()
	}()

	c.loopWg.Add(2)
	go c.dispatchLoop(loopCtx)
	go c.leaseLoop(loopCtx)

	c.resultWg.Add(1)
	go c.resultLoop()
	return nil
}

// Run 啟動 Controller 並阻塞到 ctx 結束，然後優雅關閉
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

// ============================================================================
// 三個核心循環
// ============================================================================

// dispatchLoop 認領到期任務並提交給 Worker Pool
func (c *Controller) dispatchLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Debug("Dispatch loop stopped")
			return
		case <-ticker.C:
			// 一次 tick 內持續認領，直到沒有到期任務或沒有空閒 worker
			for ctx.Err() == nil && c.dispatchOnce(ctx) > 0 {
			}
		}
	}
}

// dispatchOnce 認領並提交一批任務，返回提交數
func (c *Controller) dispatchOnce(ctx context.Context) int {
	free := c.pool.Free()
	if free == 0 {
		return 0
	}
	limit := min(c.config.BatchSize, free)

	now := c.clock.Now()
	jobs, err := c.store.ClaimDue(ctx, now, limit, c.config.LeaseDuration, c.config.WorkerID)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("Failed to claim due jobs", "error", err)
		}
		return 0
	}

	submitted := 0
	for _, job := range jobs {
		c.stats.claimed.Add(1)
		c.metrics.RecordClaimed(now.Sub(job.ScheduledTime()).Seconds())

		task := worker.Task{
			ID:          job.ID,
			URL:         job.URL,
			Attempts:    job.Attempts,
			ScheduledAt: job.ScheduledAt,
			Timeout:     c.config.TaskTimeout,
		}
		if err := c.pool.Submit(task); err != nil {
			// 無法執行的任務交還給儲存層，避免等到租約逾期
			c.log.Warn("Failed to submit task, releasing claim", "job_id", job.ID, "error", err)
			c.release(job)
			continue
		}
		submitted++
		c.log.Debug("Job dispatched", "job_id", job.ID, "attempt", job.Attempts)
	}
	c.metrics.SetWorkersBusy(c.pool.Busy())
	return submitted
}

// release 把已認領但無法提交的任務放回 pending
func (c *Controller) release(job *types.Job) {
	ctx, cancel := context.WithTimeout(c.baseCtx, storeWriteTimeout)
	defer cancel()
	if err := c.store.Requeue(ctx, job.ID, store.ClaimOf(job)); err != nil {
		c.log.Error("Failed to release job", "job_id", job.ID, "error", err)
	}
}

// resultLoop 處理 Worker 執行結果
// 注意：此循環會一直運行到 Pool 關閉為止
func (c *Controller) resultLoop() {
	defer c.resultWg.Done()
	for result := range c.pool.Results() {
		c.handleResult(result)
		c.metrics.SetWorkersBusy(c.pool.Busy())
	}
	c.log.Debug("Result loop stopped")
}

// handleResult 記錄單個任務結果
func (c *Controller) handleResult(result worker.Result) {
	ctx, cancel := context.WithTimeout(c.baseCtx, storeWriteTimeout)
	defer cancel()

	claim := store.Claim{WorkerID: c.config.WorkerID, Attempt: result.Attempts}
	if result.Success {
		if err := c.store.UpdateStatus(ctx, result.JobID, claim, types.StatusSucceeded, result.Output); err != nil {
			c.logRecordError(result.JobID, types.StatusSucceeded, err)
			return
		}
		c.stats.succeeded.Add(1)
		c.metrics.RecordSucceeded(result.Duration.Seconds())
		c.log.Info("Job succeeded",
			"job_id", result.JobID,
			"attempt", result.Attempts,
			"duration", result.Duration)
		return
	}

	reason := "action failed"
	if result.Error != nil {
		reason = result.Error.Error()
	}
	c.fail(ctx, result.JobID, claim, reason, result.Duration)
}

// fail 依剩餘嘗試次數重新排隊或標記失敗，只作用於 claim 仍持有的任務
func (c *Controller) fail(ctx context.Context, id types.JobID, claim store.Claim, reason string, took time.Duration) {
	attempts := claim.Attempt
	if attempts < c.config.MaxAttempts {
		if err := c.store.Requeue(ctx, id, claim); err != nil {
			c.logRecordError(id, types.StatusPending, err)
			return
		}
		c.stats.requeued.Add(1)
		c.metrics.RecordRequeued()
		c.log.Warn("Job requeued",
			"job_id", id,
			"attempt", attempts,
			"max_attempts", c.config.MaxAttempts,
			"reason", reason)
		return
	}

	if err := c.store.UpdateStatus(ctx, id, claim, types.StatusFailed, reason); err != nil {
		c.logRecordError(id, types.StatusFailed, err)
		return
	}
	c.stats.failed.Add(1)
	c.metrics.RecordFailed(took.Seconds())
	c.log.Error("Job failed",
		"job_id", id,
		"attempt", attempts,
		"reason", reason)
}

func (c *Controller) logRecordError(id types.JobID, status types.JobStatus, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound), errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrClaimLost):
		// 租約已被回收、任務已被重新認領或已被移除
		c.log.Warn("Outcome discarded", "job_id", id, "status", status, "error", err)
	default:
		c.log.Error("Failed to record outcome", "job_id", id, "status", status, "error", err)
	}
}

// leaseLoop 回收租約逾期的任務
func (c *Controller) leaseLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Debug("Lease loop stopped")
			return
		case <-ticker.C:
			c.reapOnce(ctx)
		}
	}
}

// reapOnce 處理一批租約逾期任務，返回處理數
func (c *Controller) reapOnce(ctx context.Context) int {
	now := c.clock.Now()
	ids, err := c.store.ExpiredLeases(ctx, now, c.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("Failed to list expired leases", "error", err)
		}
		return 0
	}

	handled := 0
	for _, id := range ids {
		job, err := c.store.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrJobNotFound) {
				c.log.Error("Failed to load expired job", "job_id", id, "error", err)
			}
			continue
		}
		// 列出之後可能已被完成或重新認領；只回收讀到的這次過期認領
		if job.Status != types.StatusInProgress || job.LeaseUntil == nil || *job.LeaseUntil >= now.UnixMilli() {
			continue
		}
		c.stats.leaseExpired.Add(1)
		c.metrics.RecordLeaseExpired()
		c.log.Warn("Lease expired", "job_id", id, "holder", job.WorkerID, "attempt", job.Attempts)
		c.fail(ctx, id, store.ClaimOf(job), ReasonLeaseExpired, 0)
		handled++
	}
	return handled
}

// ============================================================================
// 公開方法
// ============================================================================

// GetStatus 取得執行器狀態
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	startTime := c.startTime
	c.mu.Unlock()

	uptime := time.Duration(0)
	if !startTime.IsZero() {
		uptime = time.Since(startTime)
	}
	return map[string]interface{}{
		"worker_id":     c.config.WorkerID,
		"uptime":        uptime.String(),
		"workers":       c.config.WorkerCount,
		"busy":          c.pool.Busy(),
		"claimed":       c.stats.claimed.Load(),
		"succeeded":     c.stats.succeeded.Load(),
		"failed":        c.stats.failed.Load(),
		"requeued":      c.stats.requeued.Load(),
		"lease_expired": c.stats.leaseExpired.Load(),
	}
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) → dispatch 與 lease 循環退出，不再認領
//  2. loopWg.Wait() → 確保沒有 Submit 正在進行
//  3. pool.Stop()   → 等待執行中的任務完成，關閉結果通道
//  4. resultWg.Wait() → 所有結果都已寫回儲存層
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("Stopping worker...", "busy", c.pool.Busy())

	close(c.stopCh)
	c.loopWg.Wait()
	c.pool.Stop()
	c.resultWg.Wait()
	c.metrics.SetWorkersBusy(0)

	c.log.Info("Worker end",
		"uptime", time.Since(c.startTime),
		"succeeded", c.stats.succeeded.Load(),
		"failed", c.stats.failed.Load())
}
