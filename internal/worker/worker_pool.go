// ============================================================================
// Beaver-Timer Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期，執行已認領任務的 request_url 動作
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//   4. 以 in-flight 計數限制同時執行的任務數，Controller 只認領 Free() 個任務
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//    Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh（不阻塞）
//   4. Results() / ReceiveResult() - 讀取結果
//   5. Stop() - 關閉 taskCh，等待執行中的任務完成後關閉 resultCh
//
// 並發控制:
//   - Submit 與 Stop 共用 mu：Submit 在持鎖期間做非阻塞發送，
//     Stop 在持鎖期間關閉 taskCh，因此不會向已關閉的 channel 發送
//   - inflight: 已提交但尚未完成的任務數（atomic）
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交任務
//   - ErrPoolBusy: 所有 Worker 都在忙碌
//   - 任務超時由 Worker 內部的 Context 處理
//
// 優雅關閉:
//   Stop() 不取消執行中的任務。呼叫方必須持續讀取 Results() 直到關閉，
//   否則 Worker 會阻塞在結果發送上。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolBusy 表示沒有空閒的 Worker
	ErrPoolBusy = errors.New("worker pool is busy")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	exec     Executor       // 任務動作
	workers  []*Worker      // Worker 列表
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	wg       sync.WaitGroup // 等待所有 Worker 完成
	inflight atomic.Int64   // 已提交、尚未完成的任務數
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 started、stopped 與 taskCh 的發送/關閉
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 結果通道的緩衝大小
//   - exec: 每個任務要執行的動作
func NewPool(bufferSize int, exec Executor) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool{
		exec:     exec,
		workers:  make([]*Worker, 0),
		resultCh: make(chan Result, bufferSize),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	// 任務通道容量等於 Worker 數，配合 inflight 計數保證 Submit 不阻塞
	p.taskCh = make(chan Task, workerCount)
	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool，沒有空閒 Worker 時返回 ErrPoolBusy
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if p.inflight.Load() >= int64(len(p.workers)) {
		return ErrPoolBusy
	}

	select {
	case p.taskCh <- task:
		p.inflight.Add(1)
		return nil
	default:
		return ErrPoolBusy
	}
}

// release 由 Worker 在任務完成後呼叫
func (p *Pool) release() {
	p.inflight.Add(-1)
}

// Results 返回結果通道，Stop 完成後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// ReceiveResult 從結果通道接收執行結果
// 返回值：
//   - error: 結果通道已關閉時返回 ErrPoolClosed，ctx 結束時返回 ctx.Err()
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 taskCh
//  2. Worker 完成執行中的任務後退出
//  3. 等待所有 Worker 完成
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// Busy 返回已提交但尚未完成的任務數
func (p *Pool) Busy() int {
	return int(p.inflight.Load())
}

// Free 返回可立即接受的任務數
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return 0
	}
	free := len(p.workers) - int(p.inflight.Load())
	if free < 0 {
		return 0
	}
	return free
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
