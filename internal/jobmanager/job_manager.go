// ============================================================================
// Beaver-Timer 任務管理器 - 記憶體版 Job Store
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 以行程內資料結構實作 store.Store，管理延遲任務的完整生命週期
//
// 設計理念:
//   採用混合式設計，兼顧性能和一致性：
//   1. jobs map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. 狀態索引 - due heap（依 scheduled_at 排序）、inFlight map、finished 佇列
//   3. 兩者通過指針同步，確保狀態一致性
//
// 任務狀態轉換 (State Machine):
//   Pending (待執行)
//      ↓ ClaimDue()（scheduled_at <= now）
//   InProgress (執行中，持有租約)
//      ↓ UpdateStatus() 或 Requeue()
//   Succeeded / Failed (終態，保留 ResultTTL 後淘汰)
//
// 保留策略:
//   - 終態任務在 ResultTTL 之後視為不存在（Get 回傳 ErrJobNotFound）
//   - MaxRetained > 0 時，最多保留這麼多筆終態任務，超過則從最舊的開始淘汰
//   - 實體刪除發生在任何寫入操作或 Evict() 中
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - ClaimDue 在寫鎖內完成 pending → in_progress，同一任務只會被認領一次
//
// 快照與日誌:
//   - Snapshot() / Restore() 配合 internal/snapshot 進行崩潰恢復
//   - 設定 Journal 時，每次狀態變更先寫入日誌（WAL）再生效；
//     Snapshot() 記錄涵蓋到的日誌序號，ApplyJournal() 重放之後的變更
//   - RequeueInFlight() 將崩潰前執行中的任務放回佇列
//
// ============================================================================

package jobmanager

import (
	"container/heap"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-timer/internal/clock"
	"github.com/ChuLiYu/beaver-timer/internal/storage/wal"
	"github.com/ChuLiYu/beaver-timer/internal/store"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// Journal 接收每一次狀態變更，在寫鎖內呼叫；回傳錯誤時該變更不生效
//
// *wal.WAL 滿足此介面。
type Journal interface {
	Append(eventType wal.EventType, job *types.Job) (uint64, error)
	LastSeq() uint64
}

// Options 記憶體儲存的保留策略
type Options struct {
	ResultTTL   time.Duration // 終態任務保留時間，0 使用 store.DefaultResultTTL
	MaxRetained int           // 終態任務最多保留筆數，0 表示不限制
	Clock       clock.Clock   // 時間來源，nil 使用系統時間
	Journal     Journal       // 狀態變更日誌，nil 表示不記錄
}

// JobManager 代表記憶體版任務管理器
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.Job // 所有任務的統一儲存，透過 Status 欄位區分狀態
	due      dueHeap                    // 待執行任務，依 scheduled_at 排序
	inFlight map[types.JobID]*types.Job // 執行中任務
	finished []types.JobID              // 終態任務，依完成順序排列
	opts     Options
	clock    clock.Clock
}

var _ store.Store = (*JobManager)(nil)

// NewJobManager 建立新的任務管理器實例
//
// 使用範例：
//
//	jm := NewJobManager(Options{ResultTTL: 10 * time.Second})
//	err := jm.Put(ctx, &types.Job{ID: "job-1", URL: "https://example.com", ScheduledAt: ms})
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager(opts Options) *JobManager {
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = store.DefaultResultTTL
	}
	return &JobManager{
		jobs:     make(map[types.JobID]*types.Job),
		due:      dueHeap{},
		inFlight: make(map[types.JobID]*types.Job),
		finished: make([]types.JobID, 0),
		opts:     opts,
		clock:    clock.OrReal(opts.Clock),
	}
}

// Put 將新任務加入系統，設定為待執行狀態
//
// 錯誤處理：
//   - store.ErrDuplicateJob: 任務 ID 已存在於系統中
func (jm *JobManager) Put(_ context.Context, job *types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.evictLocked(jm.clock.Now())

	if _, exists := jm.jobs[job.ID]; exists {
		return store.ErrDuplicateJob
	}

	stored := job.Clone()
	stored.Status = types.StatusPending
	if err := jm.record(wal.EventEnqueue, stored); err != nil {
		return err
	}
	jm.jobs[stored.ID] = stored
	heap.Push(&jm.due, &dueItem{id: stored.ID, at: stored.ScheduledAt})
	return nil
}

// Get 取得任務副本
//
// 錯誤處理：
//   - store.ErrJobNotFound: 任務不存在或已超過保留期
//   - store.ErrCorruptJob: 任務存在但 scheduled_at 無效（同時回傳任務副本）
func (jm *JobManager) Get(_ context.Context, id types.JobID) (*types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists || jm.expired(job, jm.clock.Now()) {
		return nil, store.ErrJobNotFound
	}
	if job.ScheduledAt <= 0 {
		return job.Clone(), store.ErrCorruptJob
	}
	return job.Clone(), nil
}

// ClaimDue 認領到期任務，pending → in_progress
//
// 併發安全：整個認領過程在寫鎖內完成
func (jm *JobManager) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration, workerID string) ([]*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.evictLocked(now)

	nowMs := now.UnixMilli()
	claimed := make([]*types.Job, 0, limit)
	for len(claimed) < limit && jm.due.Len() > 0 {
		top := jm.due[0]
		if top.at > nowMs {
			break
		}
		heap.Pop(&jm.due)

		job, exists := jm.jobs[top.id]
		if !exists || job.Status != types.StatusPending {
			continue
		}

		next := job.Clone()
		next.Status = types.StatusInProgress
		next.Attempts++
		next.StartedAt = types.Int64Ptr(nowMs)
		next.LeaseUntil = types.Int64Ptr(now.Add(lease).UnixMilli())
		next.WorkerID = workerID
		if err := jm.record(wal.EventDispatch, next); err != nil {
			// 放回佇列；已認領的任務照常回傳
			heap.Push(&jm.due, top)
			if len(claimed) == 0 {
				return nil, err
			}
			break
		}

		*job = *next
		jm.inFlight[job.ID] = job
		claimed = append(claimed, job.Clone())
	}
	return claimed, nil
}

// UpdateStatus 將 claim 持有的執行中任務標記為終態
//
// 錯誤處理：
//   - store.ErrInvalidTransition: 目標狀態不是終態，或任務不在執行中
//   - store.ErrClaimLost: 任務已被其他認領持有
//   - store.ErrJobNotFound: 任務不存在
func (jm *JobManager) UpdateStatus(_ context.Context, id types.JobID, claim store.Claim, status types.JobStatus, result string) error {
	if err := store.CheckTerminal(status); err != nil {
		return err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.heldLocked(id, claim)
	if err != nil {
		return err
	}

	now := jm.clock.Now()
	next := job.Clone()
	next.Status = status
	event := wal.EventAck
	if status == types.StatusSucceeded {
		next.Result = result
		next.Error = ""
	} else {
		next.Error = result
		event = wal.EventDead
	}
	next.FinishedAt = types.Int64Ptr(now.UnixMilli())
	next.LeaseUntil = nil
	if err := jm.record(event, next); err != nil {
		return err
	}

	*job = *next
	delete(jm.inFlight, id)
	jm.finished = append(jm.finished, id)
	jm.evictLocked(now)
	return nil
}

// Requeue 將 claim 持有的執行中任務放回待執行佇列，scheduled_at 不變
func (jm *JobManager) Requeue(_ context.Context, id types.JobID, claim store.Claim) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.heldLocked(id, claim)
	if err != nil {
		return err
	}
	return jm.requeueLocked(job)
}

// heldLocked 取得由 claim 持有的執行中任務
func (jm *JobManager) heldLocked(id types.JobID, claim store.Claim) (*types.Job, error) {
	job, exists := jm.jobs[id]
	if !exists {
		return nil, store.ErrJobNotFound
	}
	if job.Status != types.StatusInProgress {
		return nil, store.ErrInvalidTransition
	}
	if !claim.Holds(job) {
		return nil, store.ErrClaimLost
	}
	return job, nil
}

func (jm *JobManager) requeueLocked(job *types.Job) error {
	id := job.ID

	next := job.Clone()
	next.Status = types.StatusPending
	next.LeaseUntil = nil
	next.WorkerID = ""
	if err := jm.record(wal.EventRetry, next); err != nil {
		return err
	}

	*job = *next
	delete(jm.inFlight, id)
	heap.Push(&jm.due, &dueItem{id: id, at: job.ScheduledAt})
	return nil
}

// ExpiredLeases 取得租約已過期的執行中任務，依到期時間排序
func (jm *JobManager) ExpiredLeases(_ context.Context, now time.Time, limit int) ([]types.JobID, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	nowMs := now.UnixMilli()
	var expired []*types.Job
	for _, job := range jm.inFlight {
		if job.LeaseUntil != nil && *job.LeaseUntil < nowMs {
			expired = append(expired, job)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return *expired[i].LeaseUntil < *expired[j].LeaseUntil
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	ids := make([]types.JobID, 0, len(expired))
	for _, job := range expired {
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// Ping 記憶體儲存永遠可用
func (jm *JobManager) Ping(context.Context) error { return nil }

// Close 關閉日誌（若日誌可關閉）
func (jm *JobManager) Close() error {
	if c, ok := jm.opts.Journal.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// record 在套用變更前寫入日誌，呼叫者必須持有寫鎖
func (jm *JobManager) record(eventType wal.EventType, job *types.Job) error {
	if jm.opts.Journal == nil {
		return nil
	}
	if _, err := jm.opts.Journal.Append(eventType, job); err != nil {
		return store.Unavailable("journal "+string(eventType), err)
	}
	return nil
}

// Evict 立即淘汰超過保留策略的終態任務，回傳淘汰筆數
func (jm *JobManager) Evict() int {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.evictLocked(jm.clock.Now())
}

// evictLocked 呼叫者必須持有寫鎖
func (jm *JobManager) evictLocked(now time.Time) int {
	evicted := 0
	for len(jm.finished) > 0 {
		id := jm.finished[0]
		job, exists := jm.jobs[id]
		overCap := jm.opts.MaxRetained > 0 && len(jm.finished) > jm.opts.MaxRetained
		if exists && !overCap && !jm.expired(job, now) {
			break
		}
		jm.finished = jm.finished[1:]
		if exists && job.Status.IsTerminal() {
			delete(jm.jobs, id)
			evicted++
		}
	}
	return evicted
}

func (jm *JobManager) expired(job *types.Job, now time.Time) bool {
	if !job.Status.IsTerminal() || job.FinishedAt == nil {
		return false
	}
	return now.UnixMilli() >= *job.FinishedAt+jm.opts.ResultTTL.Milliseconds()
}

// Stats 取得各狀態任務的統計資訊
//
// 併發安全：使用讀鎖保護
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		string(types.StatusPending):    0,
		string(types.StatusInProgress): 0,
		string(types.StatusSucceeded):  0,
		string(types.StatusFailed):     0,
	}
	for _, job := range jm.jobs {
		stats[string(job.Status)]++
	}
	return stats
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Restore 從快照恢復狀態，清空現有狀態
//
// 併發安全：使用互斥鎖保護
func (jm *JobManager) Restore(data types.SnapshotData) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.due = dueHeap{}
	jm.inFlight = make(map[types.JobID]*types.Job)
	jm.finished = make([]types.JobID, 0)

	var finished []*types.Job
	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		job = job.Clone()
		job.ID = id
		jm.jobs[id] = job

		// 根據狀態分類
		switch job.Status {
		case types.StatusPending:
			jm.due = append(jm.due, &dueItem{id: id, at: job.ScheduledAt})
		case types.StatusInProgress:
			jm.inFlight[id] = job
		case types.StatusSucceeded, types.StatusFailed:
			finished = append(finished, job)
		}
	}
	heap.Init(&jm.due)

	sort.Slice(finished, func(i, j int) bool {
		return finishedAt(finished[i]) < finishedAt(finished[j])
	})
	for _, job := range finished {
		jm.finished = append(jm.finished, job.ID)
	}
	jm.evictLocked(jm.clock.Now())
	return nil
}

// RequeueInFlight 將所有執行中的任務放回佇列（崩潰恢復時使用），回傳筆數
func (jm *JobManager) RequeueInFlight() int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	count := 0
	for _, job := range jm.inFlight {
		if err := jm.requeueLocked(job); err == nil {
			count++
		}
	}
	return count
}

// Snapshot 生成快照資料（深拷貝）
//
// 併發安全：使用讀鎖保護
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobsCopy := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobsCopy[id] = job.Clone()
	}

	data := types.SnapshotData{
		Jobs:      jobsCopy,
		SchemaVer: 1,
		TakenAt:   jm.clock.Now().UnixMilli(),
	}
	// 日誌只在寫鎖內追加，持有讀鎖時序號與快照內容一致
	if jm.opts.Journal != nil {
		data.WALSeq = jm.opts.Journal.LastSeq()
	}
	return data
}

// ApplyJournal 以日誌中的任務狀態覆蓋記憶體狀態（恢復時使用，不會再寫入日誌）
//
// 事件保存的是變更後的完整任務，因此重放是 upsert。
func (jm *JobManager) ApplyJournal(job *types.Job) {
	if job == nil {
		return
	}
	jm.mu.Lock()
	defer jm.mu.Unlock()

	stored := job.Clone()
	if _, exists := jm.jobs[stored.ID]; exists {
		// 佇列中的舊項目由 ClaimDue 依狀態略過
		delete(jm.inFlight, stored.ID)
	}
	jm.jobs[stored.ID] = stored

	switch stored.Status {
	case types.StatusPending:
		heap.Push(&jm.due, &dueItem{id: stored.ID, at: stored.ScheduledAt})
	case types.StatusInProgress:
		jm.inFlight[stored.ID] = stored
	case types.StatusSucceeded, types.StatusFailed:
		jm.finished = append(jm.finished, stored.ID)
	}
}

func finishedAt(job *types.Job) int64 {
	if job.FinishedAt == nil {
		return 0
	}
	return *job.FinishedAt
}

// ============================================================================
// due heap
// ============================================================================

type dueItem struct {
	id types.JobID
	at int64 // scheduled_at（Unix 毫秒）
}

type dueHeap []*dueItem

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].at == h[j].at {
		return h[i].id < h[j].id
	}
	return h[i].at < h[j].at
}

func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) {
	*h = append(*h, x.(*dueItem))
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
