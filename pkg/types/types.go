// Package types 定義了 beaver-timer 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending    JobStatus = "pending"     // 待執行：已排程，等待到期
	StatusInProgress JobStatus = "in_progress" // 執行中：已被某個 worker 認領
	StatusSucceeded  JobStatus = "succeeded"   // 成功：動作完成並寫入結果
	StatusFailed     JobStatus = "failed"      // 失敗：動作失敗或租約逾期
	StatusUnknown    JobStatus = "unknown"     // 未知：儲存中找不到（已過保留期或從未存在），只用於回報
)

// IsTerminal 回報狀態是否為終態
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid 回報狀態是否為可儲存的狀態（unknown 不會被寫入）
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Job 延遲任務，代表系統中的一個工作單元
type Job struct {
	// 識別與資料
	ID  JobID  `json:"id"`  // 任務唯一識別碼（建立後不可變）
	URL string `json:"url"` // 動作載荷：要抓取的 URL

	// 狀態追蹤
	Status   JobStatus `json:"status"`           // 任務當前狀態
	Attempts int       `json:"attempts"`         // 被 worker 認領的次數（不含 HTTP 層重試）
	Result   string    `json:"result,omitempty"` // 成功時的結果
	Error    string    `json:"error,omitempty"`  // 失敗原因

	// 時間管理（使用 Unix 毫秒時間戳）
	ScheduledAt int64  `json:"scheduled_at"`          // 可執行的絕對時間，建立時設定一次
	EnqueuedAt  int64  `json:"enqueued_at"`           // 任務建立時間
	StartedAt   *int64 `json:"started_at,omitempty"`  // 最近一次被認領的時間
	FinishedAt  *int64 `json:"finished_at,omitempty"` // 進入終態的時間
	LeaseUntil  *int64 `json:"lease_until,omitempty"` // 執行租約到期時間

	// 執行資訊
	WorkerID string `json:"worker_id,omitempty"` // 負責處理此任務的 worker ID
}

// ScheduledTime 以 time.Time 回傳 ScheduledAt
func (j *Job) ScheduledTime() time.Time {
	return time.UnixMilli(j.ScheduledAt)
}

// Clone 深拷貝任務，避免呼叫者修改儲存層內部狀態
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.StartedAt = cloneInt64(j.StartedAt)
	c.FinishedAt = cloneInt64(j.FinishedAt)
	c.LeaseUntil = cloneInt64(j.LeaseUntil)
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Int64Ptr 回傳指向 v 的指標
func Int64Ptr(v int64) *int64 {
	return &v
}

// SnapshotData 快照資料，用於記憶體儲存的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`              // 所有任務的完整資料
	SchemaVer int            `json:"schema_ver"`        // 資料結構版本號，用於向後相容性
	TakenAt   int64          `json:"taken_at"`          // 快照建立時間（Unix 毫秒）
	WALSeq    uint64         `json:"wal_seq,omitempty"` // 快照已涵蓋的最後一個日誌序號
}
