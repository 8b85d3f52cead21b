package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// Executor 執行任務的動作（request_url）
type Executor interface {
	Execute(ctx context.Context, url string) (string, error)
}

// ExecutorFunc 讓普通函式滿足 Executor 介面
type ExecutorFunc func(ctx context.Context, url string) (string, error)

// Execute 呼叫 f(ctx, url)
func (f ExecutorFunc) Execute(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}

// Task 代表要執行的任務
type Task struct {
	ID          types.JobID   // 任務唯一識別碼
	URL         string        // 動作載荷
	Attempts    int           // 認領後的嘗試次數（含本次）
	ScheduledAt int64         // 排程時間（Unix 毫秒）
	Timeout     time.Duration // 執行超時時間，0 表示不限制
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Attempts int           // 對應 Task.Attempts
	Success  bool          // 執行是否成功
	Output   string        // 成功時的動作輸出
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
