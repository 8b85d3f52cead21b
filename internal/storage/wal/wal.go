package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加記憶體版 Job Store 的每一次狀態變更（append-only）
// 2. 重放快照之後的事件以恢復狀態
// 3. 快照寫入後壓縮（丟棄快照已涵蓋的事件）
// 4. 批次寫入與定期 fsync，在延遲與吞吐之間取捨
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// DefaultFlushInterval Run 迴圈的預設刷新間隔
const DefaultFlushInterval = time.Second

// Options WAL 設定
type Options struct {
	// BufferSize 累積多少事件才寫入並 fsync；<= 1 表示每次 Append 都同步
	BufferSize int
	// FlushInterval Run 迴圈定期刷新緩衝區的間隔
	FlushInterval time.Duration
	// StartSeq 序號下限，通常是最近一次快照涵蓋到的序號；
	// 日誌被壓縮為空之後重新開啟時，序號仍需接續快照
	StartSeq uint64
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu            sync.Mutex
	file          *os.File
	path          string
	seq           uint64  // 最後分配的事件序號（含尚未刷新的事件）
	buffer        []Event // 尚未寫入檔案的事件
	bufferSize    int
	flushInterval time.Duration
	closed        bool
}

/*
Open 建立或開啟一個 WAL 實例

行為：
- 檔案不存在時建立新檔案
- 檔案已存在時讀取最後一個事件的 seq 並繼續，序號不低於 opts.StartSeq
- 截斷崩潰時未寫完的最後一行
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts Options) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	last, err := recoverFile(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	return &WAL{
		file:          file,
		path:          path,
		seq:           max(last, opts.StartSeq),
		buffer:        make([]Event, 0, opts.BufferSize),
		bufferSize:    opts.BufferSize,
		flushInterval: opts.FlushInterval,
	}, nil
}

// Append 追加一個事件，回傳其序號
//
// 緩衝區滿時同步寫入並 fsync；寫入失敗時緩衝的事件會被丟棄並回傳
// ErrSyncFailed。
func (w *WAL) Append(eventType EventType, job *types.Job) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	event := Event{
		Seq:       w.seq + 1,
		Type:      eventType,
		JobID:     job.ID,
		Job:       job.Clone(),
		Timestamp: time.Now().UnixMilli(),
	}
	sum, err := CalculateChecksum(event)
	if err != nil {
		return 0, fmt.Errorf("wal: encode event: %w", err)
	}
	event.Checksum = sum

	w.seq = event.Seq
	w.buffer = append(w.buffer, event)
	if len(w.buffer) >= w.bufferSize {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Run 每隔 FlushInterval 刷新一次緩衝區，ctx 取消時做最後一次刷新後返回
func (w *WAL) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			err := w.Flush()
			if err == ErrWALClosed {
				return nil
			}
			return err
		case <-ticker.C:
			if err := w.Flush(); err != nil && err != ErrWALClosed {
				return err
			}
		}
	}
}

// Replay 依序重放 seq 大於 after 的事件
//
// 行為：
// - 先刷新緩衝區，確保重放看得到所有已追加的事件
// - 驗證每個事件的 checksum，損壞時停止並回傳錯誤
// - 略過序號未遞增的重複事件（寫入失敗後重試可能產生）
//
// 回傳：已套用的事件數
func (w *WAL) Replay(after uint64, handler EventHandler) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return 0, err
	}

	applied := 0
	last := after
	_, err := scanFile(w.path, func(e Event) error {
		if e.Seq <= last {
			return nil
		}
		if err := handler(e); err != nil {
			return fmt.Errorf("wal: apply seq=%d: %w", e.Seq, err)
		}
		last = e.Seq
		applied++
		return nil
	})
	return applied, err
}

// Compact 丟棄 seq 小於等於 upTo 的事件（這些事件已被快照涵蓋）
//
// 以 temp file + rename 原子性改寫檔案，之後重新以追加模式開啟。
func (w *WAL) Compact(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	var keep []Event
	if _, err := scanFile(w.path, func(e Event) error {
		if e.Seq > upTo {
			keep = append(keep, e)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	rewriteErr := rewriteFile(w.path, keep)

	// 不論改寫是否成功都要重新開啟，讓後續 Append 可以繼續
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: reopen after compaction: %w", err)
	}
	w.file = file
	return rewriteErr
}

// LastSeq 取得最後分配的事件序號
//
// 用途：快照時記錄涵蓋到的序號，恢復時只重放之後的事件
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 取得 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// Close 刷新緩衝區並關閉檔案；關閉後的實例不可再用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.flushLocked()
	if err := w.file.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

// flushLocked 呼叫者必須持有 w.mu；事件一次寫入後 fsync
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range w.buffer {
		if err := enc.Encode(event); err != nil {
			w.buffer = w.buffer[:0]
			return fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	w.buffer = w.buffer[:0]

	info, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		// 移除寫了一半的資料，避免下一筆事件接在殘行之後
		_ = w.file.Truncate(info.Size())
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}
