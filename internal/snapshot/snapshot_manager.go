package snapshot

// ============================================================================
// 職責說明：
// 1. 將記憶體版 Job Store 的完整狀態序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 週期性寫入（Loop），程序結束時再寫一次最終快照
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Source 提供快照內容（通常是 JobManager.Snapshot）
type Source func() types.SnapshotData

// Manager 快照管理器
type Manager struct {
	path      string     // 快照檔案路徑
	mu        sync.Mutex // 保護檔案操作
	log       *slog.Logger
	afterSave func(types.SnapshotData) error
}

// NewManager 建立快照管理器實例，logger 為 nil 時使用 slog.Default()
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		path: path,
		log:  logger.With("component", "snapshot"),
	}
}

// Write 原子性寫入快照
//
// 流程：
// 1. 寫入同目錄下的臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, jsonBytes); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	if m.afterSave != nil {
		if err := m.afterSave(data); err != nil {
			return fmt.Errorf("after snapshot: %w", err)
		}
	}
	return nil
}

// AfterSave 設定每次快照成功寫入後呼叫的函式（例如壓縮 WAL），
// 呼叫時仍持有檔案鎖。須在 Loop 開始前設定。
func (m *Manager) AfterSave(fn func(types.SnapshotData) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.afterSave = fn
}

func writeSynced(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳空的 SnapshotData（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.SnapshotData{
				Jobs:      make(map[types.JobID]*types.Job),
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path 取得快照檔案路徑
func (m *Manager) Path() string {
	return m.path
}

// Loop 每隔 interval 寫入一次快照，ctx 取消時寫入最終快照後返回
//
// 寫入失敗只記錄日誌，不會中止迴圈；最終快照的錯誤會回傳給呼叫者。
func (m *Manager) Loop(ctx context.Context, interval time.Duration, source Source) error {
	if interval <= 0 {
		<-ctx.Done()
		return m.Write(source())
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := m.Write(source()); err != nil {
				m.log.Error("final snapshot failed", "path", m.path, "error", err)
				return err
			}
			m.log.Info("final snapshot written", "path", m.path)
			return nil
		case <-ticker.C:
			data := source()
			if err := m.Write(data); err != nil {
				m.log.Warn("snapshot failed", "path", m.path, "error", err)
				continue
			}
			m.log.Debug("snapshot written", "path", m.path, "jobs", len(data.Jobs))
		}
	}
}
