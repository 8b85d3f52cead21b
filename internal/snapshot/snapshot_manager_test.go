package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證、錯誤處理與週期寫入
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t testing.TB) *Manager {
	return NewManager(filepath.Join(t.TempDir(), "snapshot.json"), nil)
}

func sampleData() types.SnapshotData {
	lease := int64(1_700_000_060_000)
	return types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-001": {
				ID:          "job-001",
				URL:         "https://www.example.com/a",
				Status:      types.StatusPending,
				ScheduledAt: 1_700_000_000_000,
			},
			"job-002": {
				ID:          "job-002",
				URL:         "https://www.example.com/b",
				Status:      types.StatusInProgress,
				Attempts:    1,
				ScheduledAt: 1_700_000_000_000,
				LeaseUntil:  &lease,
				WorkerID:    "worker-1",
			},
			"job-003": {
				ID:          "job-003",
				URL:         "https://www.example.com/c",
				Status:      types.StatusSucceeded,
				Attempts:    1,
				Result:      "Extracted data from https://www.example.com/c",
				ScheduledAt: 1_700_000_000_000,
			},
		},
		TakenAt: 1_700_000_001_000,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json", nil)
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.Path())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := newTestManager(t)
	original := sampleData()

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.TakenAt, loaded.TakenAt)
	require.Len(t, loaded.Jobs, len(original.Jobs))

	for id, want := range original.Jobs {
		got, exists := loaded.Jobs[id]
		require.True(t, exists, "Job %s should exist", id)
		assert.Equal(t, want, got)
	}
}

// TestWriteCreatesDirectory 測試自動建立目錄
func TestWriteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "snapshot.json")
	manager := NewManager(path, nil)

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded.Jobs)
}

// TestAtomicWrite 測試原子性寫入（關鍵測試）
func TestAtomicWrite(t *testing.T) {
	manager := newTestManager(t)
	require.NoError(t, manager.Write(types.SnapshotData{TakenAt: 50}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(types.SnapshotData{TakenAt: 100}))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	assert.True(t, loaded.TakenAt == 50 || loaded.TakenAt == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loaded.TakenAt)

	_, err := os.Stat(manager.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := newTestManager(t)
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := newTestManager(t)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.NotNil(t, loaded.Jobs)
	assert.Empty(t, loaded.Jobs)
}

// TestIncompatibleVersion 測試版本不相容
func TestIncompatibleVersion(t *testing.T) {
	manager := newTestManager(t)

	raw, err := json.Marshal(types.SnapshotData{SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manager.Path(), raw, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	manager := newTestManager(t)

	// 半截斷的 JSON
	corrupted := `{"jobs": {"job-001": {"id": "job-001", "status": "pending"`
	require.NoError(t, os.WriteFile(manager.Path(), []byte(corrupted), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（唯讀目錄）
func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0o555))
	defer os.Chmod(readOnlyDir, 0o755)

	manager := NewManager(filepath.Join(readOnlyDir, "snapshot.json"), nil)
	assert.Error(t, manager.Write(types.SnapshotData{}))
}

// ============================================================================
// 週期寫入測試
// ============================================================================

// TestLoopWritesPeriodicallyAndOnShutdown 測試 Loop
func TestLoopWritesPeriodicallyAndOnShutdown(t *testing.T) {
	manager := newTestManager(t)

	var calls atomic.Int64
	source := func() types.SnapshotData {
		n := calls.Add(1)
		return types.SnapshotData{TakenAt: n}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Loop(ctx, 10*time.Millisecond, source) }()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Loop did not return after cancel")
	}

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, calls.Load(), loaded.TakenAt, "final snapshot should be the last one taken")
}

// TestLoopWithoutInterval 測試只在結束時寫入
func TestLoopWithoutInterval(t *testing.T) {
	manager := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := manager.Loop(ctx, 0, func() types.SnapshotData {
		return types.SnapshotData{TakenAt: 7}
	})
	require.NoError(t, err)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(7), loaded.TakenAt)
}

// ============================================================================
// 大型快照與並發
// ============================================================================

// TestLargeSnapshot 測試大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := newTestManager(t)

	large := types.SnapshotData{Jobs: make(map[types.JobID]*types.Job)}
	for i := 0; i < 1000; i++ {
		id := types.JobID(fmt.Sprintf("job-%04d", i))
		large.Jobs[id] = &types.Job{
			ID:          id,
			URL:         "https://www.example.com/" + string(id),
			Status:      types.StatusPending,
			ScheduledAt: int64(1_700_000_000_000 + i),
		}
	}

	start := time.Now()
	require.NoError(t, manager.Write(large))
	t.Logf("Write duration for 1000 jobs: %v", time.Since(start))

	start = time.Now()
	loaded, err := manager.Load()
	require.NoError(t, err)
	t.Logf("Load duration for 1000 jobs: %v", time.Since(start))

	assert.Len(t, loaded.Jobs, len(large.Jobs))
}

// TestConcurrentWrites 測試並發寫入
func TestConcurrentWrites(t *testing.T) {
	manager := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			id := types.JobID(fmt.Sprintf("job-%d", index))
			data := types.SnapshotData{
				Jobs:    map[types.JobID]*types.Job{id: {ID: id, Status: types.StatusPending}},
				TakenAt: int64(index),
			}
			assert.NoError(t, manager.Write(data))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Len(t, loaded.Jobs, 1)
}

// ============================================================================
// Benchmark 測試
// ============================================================================

func BenchmarkWrite(b *testing.B) {
	manager := newTestManager(b)
	data := sampleData()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}

func BenchmarkLoad(b *testing.B) {
	manager := newTestManager(b)
	_ = manager.Write(sampleData())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = manager.Load()
	}
}

// TestAfterSave 測試快照寫入後的回呼
func TestAfterSave(t *testing.T) {
	manager := newTestManager(t)

	var seen []uint64
	manager.AfterSave(func(data types.SnapshotData) error {
		seen = append(seen, data.WALSeq)
		return nil
	})

	data := sampleData()
	data.WALSeq = 7
	require.NoError(t, manager.Write(data))
	assert.Equal(t, []uint64{7}, seen)

	manager.AfterSave(func(types.SnapshotData) error { return fmt.Errorf("compact failed") })
	err := manager.Write(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compact failed")

	// the snapshot itself was still written
	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), loaded.WALSeq)
}
