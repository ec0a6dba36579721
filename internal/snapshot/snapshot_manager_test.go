package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "store.snapshot")
	manager := NewManager(snapshotPath)

	original := Data{
		Entries: map[string]Entry{
			"spinal:job:1": {Value: []byte{0x81, 0xa2}},
			"spinal:ns.m:k": {Value: []byte(`{"a":1}`), ExpiresAt: 1700000000000},
		},
		LastSeq: 100,
	}
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	assert.Equal(t, original.Entries, loaded.Entries)
}

// TestAtomicWrite 測試原子性寫入
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "store.snapshot")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(Data{Entries: map[string]Entry{"old": {}}, LastSeq: 50}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(Data{Entries: map[string]Entry{"new": {}}, LastSeq: 100}))
	}()

	var loaded Data
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	// 讀到的必須是完整的舊快照或新快照
	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100, "got %d", loaded.LastSeq)
	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "store.snapshot"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(Data{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.snapshot"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(0), loaded.LastSeq)
	assert.NotNil(t, loaded.Entries)
	assert.Empty(t, loaded.Entries)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "store.snapshot")
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"entries":{},"schema_ver":2,"last_seq":0}`), 0644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorruptedSnapshot 測試損壞的快照
func TestCorruptedSnapshot(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "store.snapshot")
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"entries":`), 0644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}
