// ============================================================================
// spinal 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/queue
// 文件: manager.go
// 功能: 管理任務的完整生命週期和狀態轉換
//
// 任務狀態轉換 (State Machine):
//   inactive (等待派發)
//      ↓ PopReady() + MarkActive()
//   active (已派發給 worker)
//      ↓ MarkComplete() / Retry() / MarkFailed()
//   complete / failed
//
// 狀態轉換規則:
//   - inactive → active: PopReady() + MarkActive()，嘗試次數 +1
//   - active → complete: MarkComplete()
//   - active → inactive: Retry()，帶有下一次可派發時間（backoff）
//   - active → failed: MarkFailed()，嘗試次數用盡
//
// 數據結構設計:
//   jobs map[JobID]*Job - 主存儲，包含所有任務
//   輔助索引:
//   - pending []JobID - inactive 任務，PopReady 依 (priority, seq) 挑選
//   - active / complete / failed maps
//
// 派發順序:
//   RunAt 已到、且有 worker 可接手的任務中，priority 數值最小者優先，
//   同優先權依 seq（加入順序）FIFO。
//
// ============================================================================

package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/spinal/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不在 active 狀態
	ErrNotActive = errors.New("job not active")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
)

// Manager 代表任務管理器
type Manager struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.Job
	pending  []types.JobID
	active   map[types.JobID]*types.Job
	complete map[types.JobID]*types.Job
	failed   map[types.JobID]*types.Job
	seq      uint64
}

// NewManager 建立新的任務管理器實例
func NewManager() *Manager {
	return &Manager{
		jobs:     make(map[types.JobID]*types.Job),
		pending:  make([]types.JobID, 0),
		active:   make(map[types.JobID]*types.Job),
		complete: make(map[types.JobID]*types.Job),
		failed:   make(map[types.JobID]*types.Job),
	}
}

// Enqueue 將新任務加入系統，設定為 inactive
//
// RunAt = now + Delay。回傳加入後的任務副本。
func (m *Manager) Enqueue(job types.Job, now time.Time) (types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return types.Job{}, ErrDuplicateJob
	}

	m.seq++
	nowMs := now.UnixMilli()
	job.Seq = m.seq
	job.State = types.JobInactive
	job.Attempts = 0
	job.CreatedAt = nowMs
	job.UpdatedAt = nowMs
	job.RunAt = nowMs + job.DelayMs

	m.jobs[job.ID] = &job
	m.pending = append(m.pending, job.ID)
	return job, nil
}

// PopReady 取出下一個可派發的任務，但不改變其狀態
//
// routable 回傳 false 的任務類型（沒有 worker）會被略過並留在佇列中。
func (m *Manager) PopReady(now time.Time, routable func(jobType string) bool) *types.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := now.UnixMilli()
	best := -1
	checked := make(map[string]bool)
	for i, id := range m.pending {
		job := m.jobs[id]
		if job.RunAt > nowMs {
			continue
		}
		ok, seen := checked[job.Type]
		if !seen {
			ok = routable(job.Type)
			checked[job.Type] = ok
		}
		if !ok {
			continue
		}
		if best < 0 || less(job, m.jobs[m.pending[best]]) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}

	id := m.pending[best]
	m.pending = append(m.pending[:best], m.pending[best+1:]...)
	return m.jobs[id]
}

// Unpop 將 PopReady 取出但未能派發的任務放回佇列
func (m *Manager) Unpop(jobID types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok && job.State == types.JobInactive {
		m.pending = append(m.pending, jobID)
	}
}

func less(a, b *types.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

// MarkActive 將任務標記為已派發，嘗試次數 +1
func (m *Manager) MarkActive(jobID types.JobID, workerID types.NodeID, now time.Time) (types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	if job.State != types.JobInactive {
		return types.Job{}, errors.New("job not in inactive state")
	}

	job.State = types.JobActive
	job.Attempts++
	job.WorkerID = workerID
	job.UpdatedAt = now.UnixMilli()
	m.active[jobID] = job
	return *job, nil
}

// MarkComplete 將任務標記為完成並記錄結果
func (m *Manager) MarkComplete(jobID types.JobID, result []byte, now time.Time) (types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.activeJob(jobID)
	if err != nil {
		return types.Job{}, err
	}

	job.State = types.JobComplete
	job.Result = result
	job.Error = ""
	job.UpdatedAt = now.UnixMilli()
	delete(m.active, jobID)
	m.complete[jobID] = job
	return *job, nil
}

// Retry 將 active 任務放回佇列，runAt 之前不會被派發
func (m *Manager) Retry(jobID types.JobID, errMsg string, runAt time.Time, now time.Time) (types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.activeJob(jobID)
	if err != nil {
		return types.Job{}, err
	}

	job.State = types.JobInactive
	job.Error = errMsg
	job.WorkerID = ""
	job.RunAt = runAt.UnixMilli()
	job.UpdatedAt = now.UnixMilli()
	delete(m.active, jobID)
	m.pending = append(m.pending, jobID)
	return *job, nil
}

// MarkFailed 將任務標記為失敗（嘗試次數用盡）
func (m *Manager) MarkFailed(jobID types.JobID, errMsg string, now time.Time) (types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.activeJob(jobID)
	if err != nil {
		return types.Job{}, err
	}

	job.State = types.JobFailed
	job.Error = errMsg
	job.UpdatedAt = now.UnixMilli()
	delete(m.active, jobID)
	m.failed[jobID] = job
	return *job, nil
}

func (m *Manager) activeJob(jobID types.JobID) (*types.Job, error) {
	job, exists := m.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.State != types.JobActive {
		return nil, ErrNotActive
	}
	return job, nil
}

// Remove 從系統中移除終止狀態的任務
func (m *Manager) Remove(jobID types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || !job.Terminal() {
		return
	}
	delete(m.jobs, jobID)
	delete(m.complete, jobID)
	delete(m.failed, jobID)
}

// Prune 移除在 before 之前就已進入終止狀態的任務，回傳被移除的 ID
func (m *Manager) Prune(before time.Time) []types.JobID {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := before.UnixMilli()
	var removed []types.JobID
	for _, set := range []map[types.JobID]*types.Job{m.complete, m.failed} {
		for id, job := range set {
			if job.UpdatedAt < cutoff {
				delete(set, id)
				delete(m.jobs, id)
				removed = append(removed, id)
			}
		}
	}
	return removed
}

// ============================================================================
// 恢復
// ============================================================================

// Restore 由持久化的任務紀錄恢復狀態
//
// 中斷時仍是 active 的任務回到 inactive；那次中斷的嘗試不計入次數。
// 回傳被重新排入的任務 ID。
func (m *Manager) Restore(jobs []*types.Job) []types.JobID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs = make(map[types.JobID]*types.Job, len(jobs))
	m.pending = make([]types.JobID, 0)
	m.active = make(map[types.JobID]*types.Job)
	m.complete = make(map[types.JobID]*types.Job)
	m.failed = make(map[types.JobID]*types.Job)
	m.seq = 0

	var requeued []types.JobID
	for _, job := range jobs {
		m.jobs[job.ID] = job
		if job.Seq > m.seq {
			m.seq = job.Seq
		}

		switch job.State {
		case types.JobActive:
			job.State = types.JobInactive
			job.WorkerID = ""
			if job.Attempts > 0 {
				job.Attempts--
			}
			requeued = append(requeued, job.ID)
			m.pending = append(m.pending, job.ID)
		case types.JobInactive:
			m.pending = append(m.pending, job.ID)
		case types.JobComplete:
			m.complete[job.ID] = job
		case types.JobFailed:
			m.failed[job.ID] = job
		}
	}
	return requeued
}

// ============================================================================
// 查詢方法
// ============================================================================

// Stats 取得各狀態任務的數量
func (m *Manager) Stats() types.QueueStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return types.QueueStats{
		Inactive: len(m.pending),
		Active:   len(m.active),
		Complete: len(m.complete),
		Failed:   len(m.failed),
	}
}

// GetJob 取得任務副本
func (m *Manager) GetJob(jobID types.JobID) (types.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// Inactive 依派發順序列出 inactive 任務 ID
func (m *Manager) Inactive() []types.JobID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]types.JobID, len(m.pending))
	copy(ids, m.pending)
	sortByOrder(ids, m.jobs)
	return ids
}
