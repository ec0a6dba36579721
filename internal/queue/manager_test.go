package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/spinal/pkg/types"
)

func anyRoute(string) bool { return true }

func enqueue(t *testing.T, m *Manager, id string, p types.Priority, now time.Time) {
	t.Helper()
	_, err := m.Enqueue(types.Job{ID: types.JobID(id), Type: "ns.work", Priority: p, MaxAttempts: 1}, now)
	require.NoError(t, err)
}

func TestManagerEnqueueDuplicate(t *testing.T) {
	m := NewManager()
	now := time.Now()
	enqueue(t, m, "a", types.PriorityNormal, now)

	_, err := m.Enqueue(types.Job{ID: "a", Type: "ns.work"}, now)
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestManagerPriorityThenFIFO(t *testing.T) {
	m := NewManager()
	now := time.Now()
	enqueue(t, m, "low", types.PriorityLow, now)
	enqueue(t, m, "normal-1", types.PriorityNormal, now)
	enqueue(t, m, "high", types.PriorityHigh, now)
	enqueue(t, m, "normal-2", types.PriorityNormal, now)
	enqueue(t, m, "critical", types.PriorityCritical, now)

	assert.Equal(t, []types.JobID{"critical", "high", "normal-1", "normal-2", "low"}, m.Inactive())

	var order []types.JobID
	for job := m.PopReady(now, anyRoute); job != nil; job = m.PopReady(now, anyRoute) {
		order = append(order, job.ID)
	}
	assert.Equal(t, []types.JobID{"critical", "high", "normal-1", "normal-2", "low"}, order)
}

func TestManagerDelay(t *testing.T) {
	m := NewManager()
	now := time.Now()
	_, err := m.Enqueue(types.Job{ID: "later", Type: "ns.work", DelayMs: 800}, now)
	require.NoError(t, err)

	assert.Nil(t, m.PopReady(now, anyRoute))
	assert.Nil(t, m.PopReady(now.Add(799*time.Millisecond), anyRoute))

	job := m.PopReady(now.Add(800*time.Millisecond), anyRoute)
	require.NotNil(t, job)
	assert.Equal(t, types.JobID("later"), job.ID)
}

func TestManagerSkipsUnroutable(t *testing.T) {
	m := NewManager()
	now := time.Now()
	_, err := m.Enqueue(types.Job{ID: "a", Type: "nobody.work", Priority: types.PriorityHigh}, now)
	require.NoError(t, err)
	_, err = m.Enqueue(types.Job{ID: "b", Type: "ns.work"}, now)
	require.NoError(t, err)

	routable := func(jobType string) bool { return jobType == "ns.work" }
	job := m.PopReady(now, routable)
	require.NotNil(t, job)
	assert.Equal(t, types.JobID("b"), job.ID)
	assert.Nil(t, m.PopReady(now, routable))
	assert.Equal(t, 1, m.Stats().Inactive)
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager()
	now := time.Now()
	enqueue(t, m, "a", types.PriorityNormal, now)

	job := m.PopReady(now, anyRoute)
	require.NotNil(t, job)

	active, err := m.MarkActive("a", "w1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, active.Attempts)
	assert.Equal(t, types.NodeID("w1"), active.WorkerID)
	assert.Equal(t, types.QueueStats{Active: 1}, m.Stats())

	retried, err := m.Retry("a", "boom", now.Add(time.Second), now)
	require.NoError(t, err)
	assert.Equal(t, types.JobInactive, retried.State)
	assert.Equal(t, "boom", retried.Error)
	assert.Nil(t, m.PopReady(now, anyRoute))

	job = m.PopReady(now.Add(time.Second), anyRoute)
	require.NotNil(t, job)
	active, err = m.MarkActive("a", "w2", now)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Attempts)

	done, err := m.MarkComplete("a", []byte(`"ok"`), now)
	require.NoError(t, err)
	assert.Equal(t, types.JobComplete, done.State)
	assert.Empty(t, done.Error)
	assert.Equal(t, types.QueueStats{Complete: 1}, m.Stats())

	_, err = m.MarkFailed("a", "late", now)
	assert.ErrorIs(t, err, ErrNotActive)
	_, err = m.MarkComplete("missing", nil, now)
	assert.ErrorIs(t, err, ErrJobNotFound)

	m.Remove("a")
	_, ok := m.GetJob("a")
	assert.False(t, ok)
}

func TestManagerRestore(t *testing.T) {
	m := NewManager()
	jobs := []*types.Job{
		{ID: "pending", Type: "ns.work", State: types.JobInactive, Seq: 1},
		{ID: "running", Type: "ns.work", State: types.JobActive, Attempts: 2, WorkerID: "w1", Seq: 2},
		{ID: "done", Type: "ns.work", State: types.JobComplete, Seq: 3},
		{ID: "dead", Type: "ns.work", State: types.JobFailed, Seq: 4},
	}

	requeued := m.Restore(jobs)
	assert.Equal(t, []types.JobID{"running"}, requeued)
	assert.Equal(t, types.QueueStats{Inactive: 2, Complete: 1, Failed: 1}, m.Stats())

	running, ok := m.GetJob("running")
	require.True(t, ok)
	assert.Equal(t, types.JobInactive, running.State)
	assert.Equal(t, 1, running.Attempts)
	assert.Empty(t, running.WorkerID)

	// seq 由紀錄中的最大值接續
	added, err := m.Enqueue(types.Job{ID: "new", Type: "ns.work"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), added.Seq)
}

func TestManagerPrune(t *testing.T) {
	m := NewManager()
	old := time.Now().Add(-2 * time.Hour)
	enqueue(t, m, "a", types.PriorityNormal, old)
	m.PopReady(old, anyRoute)
	_, err := m.MarkActive("a", "w1", old)
	require.NoError(t, err)
	_, err = m.MarkFailed("a", "boom", old)
	require.NoError(t, err)

	assert.Empty(t, m.Prune(old.Add(-time.Minute)))
	assert.Equal(t, []types.JobID{"a"}, m.Prune(time.Now().Add(-time.Hour)))
	assert.Equal(t, types.QueueStats{}, m.Stats())
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		name string
		job  types.Job
		want time.Duration
	}{
		{"no backoff", types.Job{DelayMs: 500}, 0},
		{"fixed", types.Job{Backoff: &types.Backoff{Type: types.BackoffFixed, DelayMs: 200}}, 200 * time.Millisecond},
		{"fixed falls back to delay", types.Job{DelayMs: 800, Backoff: &types.Backoff{Type: types.BackoffFixed}}, 800 * time.Millisecond},
		{"exponential first", types.Job{Attempts: 1, Backoff: &types.Backoff{Type: types.BackoffExponential, DelayMs: 100}}, 100 * time.Millisecond},
		{"exponential third", types.Job{Attempts: 3, Backoff: &types.Backoff{Type: types.BackoffExponential, DelayMs: 100}}, 400 * time.Millisecond},
		{"exponential capped", types.Job{Attempts: 40, Backoff: &types.Backoff{Type: types.BackoffExponential, DelayMs: 1000}}, maxBackoff},
		{"no base", types.Job{Backoff: &types.Backoff{Type: types.BackoffFixed}}, 0},
		{"unknown type", types.Job{Backoff: &types.Backoff{Type: "linear", DelayMs: 100}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextDelay(&tt.job))
		})
	}
}
