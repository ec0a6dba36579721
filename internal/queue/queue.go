// ============================================================================
// spinal 任務佇列 - broker 端的任務派發協調器
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 持久化任務紀錄、依優先權派發給 worker 節點、處理重試與完成通知
//
// 核心循環 (2 個並發 Goroutine):
//   1. Dispatch Loop - 取出可派發任務，round-robin 選擇 worker 後交給 Pool
//   2. Result Loop - 接收投遞結果，更新任務狀態並通知送出任務的節點
//
// 持久化:
//   每次狀態轉換後把任務紀錄（msgpack）寫入 store，key 為 prefix + "job:" + id。
//   啟動時由 store 載入所有紀錄；中斷時仍在 active 的任務重新排入佇列。
//   投遞語意為 at-least-once，worker handler 需自行保證冪等。
//
// ============================================================================

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/spinal/internal/cache"
	"github.com/ChuLiYu/spinal/internal/metrics"
	"github.com/ChuLiYu/spinal/internal/worker"
	"github.com/ChuLiYu/spinal/pkg/types"
)

var log = slog.Default().With("component", "queue")

// 預設值
const (
	DefaultTTLBuffer        = time.Second
	DefaultTTL              = 30 * time.Second
	DefaultDispatchInterval = 100 * time.Millisecond
	DefaultConcurrency      = 16
	DefaultRetention        = 24 * time.Hour
	DefaultNotifyTimeout    = 5 * time.Second

	jobKeyPart = "job:"
)

// ErrStopped 佇列已停止
var ErrStopped = errors.New("queue stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Directory 提供 worker 路由資訊，由 broker 的路由表實作
type Directory interface {
	// Next 以 round-robin 取得 key 的下一個提供者
	Next(key string) (types.NodeInfo, bool)
	// HasRoute 回傳 key 是否至少有一個提供者
	HasRoute(key string) bool
	// Lookup 依 ID 取得節點
	Lookup(id types.NodeID) (types.NodeInfo, bool)
	// WorkerCounts 回傳每個任務類型目前存活的 worker 數
	WorkerCounts() map[string]int
}

// Deliverer 把請求送到指定節點
type Deliverer interface {
	Deliver(ctx context.Context, node types.NodeInfo, req *types.Request) (*types.Response, error)
}

// Config 佇列配置
type Config struct {
	Prefix           string        // store key 前綴
	TTLBuffer        time.Duration // 加在任務 ttl 上的緩衝
	DefaultTTL       time.Duration // 任務未設定 ttl 時的投遞逾時
	DispatchInterval time.Duration // 派發輪詢間隔
	Concurrency      int           // 同時投遞中的任務上限
	Retention        time.Duration // 終止狀態任務保留時間
	NotifyTimeout    time.Duration // 通知送出節點的逾時
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = cache.DefaultPrefix
	}
	if c.TTLBuffer <= 0 {
		c.TTLBuffer = DefaultTTLBuffer
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = DefaultDispatchInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
}

// Queue broker 端的任務佇列
type Queue struct {
	mu        sync.Mutex // 保護 manager 狀態轉換與持久化順序
	manager   *Manager
	store     cache.Store
	directory Directory
	deliverer Deliverer
	pool      *worker.Pool
	metrics   *metrics.Collector
	config    Config

	wake     chan struct{}
	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	notifyWg sync.WaitGroup
	started  bool
	stopped  bool
}

// New 建立佇列；metrics 可為 nil
func New(config Config, store cache.Store, directory Directory, deliverer Deliverer, m *metrics.Collector) *Queue {
	config.setDefaults()
	q := &Queue{
		manager:   NewManager(),
		store:     store,
		directory: directory,
		deliverer: deliverer,
		metrics:   m,
		config:    config,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	q.pool = worker.NewPool(config.Concurrency*2, worker.ExecutorFunc(q.execute))
	return q
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 恢復持久化的任務並啟動派發
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	start := time.Now()
	requeued, total, err := q.restore(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	recovery := time.Since(start)
	if q.metrics != nil {
		q.metrics.SetRecoveryTime(recovery.Seconds())
	}
	log.Info("Recovery completed", "duration", recovery, "jobs", total, "requeued_jobs", requeued)

	if err := q.pool.Start(q.config.Concurrency); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	q.loopWg.Add(2)
	go q.dispatchLoop()
	go q.resultLoop()

	log.Info("Queue started", "concurrency", q.config.Concurrency)
	return nil
}

// Stop 停止派發並等待投遞中的任務返回
//
// 尚未收到結果的任務在 store 中維持 active，下次啟動時重新派發。
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stopCh)
	q.pool.Stop()
	q.loopWg.Wait()
	q.notifyWg.Wait()
	log.Info("Queue stopped")
}

// Kick 讓派發循環立即檢查一次（例如新的 worker 上線）
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) restore(ctx context.Context) (int, int, error) {
	keys, err := q.store.Keys(ctx, q.jobPrefix())
	if err != nil {
		return 0, 0, err
	}

	jobs := make([]*types.Job, 0, len(keys))
	for _, key := range keys {
		raw, err := q.store.Get(ctx, key)
		if errors.Is(err, cache.ErrMiss) {
			continue
		}
		if err != nil {
			return 0, 0, err
		}
		var job types.Job
		if err := msgpack.Unmarshal(raw, &job); err != nil {
			log.Warn("Skipping unreadable job record", "key", key, "error", err)
			continue
		}
		jobs = append(jobs, &job)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	requeued := q.manager.Restore(jobs)
	for _, id := range requeued {
		if job, ok := q.manager.GetJob(id); ok {
			q.persist(ctx, &job)
		}
	}
	q.updateGauges()
	return len(requeued), len(jobs), nil
}

// ============================================================================
// 送出任務
// ============================================================================

// Enqueue 驗證並加入任務，回傳任務 ID
//
// ID 為空時由佇列產生；ttl 會加上 TTLBuffer 後儲存。
func (q *Queue) Enqueue(ctx context.Context, job types.Job) (types.JobID, error) {
	if _, _, ok := types.SplitMethodKey(job.Type); !ok {
		return "", types.Configf("job type %q must be namespace.method", job.Type)
	}
	if err := checkPayload(job.Payload); err != nil {
		return "", err
	}
	if err := job.CheckOptions(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = types.JobID(uuid.NewString())
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
	if job.TTLMs > 0 {
		job.TTLMs += q.config.TTLBuffer.Milliseconds()
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage("null")
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrStopped
	}
	stored, err := q.manager.Enqueue(job, time.Now())
	if err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.persist(ctx, &stored)
	q.updateGauges()
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RecordEnqueue()
	}
	log.Debug("Job enqueued", "jobID", stored.ID, "type", stored.Type, "priority", stored.Priority)
	q.Kick()
	return stored.ID, nil
}

// checkPayload payload 為物件時不得包含 `_caller_id`
func checkPayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}
	if _, ok := fields[types.CallerIDField]; ok {
		return types.ErrInvalidPayload
	}
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// Stats 回傳各狀態數量與每個任務類型的存活 worker 數
func (q *Queue) Stats() types.QueueStats {
	stats := q.manager.Stats()
	stats.Workers = q.directory.WorkerCounts()
	if stats.Workers == nil {
		stats.Workers = map[string]int{}
	}
	return stats
}

// Get 取得任務紀錄
func (q *Queue) Get(id types.JobID) (types.Job, bool) {
	return q.manager.GetJob(id)
}

// ============================================================================
// 派發
// ============================================================================

func (q *Queue) dispatchLoop() {
	defer q.loopWg.Done()
	ticker := time.NewTicker(q.config.DispatchInterval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(time.Minute)
	defer pruneTicker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.dispatch()
		case <-q.wake:
			q.dispatch()
		case <-pruneTicker.C:
			q.prune()
		}
	}
}

// dispatch 取出所有可派發的任務交給 Pool
func (q *Queue) dispatch() {
	routable := func(jobType string) bool {
		return q.directory.HasRoute(jobType + types.WorkerSuffix)
	}

	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return
		}
		job := q.manager.PopReady(time.Now(), routable)
		if job == nil {
			q.mu.Unlock()
			return
		}

		node, ok := q.directory.Next(job.Type + types.WorkerSuffix)
		if !ok {
			// worker 在 PopReady 與 Next 之間離線
			q.manager.Unpop(job.ID)
			q.mu.Unlock()
			return
		}

		active, err := q.manager.MarkActive(job.ID, node.ID, time.Now())
		if err != nil {
			q.mu.Unlock()
			log.Error("Failed to mark job active", "jobID", job.ID, "error", err)
			continue
		}
		q.persist(context.Background(), &active)
		q.updateGauges()
		q.mu.Unlock()

		timeout := active.TTL()
		if timeout <= 0 {
			timeout = q.config.DefaultTTL
		}
		if err := q.pool.Submit(worker.Task{Job: &active, Worker: node, Timeout: timeout}); err != nil {
			// Pool 已停止，任務在 store 中仍為 active
			return
		}
		if q.metrics != nil {
			q.metrics.RecordDispatch()
		}
		log.Debug("Job dispatched", "jobID", active.ID, "worker", node.ID, "attempt", active.Attempts)
	}
}

// execute 把任務送到 worker 節點的 `type:worker` 方法
func (q *Queue) execute(ctx context.Context, task worker.Task) (json.RawMessage, error) {
	req := &types.Request{
		Name:    task.Job.Type + types.WorkerSuffix,
		Data:    task.Job.Payload,
		Options: types.RequestOptions{TimeoutMs: task.Timeout.Milliseconds()},
	}
	resp, err := q.deliverer.Deliver(ctx, task.Worker, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &types.TimeoutError{Method: req.Name, Timeout: task.Timeout}
		}
		return nil, err
	}
	if resp.Failed() {
		return nil, resp.Err()
	}
	return resp.Data, nil
}

// ============================================================================
// 結果處理
// ============================================================================

func (q *Queue) resultLoop() {
	defer q.loopWg.Done()
	for {
		result, err := q.pool.ReceiveResult()
		if err != nil {
			return
		}
		q.handleResult(result)
	}
}

// handleResult 根據投遞結果更新任務狀態
//
//   - 成功：complete（removeOnComplete 時刪除紀錄），通知 complete
//   - 失敗且仍有嘗試次數：依 backoff 重新排入
//   - 失敗且嘗試次數用盡：failed，通知 failed
func (q *Queue) handleResult(result worker.Result) {
	ctx := context.Background()
	now := time.Now()

	q.mu.Lock()
	job, ok := q.manager.GetJob(result.JobID)
	if !ok || job.State != types.JobActive {
		q.mu.Unlock()
		log.Warn("Result for unknown or inactive job", "jobID", result.JobID)
		return
	}

	var event *types.JobEvent
	if result.Success {
		done, err := q.manager.MarkComplete(job.ID, result.Data, now)
		if err != nil {
			q.mu.Unlock()
			log.Error("Failed to complete job", "jobID", job.ID, "error", err)
			return
		}
		if done.RemoveOnComplete {
			q.manager.Remove(done.ID)
			q.remove(ctx, done.ID)
		} else {
			q.persist(ctx, &done)
		}
		if q.metrics != nil {
			q.metrics.RecordCompleted((time.Duration(now.UnixMilli()-done.CreatedAt) * time.Millisecond).Seconds())
		}
		event = &types.JobEvent{ID: done.ID, State: types.JobComplete, Result: done.Result}
		log.Debug("Job completed", "jobID", done.ID, "worker", result.Worker, "duration", result.Duration)
	} else {
		msg := errorMessage(result.Error)
		if q.metrics != nil {
			q.metrics.RecordFailed()
		}
		if job.Attempts < job.MaxAttempts {
			delay := NextDelay(&job)
			retried, err := q.manager.Retry(job.ID, msg, now.Add(delay), now)
			if err == nil {
				q.persist(ctx, &retried)
			}
			log.Info("Job attempt failed, retrying",
				"jobID", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts,
				"backoff", delay, "error", msg)
		} else {
			failed, err := q.manager.MarkFailed(job.ID, msg, now)
			if err == nil {
				q.persist(ctx, &failed)
			}
			if q.metrics != nil {
				q.metrics.RecordDead()
			}
			event = &types.JobEvent{ID: job.ID, State: types.JobFailed, Error: msg}
			log.Warn("Job failed", "jobID", job.ID, "attempts", job.Attempts, "error", msg)
		}
	}
	q.updateGauges()
	q.mu.Unlock()

	if event != nil && job.CallerID != "" {
		q.notifyWg.Add(1)
		go func() {
			defer q.notifyWg.Done()
			q.notify(job.CallerID, *event)
		}()
	}
	if !result.Success {
		q.Kick()
	}
}

// notify 透過 `_job` 方法把任務結果送回送出任務的節點
func (q *Queue) notify(callerID types.NodeID, event types.JobEvent) {
	node, ok := q.directory.Lookup(callerID)
	if !ok {
		log.Warn("Job caller is gone, dropping event", "jobID", event.ID, "caller", callerID, "state", event.State)
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error("Failed to encode job event", "jobID", event.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.config.NotifyTimeout)
	defer cancel()
	req := &types.Request{
		Name:    types.MethodKey(node.Namespace, types.MethodJobEvent),
		Data:    data,
		Options: types.RequestOptions{TimeoutMs: q.config.NotifyTimeout.Milliseconds()},
	}
	resp, err := q.deliverer.Deliver(ctx, node, req)
	if err == nil && resp.Failed() {
		err = resp.Err()
	}
	if err != nil {
		log.Warn("Failed to notify job caller", "jobID", event.ID, "caller", callerID, "error", err)
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// prune 移除超過保留時間的終止任務
func (q *Queue) prune() {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := q.manager.Prune(time.Now().Add(-q.config.Retention))
	for _, id := range removed {
		q.remove(context.Background(), id)
	}
	if len(removed) > 0 {
		q.updateGauges()
		log.Debug("Pruned terminal jobs", "count", len(removed))
	}
}

// ============================================================================
// 持久化
// ============================================================================

func (q *Queue) jobPrefix() string {
	return q.config.Prefix + jobKeyPart
}

func (q *Queue) jobKey(id types.JobID) string {
	return q.jobPrefix() + string(id)
}

// persist 寫入任務紀錄；終止狀態的紀錄在 Retention 後過期
func (q *Queue) persist(ctx context.Context, job *types.Job) {
	raw, err := msgpack.Marshal(job)
	if err != nil {
		log.Error("Failed to encode job", "jobID", job.ID, "error", err)
		return
	}
	var ttl time.Duration
	if job.Terminal() {
		ttl = q.config.Retention
	}
	if err := q.store.Set(ctx, q.jobKey(job.ID), raw, ttl); err != nil {
		log.Error("Failed to persist job", "jobID", job.ID, "error", err)
	}
}

func (q *Queue) remove(ctx context.Context, id types.JobID) {
	if err := q.store.Delete(ctx, q.jobKey(id)); err != nil {
		log.Error("Failed to delete job", "jobID", id, "error", err)
	}
}

func (q *Queue) updateGauges() {
	if q.metrics == nil {
		return
	}
	stats := q.manager.Stats()
	q.metrics.UpdateQueueStats(stats.Inactive, stats.Active)
}

