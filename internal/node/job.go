package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/spinal/pkg/types"
)

const enqueueTimeout = 5 * time.Second

// jobObservers 任務結束時通知的回呼
type jobObservers struct {
	onComplete []func(result json.RawMessage)
	onFailed   []func(message string)
}

// JobBuilder 累積任務設定，Save 送出
type JobBuilder struct {
	node      *Node
	job       types.Job
	observers jobObservers
}

// Job 建立任務草稿；jobType 沒有 namespace 時使用自己的 namespace
//
// payload 不可包含保留欄位 `_caller_id`。
func (n *Node) Job(jobType string, payload any) (*JobBuilder, error) {
	data, err := encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(data, &fields) == nil {
		if _, ok := fields[types.CallerIDField]; ok {
			return nil, types.ErrInvalidPayload
		}
	}

	return &JobBuilder{
		node: n,
		job: types.Job{
			Type:        n.qualify(jobType),
			Payload:     data,
			Priority:    types.PriorityNormal,
			MaxAttempts: 1,
		},
	}, nil
}

// Priority 設定優先權
func (b *JobBuilder) Priority(p types.Priority) *JobBuilder {
	b.job.Priority = p
	return b
}

// Attempts 設定最多嘗試次數
func (b *JobBuilder) Attempts(n int) *JobBuilder {
	b.job.MaxAttempts = n
	return b
}

// TTL 設定單次執行的期限；broker 儲存時會再加上緩衝
func (b *JobBuilder) TTL(d time.Duration) *JobBuilder {
	b.job.TTLMs = d.Milliseconds()
	return b
}

// Delay 延遲首次派發
func (b *JobBuilder) Delay(d time.Duration) *JobBuilder {
	b.job.DelayMs = d.Milliseconds()
	return b
}

// Backoff 設定重試等待策略；delay 為 0 時 fixed 使用任務的 Delay
func (b *JobBuilder) Backoff(policy types.BackoffType, delay time.Duration) *JobBuilder {
	b.job.Backoff = &types.Backoff{Type: policy, DelayMs: delay.Milliseconds()}
	return b
}

// RemoveOnComplete 成功後刪除任務紀錄
func (b *JobBuilder) RemoveOnComplete(remove bool) *JobBuilder {
	b.job.RemoveOnComplete = remove
	return b
}

// OnComplete 任務成功時以 worker 的回覆呼叫 fn
func (b *JobBuilder) OnComplete(fn func(result json.RawMessage)) *JobBuilder {
	b.observers.onComplete = append(b.observers.onComplete, fn)
	return b
}

// OnFailed 嘗試次數用盡時以失敗訊息呼叫 fn
func (b *JobBuilder) OnFailed(fn func(message string)) *JobBuilder {
	b.observers.onFailed = append(b.observers.onFailed, fn)
	return b
}

// Build 回傳目前累積的任務設定
func (b *JobBuilder) Build() types.Job {
	return b.job
}

// Save 將任務送往 broker，回傳任務 ID
func (b *JobBuilder) Save(ctx context.Context) (types.JobID, error) {
	n := b.node
	if n.config.Broker == "" {
		return "", types.Configf("job queue requires a broker")
	}
	if b.job.MaxAttempts < 1 {
		return "", types.Configf("attempts must be at least 1, got %d", b.job.MaxAttempts)
	}
	if err := b.job.CheckOptions(); err != nil {
		return "", err
	}
	if n.State() != types.StateConnected {
		return "", errors.New("node must be started before saving jobs")
	}

	job := b.job
	job.ID = types.JobID(uuid.NewString())
	job.CallerID = n.id

	observed := len(b.observers.onComplete) > 0 || len(b.observers.onFailed) > 0
	if observed {
		obs := b.observers
		n.jobsMu.Lock()
		n.jobs[job.ID] = &obs
		n.jobsMu.Unlock()
	}

	id, err := n.enqueue(ctx, &job)
	if err != nil {
		if observed {
			n.jobsMu.Lock()
			delete(n.jobs, job.ID)
			n.jobsMu.Unlock()
		}
		return "", err
	}
	return id, nil
}

func (n *Node) enqueue(ctx context.Context, job *types.Job) (types.JobID, error) {
	client, err := n.pool.Broker(n.config.Broker)
	if err != nil {
		return "", types.Transport(err)
	}
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	reply, err := client.Enqueue(ctx, job)
	if err != nil {
		return "", types.Transport(err)
	}
	return reply.ID, nil
}

// SaveFunc 非同步送出任務，結果交給 fn
func (b *JobBuilder) SaveFunc(ctx context.Context, fn func(types.JobID, error)) {
	go func() {
		fn(b.Save(ctx))
	}()
}

// handleJobEvent 處理 broker 透過 `_job` 送來的任務結果
func (n *Node) handleJobEvent(data json.RawMessage) error {
	var ev types.JobEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode job event: %w", err)
	}

	n.jobsMu.Lock()
	obs, ok := n.jobs[ev.ID]
	delete(n.jobs, ev.ID)
	n.jobsMu.Unlock()
	if !ok {
		return nil
	}

	go func() {
		switch ev.State {
		case types.JobComplete:
			result := ev.Result
			if len(result) == 0 {
				result = json.RawMessage("null")
			}
			for _, fn := range obs.onComplete {
				fn(result)
			}
		case types.JobFailed:
			for _, fn := range obs.onFailed {
				fn(ev.Error)
			}
		}
	}()
	return nil
}
