package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobState 任務狀態
type JobState string

// 定義任務狀態常數
const (
	JobInactive JobState = "inactive" // 等待派發（包含延遲中與重試等待中）
	JobActive   JobState = "active"   // 已派發給 worker，等待結果
	JobComplete JobState = "complete" // worker 回報成功
	JobFailed   JobState = "failed"   // 嘗試次數用盡
)

// Priority 任務優先權，數值越小越優先
type Priority int

const (
	PriorityLow      Priority = 10
	PriorityNormal   Priority = 0
	PriorityMedium   Priority = -5
	PriorityHigh     Priority = -10
	PriorityCritical Priority = -15
)

var priorityNames = map[string]Priority{
	"low":      PriorityLow,
	"normal":   PriorityNormal,
	"medium":   PriorityMedium,
	"high":     PriorityHigh,
	"critical": PriorityCritical,
}

// ParsePriority 將名稱轉為 Priority
func ParsePriority(name string) (Priority, error) {
	p, ok := priorityNames[strings.ToLower(name)]
	if !ok {
		return PriorityNormal, fmt.Errorf("unknown priority %q", name)
	}
	return p, nil
}

// Valid 回傳 p 是否為五個具名優先權之一
func (p Priority) Valid() bool {
	for _, v := range priorityNames {
		if v == p {
			return true
		}
	}
	return false
}

func (p Priority) String() string {
	for name, v := range priorityNames {
		if v == p {
			return name
		}
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// BackoffType 重試延遲策略
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff 重試延遲設定
type Backoff struct {
	Type    BackoffType `json:"type" msgpack:"type"`
	DelayMs int64       `json:"delay" msgpack:"delay"`
}

// Valid 回傳 t 是否為已知的重試策略
func (t BackoffType) Valid() bool {
	return t == BackoffFixed || t == BackoffExponential
}

// CheckOptions 檢查任務的優先權與重試策略
func (j *Job) CheckOptions() error {
	if !j.Priority.Valid() {
		return Configf("unknown priority %d (want low, normal, medium, high or critical)", int(j.Priority))
	}
	if j.Backoff != nil && !j.Backoff.Type.Valid() {
		return Configf("unknown backoff type %q (want fixed or exponential)", j.Backoff.Type)
	}
	return nil
}

// Job 任務紀錄，由 broker 持久化在 store 中
type Job struct {
	ID               JobID           `json:"id" msgpack:"id"`
	Type             string          `json:"type" msgpack:"type"` // namespace.method
	Payload          json.RawMessage `json:"payload" msgpack:"payload"`
	CallerID         NodeID          `json:"caller_id" msgpack:"caller_id"`
	Priority         Priority        `json:"priority" msgpack:"priority"`
	MaxAttempts      int             `json:"max_attempts" msgpack:"max_attempts"`
	Attempts         int             `json:"attempts" msgpack:"attempts"`
	TTLMs            int64           `json:"ttl,omitempty" msgpack:"ttl"`
	DelayMs          int64           `json:"delay,omitempty" msgpack:"delay"`
	Backoff          *Backoff        `json:"backoff,omitempty" msgpack:"backoff"`
	RemoveOnComplete bool            `json:"remove_on_complete,omitempty" msgpack:"remove_on_complete"`

	State    JobState        `json:"state" msgpack:"state"`
	Result   json.RawMessage `json:"result,omitempty" msgpack:"result"`
	Error    string          `json:"error,omitempty" msgpack:"error"`
	WorkerID NodeID          `json:"worker_id,omitempty" msgpack:"worker_id"`

	Seq       uint64 `json:"seq" msgpack:"seq"`               // 同優先權下的 FIFO 順序
	CreatedAt int64  `json:"created_at" msgpack:"created_at"` // Unix 毫秒
	UpdatedAt int64  `json:"updated_at" msgpack:"updated_at"`
	RunAt     int64  `json:"run_at" msgpack:"run_at"` // 最早可派發時間
}

// TTL 以 time.Duration 表示單次執行的存活時間
func (j *Job) TTL() time.Duration {
	return time.Duration(j.TTLMs) * time.Millisecond
}

// Delay 以 time.Duration 表示首次派發延遲
func (j *Job) Delay() time.Duration {
	return time.Duration(j.DelayMs) * time.Millisecond
}

// Terminal 回傳任務是否已進入終止狀態
func (j *Job) Terminal() bool {
	return j.State == JobComplete || j.State == JobFailed
}

// JobEvent broker 透過 `_job` 方法回報給送出任務的節點
type JobEvent struct {
	ID     JobID           `json:"id"`
	State  JobState        `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// QueueStats 佇列統計
type QueueStats struct {
	Inactive int            `json:"inactive"`
	Active   int            `json:"active"`
	Complete int            `json:"complete"`
	Failed   int            `json:"failed"`
	Workers  map[string]int `json:"workers"` // 任務類型 -> 存活 worker 數
}
