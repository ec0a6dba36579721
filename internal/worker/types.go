package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ChuLiYu/spinal/pkg/types"
)

// Task 代表一次任務投遞：把 Job 交給指定的 worker 節點
type Task struct {
	Job     *types.Job     // 要投遞的任務
	Worker  types.NodeInfo // 目標 worker 節點
	Timeout time.Duration  // 投遞超時時間，0 代表不限制
}

// Result 代表投遞結果
type Result struct {
	JobID    types.JobID     // 任務 ID
	Worker   types.NodeID    // 實際執行的 worker 節點
	Success  bool            // 執行是否成功
	Data     json.RawMessage // worker 回傳的結果
	Error    error           // 錯誤訊息（如果有）
	Duration time.Duration   // 實際執行時間
}

// Executor 執行一次投遞
type Executor interface {
	Execute(ctx context.Context, task Task) (json.RawMessage, error)
}

// ExecutorFunc 讓一般函式可以當作 Executor
type ExecutorFunc func(ctx context.Context, task Task) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	return f(ctx, task)
}
