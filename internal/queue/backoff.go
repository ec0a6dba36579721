package queue

import (
	"sort"
	"time"

	"github.com/ChuLiYu/spinal/pkg/types"
)

// maxBackoff 指數退避的上限
const maxBackoff = time.Hour

// NextDelay 計算失敗後下一次派發前的等待時間
//
//   - 沒有 backoff：立即重試
//   - fixed：固定等待 backoff.delay，未設定時使用任務的 delay
//   - exponential：delay * 2^(attempts-1)，上限一小時
//
// 未知的策略在 Enqueue 時就被拒絕，這裡視為不等待。
func NextDelay(job *types.Job) time.Duration {
	if job.Backoff == nil {
		return 0
	}

	base := time.Duration(job.Backoff.DelayMs) * time.Millisecond
	if base <= 0 {
		base = job.Delay()
	}
	if base <= 0 {
		return 0
	}

	switch job.Backoff.Type {
	case types.BackoffExponential:
		attempts := job.Attempts
		if attempts < 1 {
			attempts = 1
		}
		d := base
		for i := 1; i < attempts; i++ {
			d *= 2
			if d >= maxBackoff {
				return maxBackoff
			}
		}
		return d
	case types.BackoffFixed:
		return base
	default:
		return 0
	}
}

func sortByOrder(ids []types.JobID, jobs map[types.JobID]*types.Job) {
	sort.SliceStable(ids, func(i, j int) bool {
		return less(jobs[ids[i]], jobs[ids[j]])
	})
}
