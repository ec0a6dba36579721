package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrConfiguration 建構或註冊時的設定錯誤，不可恢復
	ErrConfiguration = errors.New("configuration error")
	// ErrDuplicateMethod 方法名稱重複
	ErrDuplicateMethod = errors.New("method already exists")
	// ErrAlreadyConnected 節點已啟動，方法表不可再變更
	ErrAlreadyConnected = errors.New("node already connected")
	// ErrInvalidHandler handler 不是可呼叫的函式
	ErrInvalidHandler = errors.New("handler must be a function")
	// ErrNotFound 找不到方法或 namespace
	ErrNotFound = errors.New("not found")
	// ErrTimeout 呼叫逾時
	ErrTimeout = errors.New("timeout")
	// ErrInvalidPayload 任務 payload 使用了保留欄位
	ErrInvalidPayload = errors.New("`_caller_id` may not be use as job data property")
	// ErrDraining 節點正在關閉，拒絕新的呼叫
	ErrDraining = errors.New("node is draining")
)

// 錯誤類型名稱，透過回應封包的 `type` 欄位傳遞
const (
	TypeNotFound = "NotFoundError"
	TypeTimeout  = "TimeoutError"
	TypeDraining = "DrainingError"
)

// Configf 建立包裝 ErrConfiguration 的錯誤
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// TimeoutError 呼叫在設定的時間內沒有回應，訊息包含毫秒數
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s timeout after %dms", e.Method, e.Timeout.Milliseconds())
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RemoteError 包裝 handler 或傳輸層回報的失敗，保留可選的 type/source
type RemoteError struct {
	Message string
	Stack   string
	Type    string
	Source  string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is 讓 errors.Is 可以比對遠端回傳的錯誤類型
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Type == TypeNotFound
	case ErrTimeout:
		return e.Type == TypeTimeout
	case ErrDraining:
		return e.Type == TypeDraining
	}
	return false
}

// Empty 回傳錯誤是否「結構上為空」（沒有 message/type/source）
func (e *RemoteError) Empty() bool {
	return e.Message == "" && e.Type == "" && e.Source == ""
}

// NotFoundf 建立 NotFoundError
func NotFoundf(format string, args ...any) *RemoteError {
	return &RemoteError{Message: fmt.Sprintf(format, args...), Type: TypeNotFound}
}

// Transport 將傳輸層錯誤正規化為 RemoteError，保留原始錯誤文字
func Transport(err error) *RemoteError {
	return &RemoteError{Message: err.Error(), Stack: stackOf(err)}
}

func stackOf(err error) string {
	return fmt.Sprintf("%+v", err)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
