// Package types 定義了 spinal 系統中節點、路由與呼叫封包的核心領域模型
package types

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"
)

// NodeID 節點唯一識別碼（程序生命週期內唯一，重新啟動後重新產生）
type NodeID string

// NodeState 節點生命週期狀態
type NodeState string

// 定義節點狀態常數
const (
	StateRegistering  NodeState = "registering"  // 已建立但尚未完成與 broker 的握手
	StateConnected    NodeState = "connected"    // 已啟動並對外提供服務
	StateDisconnected NodeState = "disconnected" // 已停止或被 broker 判定失聯
)

// 保留字與內部方法名稱
const (
	HiddenPrefix   = "$"       // 以此開頭的 namespace 可被路由，但不出現在節點列表
	WorkerSuffix   = ":worker" // worker 方法在方法表中的後綴
	MethodPing     = "_ping"   // 內建存活檢查，不經過方法表
	MethodJobEvent = "_job"    // broker 回報任務完成/失敗給送出任務的節點
	CallerIDField  = "_caller_id"
)

var reservedNamespaces = map[string]struct{}{
	"broker":  {},
	"queue":   {},
	"on":      {},
	"emit":    {},
	"methods": {},
}

// IsReservedNamespace 檢查 namespace 是否為保留字
func IsReservedNamespace(ns string) bool {
	_, ok := reservedNamespaces[ns]
	return ok
}

// MethodKey 組合 `namespace.method` 路由鍵
func MethodKey(namespace, method string) string {
	return namespace + "." + method
}

// SplitMethodKey 將路由鍵拆成 namespace 與方法名稱，沒有 `.` 時 ok 為 false
func SplitMethodKey(key string) (namespace, method string, ok bool) {
	return strings.Cut(key, ".")
}

// NodeInfo 節點身分，握手與心跳時送往 broker
type NodeInfo struct {
	ID                  NodeID    `json:"id"`                        // 節點 ID
	Namespace           string    `json:"namespace"`                 // 所屬 namespace
	Hostname            string    `json:"hostname"`                  // 對外公布的主機名稱
	Port                int       `json:"port"`                      // 對外公布的埠號
	Methods             []string  `json:"methods"`                   // 提供的方法名稱（不含 namespace）
	HeartbeatIntervalMs int64     `json:"heartbeat_interval_ms"`     // 心跳間隔（毫秒）
	State               NodeState `json:"state,omitempty"`           // 生命週期狀態
	LastHeartbeat       int64     `json:"last_heartbeat,omitempty"`  // 最後心跳時間（Unix 毫秒，由 broker 填入）
	RegisteredAt        int64     `json:"registered_at,omitempty"`   // 首次握手時間（Unix 毫秒，由 broker 填入）
}

// Address 回傳 host:port
func (n NodeInfo) Address() string {
	return net.JoinHostPort(n.Hostname, strconv.Itoa(n.Port))
}

// HeartbeatInterval 以 time.Duration 表示心跳間隔
func (n NodeInfo) HeartbeatInterval() time.Duration {
	return time.Duration(n.HeartbeatIntervalMs) * time.Millisecond
}

// Hidden 回傳此節點是否應從節點列表中隱藏
func (n NodeInfo) Hidden() bool {
	return strings.HasPrefix(n.Namespace, HiddenPrefix)
}

// Header 回應的中繼資料，不屬於 payload
type Header struct {
	FromCache bool     `json:"from_cache,omitempty"` // 回應來自快取
	CacheID   string   `json:"cache_id,omitempty"`   // 提供端寫入快取時使用的 cache id
	Logs      []string `json:"logs,omitempty"`       // handler 透過 Log 累積的訊息
	NodeID    NodeID   `json:"node_id,omitempty"`    // 實際處理呼叫的節點
}

// RequestOptions 隨請求傳送的呼叫選項
type RequestOptions struct {
	TimeoutMs int64  `json:"timeout,omitempty"`
	CacheID   string `json:"cache_id,omitempty"`
}

// Request 呼叫封包 `{name, data, options}`
type Request struct {
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Options RequestOptions  `json:"options"`
}

// Response 回應封包。成功時為 `{data, header}`，
// 失敗時另外帶有 message/stack 以及可選的 type/source。
type Response struct {
	Data    json.RawMessage `json:"data"`
	Header  Header          `json:"header"`
	Message string          `json:"message,omitempty"`
	Stack   string          `json:"stack,omitempty"`
	Type    string          `json:"type,omitempty"`
	Source  string          `json:"source,omitempty"`
}

// Failed 回傳此回應是否代表失敗
func (r *Response) Failed() bool {
	return r.Message != "" || r.Type != "" || r.Source != ""
}

// Err 將失敗回應還原為 *RemoteError，成功時回傳 nil
func (r *Response) Err() error {
	if !r.Failed() {
		return nil
	}
	return &RemoteError{
		Message: r.Message,
		Stack:   r.Stack,
		Type:    r.Type,
		Source:  r.Source,
		Data:    r.Data,
	}
}

// ErrorResponse 由錯誤建立失敗回應，保留（可能被包裝的）RemoteError 的 type/source
func ErrorResponse(err error, header Header) *Response {
	resp := &Response{Header: header, Data: json.RawMessage("null")}
	var re *RemoteError
	if errors.As(err, &re) {
		// 被包裝時訊息帶上外層的說明
		resp.Message = err.Error()
		resp.Stack = re.Stack
		resp.Type = re.Type
		resp.Source = re.Source
		if len(re.Data) > 0 {
			resp.Data = re.Data
		}
		return resp
	}
	resp.Message = err.Error()
	resp.Stack = stackOf(err)
	switch {
	case isNotFound(err):
		resp.Type = TypeNotFound
	case isTimeout(err):
		resp.Type = TypeTimeout
	}
	return resp
}
