package node

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/spinal/pkg/types"
)

// Handler 處理一次呼叫；必須透過 res 回覆恰好一次，之後的回覆會被忽略
type Handler func(in *Input, res *Response)

// Input 呼叫的輸入
type Input struct {
	Method string // namespace.method
	data   json.RawMessage
}

func newInput(method string, data json.RawMessage) *Input {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return &Input{Method: method, data: data}
}

// Raw 回傳原始 JSON
func (in *Input) Raw() json.RawMessage { return in.data }

// IsNull 呼叫端沒有提供輸入
func (in *Input) IsNull() bool {
	return bytes.Equal(bytes.TrimSpace(in.data), []byte("null"))
}

// Bind 將輸入解碼到 v
func (in *Input) Bind(v any) error {
	return json.Unmarshal(in.data, v)
}

// Response 單次呼叫的回覆建構器
//
// 每次呼叫建立一個，只由處理該呼叫的 handler 使用。
type Response struct {
	mu      sync.Mutex
	done    chan struct{}
	replied bool

	data json.RawMessage
	err  error
	logs []string

	cacheTTL       time.Duration
	cacheKey       string
	cacheByContent bool
}

func newResponse() *Response {
	return &Response{done: make(chan struct{})}
}

// Reply 主要的回覆方法；err 為 nil 或「結構上為空」時視為成功
//
// 結構上為空的錯誤（沒有訊息、type 或 source）回覆為 data = null 的成功。
func (r *Response) Reply(err error, data any) {
	if err != nil && emptyError(err) {
		r.finish(json.RawMessage("null"), nil)
		return
	}
	if err != nil {
		r.finish(nil, err)
		return
	}
	raw, encErr := encode(data)
	if encErr != nil {
		r.finish(nil, fmt.Errorf("encode reply: %w", encErr))
		return
	}
	r.finish(raw, nil)
}

// Send 成功回覆
func (r *Response) Send(data any) {
	r.Reply(nil, data)
}

// Error 失敗回覆；v 可以是 error 或訊息字串
func (r *Response) Error(v any) {
	switch e := v.(type) {
	case nil:
		r.Reply(nil, nil)
	case error:
		r.Reply(e, nil)
	case string:
		r.Reply(errors.New(e), nil)
	default:
		r.Reply(fmt.Errorf("%v", e), nil)
	}
}

// Log 附加一行訊息到回應的 header.logs
func (r *Response) Log(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.replied {
		r.logs = append(r.logs, message)
	}
}

// Cache 要求把成功的回覆以 key 寫入快取；key 為空時使用呼叫端的 cache_id，
// 沒有的話使用輸入的內容雜湊
func (r *Response) Cache(ttl time.Duration, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ttl <= 0 {
		return
	}
	r.cacheTTL = ttl
	r.cacheKey = key
	r.cacheByContent = false
}

// CacheByContent 以輸入的內容雜湊作為快取 key
func (r *Response) CacheByContent(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ttl <= 0 {
		return
	}
	r.cacheTTL = ttl
	r.cacheKey = ""
	r.cacheByContent = true
}

// finish 第一次回覆生效
func (r *Response) finish(data json.RawMessage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replied {
		return
	}
	r.replied = true
	r.data = data
	r.err = err
	close(r.done)
}

// Done 在 handler 回覆後關閉
func (r *Response) Done() <-chan struct{} { return r.done }

// result 讀取回覆內容；只在 Done 關閉後呼叫
func (r *Response) result() (json.RawMessage, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, append([]string(nil), r.logs...), r.err
}

func (r *Response) cacheRequest() (ttl time.Duration, key string, byContent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cacheTTL, r.cacheKey, r.cacheByContent
}

// emptyError 沒有訊息，也沒有 type/source 的錯誤
func emptyError(err error) bool {
	if err.Error() != "" {
		return false
	}
	var re *types.RemoteError
	if errors.As(err, &re) {
		return re.Empty()
	}
	return true
}

// encode 將任意值轉為 JSON；nil 為 null，json.RawMessage 原樣使用
func encode(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(d) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(d) {
			return nil, errors.New("invalid JSON")
		}
		return d, nil
	}
	return json.Marshal(v)
}
