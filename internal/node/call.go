package node

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/ChuLiYu/spinal/internal/cache"
	"github.com/ChuLiYu/spinal/internal/events"
	"github.com/ChuLiYu/spinal/internal/metrics"
	"github.com/ChuLiYu/spinal/pkg/types"
)

// ============================================================================
// 呼叫選項
// ============================================================================

type callOptions struct {
	timeout      time.Duration
	cacheID      string
	contentCache bool
	port         int
}

// CallOption 設定單次呼叫
type CallOption func(*callOptions)

// WithTimeout 覆寫這次呼叫的逾時
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithCacheID 先以 id 查詢快取，並要求提供端以 id 寫入快取
func WithCacheID(id string) CallOption {
	return func(o *callOptions) { o.cacheID = id }
}

// WithContentCache 以輸入的內容雜湊作為 cache id
func WithContentCache() CallOption {
	return func(o *callOptions) { o.contentCache = true }
}

// WithPort 直接呼叫本機指定埠，略過路由
func WithPort(port int) CallOption {
	return func(o *callOptions) { o.port = port }
}

// ============================================================================
// 呼叫結果
// ============================================================================

// Result 成功呼叫的結果
type Result struct {
	Data   json.RawMessage
	Header types.Header
}

// Bind 將結果解碼到 v
func (r *Result) Bind(v any) error {
	return json.Unmarshal(r.Data, v)
}

// IsNull 結果為 null
func (r *Result) IsNull() bool {
	return newInput("", r.Data).IsNull()
}

// Call 進行中的呼叫；Done 在結果就緒時關閉
type Call struct {
	Method string
	Result *Result
	Err    error
	Done   chan struct{}
}

// Wait 等待結果
func (c *Call) Wait() (*Result, error) {
	<-c.Done
	return c.Result, c.Err
}

// ============================================================================
// 呼叫入口
// ============================================================================

// Go 非同步呼叫 name，立即回傳；name 沒有 namespace 時使用自己的 namespace
func (n *Node) Go(ctx context.Context, name string, input any, opts ...CallOption) *Call {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = n.callTimeout()
	}

	key := n.qualify(name)
	c := &Call{Method: key, Done: make(chan struct{})}

	data, err := encode(input)
	if err != nil {
		c.Err = err
		close(c.Done)
		return c
	}

	n.outbound.Add(1)
	go func() {
		defer n.outbound.Done()
		defer close(c.Done)
		c.Result, c.Err = n.call(ctx, key, data, o)
	}()
	return c
}

// Call 同步呼叫 name
func (n *Node) Call(ctx context.Context, name string, input any, opts ...CallOption) (*Result, error) {
	return n.Go(ctx, name, input, opts...).Wait()
}

// CallFunc 呼叫 name，結果交給 fn；fn 在另一個 goroutine 執行
func (n *Node) CallFunc(ctx context.Context, name string, input any, fn func(*Result, error), opts ...CallOption) {
	c := n.Go(ctx, name, input, opts...)
	go func() {
		fn(c.Wait())
	}()
}

// Ping 呼叫 namespace 的 `_ping`；namespace 為空時檢查自己
func (n *Node) Ping(ctx context.Context, namespace string) error {
	if namespace == "" {
		namespace = n.config.Namespace
	}
	res, err := n.Call(ctx, types.MethodKey(namespace, types.MethodPing), nil)
	if err != nil {
		return err
	}
	var reply string
	if err := res.Bind(&reply); err != nil || reply != "pong" {
		return errors.New("unexpected ping reply")
	}
	return nil
}

func (n *Node) qualify(name string) string {
	if _, _, ok := types.SplitMethodKey(name); ok {
		return name
	}
	return types.MethodKey(n.config.Namespace, name)
}

// call 依序查詢快取、解析目的地並送出；逾時後的回應會被丟棄
func (n *Node) call(ctx context.Context, key string, data json.RawMessage, o callOptions) (*Result, error) {
	start := time.Now()
	n.bus.Publish(events.NodeCall, string(n.id), map[string]any{"method": key})

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	res, err := n.cachedOrSend(ctx, key, data, o)

	outcome := metrics.ResultOK
	switch {
	case errors.Is(err, types.ErrTimeout):
		outcome = metrics.ResultTimeout
	case err != nil:
		outcome = metrics.ResultError
	}
	n.metrics.RecordCall(key, outcome, time.Since(start))
	n.bus.Publish(events.NodeCallDone, string(n.id), map[string]any{"method": key, "result": outcome})
	return res, err
}

func (n *Node) cachedOrSend(ctx context.Context, key string, data json.RawMessage, o callOptions) (*Result, error) {
	cacheID := o.cacheID
	if cacheID == "" && o.contentCache {
		id, err := cache.ContentID(data)
		if err != nil {
			return nil, err
		}
		cacheID = id
	}

	if cacheID != "" && n.config.Store != nil {
		cached, err := n.config.Store.Get(ctx, cache.Key(n.config.CachePrefix, key, cacheID))
		switch {
		case err == nil:
			n.metrics.RecordCacheLookup(true)
			return &Result{Data: cached, Header: types.Header{FromCache: true, CacheID: cacheID}}, nil
		case errors.Is(err, cache.ErrMiss):
			n.metrics.RecordCacheLookup(false)
		default:
			n.logger.Warn("Cache lookup failed", "method", key, "error", err)
		}
	}

	req := &types.Request{
		Data:    data,
		Options: types.RequestOptions{TimeoutMs: o.timeout.Milliseconds(), CacheID: cacheID},
	}

	type outcome struct {
		resp *types.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := n.send(ctx, key, req, o)
		done <- outcome{resp, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Failed() {
			return nil, out.resp.Err()
		}
		resData := out.resp.Data
		if len(resData) == 0 {
			resData = json.RawMessage("null")
		}
		return &Result{Data: resData, Header: out.resp.Header}, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &types.TimeoutError{Method: key, Timeout: o.timeout}
		}
		return nil, ctx.Err()
	}
}

// ============================================================================
// 目的地解析
// ============================================================================

// destination 呼叫目的地；local 時在程序內執行
type destination struct {
	local  bool
	direct bool // 依埠號直連，對端 namespace 未經確認
	addr   string
}

// resolve 解析 key 的目的地，優先順序：
//  1. WithPort 指定的本機埠
//  2. StaticRouting 時的 PortMap
//  3. 自己的 namespace 且方法在本機
//  4. broker 的 round-robin 路由
//  5. HostnamePrefix + namespace + HostnameSuffix : ServicePort
func (n *Node) resolve(ctx context.Context, key string, o callOptions) (destination, error) {
	ns, method, _ := types.SplitMethodKey(key)

	if o.port > 0 {
		return destination{direct: true, addr: localAddr(o.port)}, nil
	}
	if n.config.StaticRouting {
		if port, ok := n.config.PortMap[ns]; ok {
			return destination{direct: true, addr: localAddr(port)}, nil
		}
	}
	if ns == n.config.Namespace {
		if method == types.MethodPing || method == types.MethodJobEvent {
			return destination{local: true}, nil
		}
		if _, ok := n.handler(method); ok {
			return destination{local: true}, nil
		}
		if n.config.Broker == "" {
			return destination{}, types.NotFoundf("method %s not found", key)
		}
	}

	if n.config.Broker != "" {
		client, err := n.pool.Broker(n.config.Broker)
		if err != nil {
			return destination{}, types.Transport(err)
		}
		reply, err := client.Route(ctx, key)
		if err != nil {
			return destination{}, types.Transport(err)
		}
		if !reply.Found || reply.Node == nil {
			return destination{}, types.NotFoundf("method %s not found", key)
		}
		if reply.Node.ID == n.id {
			return destination{local: true}, nil
		}
		return destination{addr: reply.Node.Address()}, nil
	}

	host := n.config.HostnamePrefix + ns + n.config.HostnameSuffix
	return destination{addr: net.JoinHostPort(host, strconv.Itoa(n.config.ServicePort))}, nil
}

// send 把請求送到解析出的目的地
func (n *Node) send(ctx context.Context, key string, req *types.Request, o callOptions) (*types.Response, error) {
	dest, err := n.resolve(ctx, key, o)
	if err != nil {
		return nil, err
	}

	if dest.local {
		local := *req
		local.Name = key
		return n.serve(ctx, &local), nil
	}

	// 遠端只送方法名稱；依埠號直連時送完整名稱讓對端檢查 namespace
	_, method, _ := types.SplitMethodKey(key)
	remote := *req
	remote.Name = method
	if dest.direct {
		remote.Name = key
	}

	client, err := n.pool.Node(dest.addr)
	if err != nil {
		return nil, types.Transport(err)
	}
	resp, err := client.Call(ctx, &remote)
	if err != nil {
		return nil, types.Transport(err)
	}
	return resp, nil
}

func localAddr(port int) string {
	return net.JoinHostPort(localHost, strconv.Itoa(port))
}
