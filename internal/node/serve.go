package node

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/spinal/internal/cache"
	"github.com/ChuLiYu/spinal/internal/metrics"
	"github.com/ChuLiYu/spinal/internal/transport"
	"github.com/ChuLiYu/spinal/pkg/types"
)

const cacheWriteTimeout = time.Second

var pong = json.RawMessage(`"pong"`)

// server 將 gRPC 呼叫轉交給節點
type server struct {
	node *Node
}

var _ transport.NodeServer = (*server)(nil)

func (s *server) Call(ctx context.Context, req *types.Request) (*types.Response, error) {
	return s.node.serve(ctx, req), nil
}

// serve 執行一次呼叫並組成回應封包；遠端與本機呼叫共用
func (n *Node) serve(ctx context.Context, req *types.Request) *types.Response {
	header := types.Header{NodeID: n.id}

	method, err := n.localMethod(req.Name)
	if err != nil {
		return types.ErrorResponse(err, header)
	}
	key := types.MethodKey(n.config.Namespace, method)

	switch method {
	case types.MethodPing:
		if n.draining.Load() {
			return types.ErrorResponse(drainingError(), header)
		}
		return &types.Response{Data: pong, Header: header}
	case types.MethodJobEvent:
		if err := n.handleJobEvent(req.Data); err != nil {
			return types.ErrorResponse(err, header)
		}
		return &types.Response{Data: json.RawMessage("null"), Header: header}
	}

	if n.draining.Load() {
		n.metrics.RecordInbound(key, metrics.ResultError)
		return types.ErrorResponse(drainingError(), header)
	}

	h, ok := n.handler(method)
	if !ok {
		n.metrics.RecordInbound(key, metrics.ResultError)
		return types.ErrorResponse(types.NotFoundf("method %s not found", key), header)
	}

	if req.Options.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Options.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	res := newResponse()
	go n.invoke(h, newInput(key, req.Data), res)

	select {
	case <-res.Done():
	case <-ctx.Done():
		n.metrics.RecordInbound(key, metrics.ResultTimeout)
		timeout := time.Duration(req.Options.TimeoutMs) * time.Millisecond
		return types.ErrorResponse(&types.TimeoutError{Method: key, Timeout: timeout}, header)
	}

	data, logs, err := res.result()
	header.Logs = logs
	if err != nil {
		n.metrics.RecordInbound(key, metrics.ResultError)
		return types.ErrorResponse(err, header)
	}

	n.writeCache(ctx, key, req, res, data, &header)
	n.metrics.RecordInbound(key, metrics.ResultOK)
	return &types.Response{Data: data, Header: header}
}

// invoke 執行 handler；panic 轉為失敗回覆
func (n *Node) invoke(h Handler, in *Input, res *Response) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Handler panic", "method", in.Method, "panic", r)
			res.Error(&types.RemoteError{
				Message: fmt.Sprintf("handler %s panic: %v", in.Method, r),
				Stack:   string(debug.Stack()),
			})
		}
	}()
	h(in, res)
}

// localMethod 將請求名稱轉為本節點的方法名稱；帶有其他 namespace 時回傳 NotFoundError
func (n *Node) localMethod(name string) (string, error) {
	ns, method, ok := types.SplitMethodKey(name)
	if !ok {
		return name, nil
	}
	if ns != n.config.Namespace {
		return "", types.NotFoundf("namespace %s not served by this node", ns)
	}
	return method, nil
}

// writeCache handler 要求快取時把結果寫入 store，並在 header 標記 cache_id
func (n *Node) writeCache(ctx context.Context, key string, req *types.Request, res *Response, data json.RawMessage, header *types.Header) {
	ttl, id, byContent := res.cacheRequest()
	if ttl <= 0 || n.config.Store == nil {
		return
	}
	if id == "" && !byContent {
		id = req.Options.CacheID
	}
	if id == "" {
		contentID, err := cache.ContentID(req.Data)
		if err != nil {
			n.logger.Warn("Cannot derive cache id", "method", key, "error", err)
			return
		}
		id = contentID
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()
	if err := n.config.Store.Set(writeCtx, cache.Key(n.config.CachePrefix, key, id), data, ttl); err != nil {
		n.logger.Warn("Cache write failed", "method", key, "error", err)
		return
	}
	header.CacheID = id
}

func drainingError() *types.RemoteError {
	return &types.RemoteError{Message: types.ErrDraining.Error(), Type: types.TypeDraining}
}
