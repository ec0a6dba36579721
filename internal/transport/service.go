// ============================================================================
// spinal wire services
// ============================================================================
//
// Package: internal/transport
// 文件: service.go
// 功能: 以手寫的 grpc.ServiceDesc 定義節點與 broker 的 RPC 介面
//
// 所有訊息都是 google.protobuf.BytesValue，內容為 pkg/types 中 JSON 形狀的原始位元組：
//
//   spinal.v1.Node/Call          Request  -> Response
//   spinal.v1.Broker/Handshake   NodeInfo -> Ack
//   spinal.v1.Broker/Heartbeat   NodeInfo -> Ack
//   spinal.v1.Broker/Bye         ByeRequest -> Ack
//   spinal.v1.Broker/Route       RouteRequest -> RouteReply
//   spinal.v1.Broker/Nodes       Empty -> NodesReply
//   spinal.v1.Broker/Enqueue     Job -> EnqueueReply
//   spinal.v1.Broker/QueueStats  Empty -> QueueStats
//
// ============================================================================

package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/spinal/pkg/types"
)

const (
	NodeServiceName   = "spinal.v1.Node"
	BrokerServiceName = "spinal.v1.Broker"
)

// ============================================================================
// 訊息定義
// ============================================================================

// Empty 沒有內容的請求
type Empty struct{}

// Ack 一般性的回覆
type Ack struct {
	OK bool `json:"ok"`
	// Registered 心跳時 broker 不認得此節點而重新註冊
	Registered bool `json:"registered,omitempty"`
}

// ByeRequest 節點主動離開
type ByeRequest struct {
	ID types.NodeID `json:"id"`
}

// RouteRequest 查詢 `namespace.method` 的下一個提供者
type RouteRequest struct {
	Key string `json:"key"`
}

// RouteReply Found 為 false 時沒有任何提供者
type RouteReply struct {
	Found bool            `json:"found"`
	Node  *types.NodeInfo `json:"node,omitempty"`
}

// NodesReply 可見節點列表
type NodesReply struct {
	Nodes []types.NodeInfo `json:"nodes"`
}

// EnqueueReply 任務已被接受
type EnqueueReply struct {
	ID types.JobID `json:"id"`
}

// ============================================================================
// 服務介面
// ============================================================================

// NodeServer 節點端服務
type NodeServer interface {
	Call(ctx context.Context, req *types.Request) (*types.Response, error)
}

// BrokerServer broker 端服務
type BrokerServer interface {
	Handshake(ctx context.Context, info *types.NodeInfo) (*Ack, error)
	Heartbeat(ctx context.Context, info *types.NodeInfo) (*Ack, error)
	Bye(ctx context.Context, req *ByeRequest) (*Ack, error)
	Route(ctx context.Context, req *RouteRequest) (*RouteReply, error)
	Nodes(ctx context.Context, req *Empty) (*NodesReply, error)
	Enqueue(ctx context.Context, job *types.Job) (*EnqueueReply, error)
	QueueStats(ctx context.Context, req *Empty) (*types.QueueStats, error)
}

// RegisterNodeServer 將節點服務註冊到 gRPC server
func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

// RegisterBrokerServer 將 broker 服務註冊到 gRPC server
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&brokerServiceDesc, srv)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: NodeServiceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: unaryHandler(NodeServiceName+"/Call", NodeServer.Call)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "spinal/v1/spinal.proto",
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: BrokerServiceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handshake", Handler: unaryHandler(BrokerServiceName+"/Handshake", BrokerServer.Handshake)},
		{MethodName: "Heartbeat", Handler: unaryHandler(BrokerServiceName+"/Heartbeat", BrokerServer.Heartbeat)},
		{MethodName: "Bye", Handler: unaryHandler(BrokerServiceName+"/Bye", BrokerServer.Bye)},
		{MethodName: "Route", Handler: unaryHandler(BrokerServiceName+"/Route", BrokerServer.Route)},
		{MethodName: "Nodes", Handler: unaryHandler(BrokerServiceName+"/Nodes", BrokerServer.Nodes)},
		{MethodName: "Enqueue", Handler: unaryHandler(BrokerServiceName+"/Enqueue", BrokerServer.Enqueue)},
		{MethodName: "QueueStats", Handler: unaryHandler(BrokerServiceName+"/QueueStats", BrokerServer.QueueStats)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "spinal/v1/spinal.proto",
}

// unaryHandler 將型別化的方法包裝成 grpc.MethodHandler
func unaryHandler[S, Req, Resp any](fullMethod string, call func(S, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, msg any) (any, error) {
			req := new(Req)
			if err := Decode(msg.(*wrapperspb.BytesValue), req); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			resp, err := call(srv.(S), ctx, req)
			if err != nil {
				return nil, err
			}
			return Encode(resp)
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

// ============================================================================
// 客戶端
// ============================================================================

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, fullMethod string, req any, opts ...grpc.CallOption) (*Resp, error) {
	in, err := Encode(req)
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := cc.Invoke(ctx, "/"+fullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := Decode(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// NodeClient 呼叫遠端節點
type NodeClient struct {
	cc grpc.ClientConnInterface
}

// NewNodeClient 建立節點客戶端
func NewNodeClient(cc grpc.ClientConnInterface) *NodeClient {
	return &NodeClient{cc: cc}
}

// Call 呼叫遠端節點的方法
func (c *NodeClient) Call(ctx context.Context, req *types.Request, opts ...grpc.CallOption) (*types.Response, error) {
	return invoke[types.Response](ctx, c.cc, NodeServiceName+"/Call", req, opts...)
}

// BrokerClient 呼叫 broker
type BrokerClient struct {
	cc grpc.ClientConnInterface
}

// NewBrokerClient 建立 broker 客戶端
func NewBrokerClient(cc grpc.ClientConnInterface) *BrokerClient {
	return &BrokerClient{cc: cc}
}

func (c *BrokerClient) Handshake(ctx context.Context, info *types.NodeInfo) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, BrokerServiceName+"/Handshake", info)
}

func (c *BrokerClient) Heartbeat(ctx context.Context, info *types.NodeInfo) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, BrokerServiceName+"/Heartbeat", info)
}

func (c *BrokerClient) Bye(ctx context.Context, id types.NodeID) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, BrokerServiceName+"/Bye", &ByeRequest{ID: id})
}

func (c *BrokerClient) Route(ctx context.Context, key string) (*RouteReply, error) {
	return invoke[RouteReply](ctx, c.cc, BrokerServiceName+"/Route", &RouteRequest{Key: key})
}

func (c *BrokerClient) Nodes(ctx context.Context) (*NodesReply, error) {
	return invoke[NodesReply](ctx, c.cc, BrokerServiceName+"/Nodes", &Empty{})
}

func (c *BrokerClient) Enqueue(ctx context.Context, job *types.Job) (*EnqueueReply, error) {
	return invoke[EnqueueReply](ctx, c.cc, BrokerServiceName+"/Enqueue", job)
}

func (c *BrokerClient) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	return invoke[types.QueueStats](ctx, c.cc, BrokerServiceName+"/QueueStats", &Empty{})
}
