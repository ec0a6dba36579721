package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultMaxMessageSize 預設訊息大小上限（bytes）
const DefaultMaxMessageSize = 4 << 20

// Pool 依位址快取 gRPC 連線，避免每次呼叫都重新建立
type Pool struct {
	mu             sync.Mutex
	conns          map[string]*grpc.ClientConn
	maxMessageSize int
}

// NewPool 建立連線池，maxMessageSize <= 0 時使用預設值
func NewPool(maxMessageSize int) *Pool {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Pool{
		conns:          make(map[string]*grpc.ClientConn),
		maxMessageSize: maxMessageSize,
	}
}

// Get 取得指定位址的連線
func (p *Pool) Get(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(p.maxMessageSize),
			grpc.MaxCallSendMsgSize(p.maxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	p.conns[addr] = conn
	return conn, nil
}

// Node 取得指定位址的節點客戶端
func (p *Pool) Node(addr string) (*NodeClient, error) {
	conn, err := p.Get(addr)
	if err != nil {
		return nil, err
	}
	return NewNodeClient(conn), nil
}

// Broker 取得指定位址的 broker 客戶端
func (p *Pool) Broker(addr string) (*BrokerClient, error) {
	conn, err := p.Get(addr)
	if err != nil {
		return nil, err
	}
	return NewBrokerClient(conn), nil
}

// Drop 關閉並移除指定位址的連線（例如對端已離線）
func (p *Pool) Drop(addr string) {
	p.mu.Lock()
	conn, ok := p.conns[addr]
	delete(p.conns, addr)
	p.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Close 關閉所有連線
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*grpc.ClientConn)
	p.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// NewServer 建立套用訊息大小上限的 gRPC server
func NewServer(maxMessageSize int, opts ...grpc.ServerOption) *grpc.Server {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}, opts...)
	return grpc.NewServer(opts...)
}
