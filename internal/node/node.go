// ============================================================================
// spinal Node - 提供與呼叫具名方法的節點
// ============================================================================
//
// Package: internal/node
// 文件: node.go
// 功能: 節點生命週期、方法表與設定
//
// 生命週期:
//   New() → registering ─Start()→ connected ─Stop()→ disconnected
//                                      ↑                 │
//                                      └──── Start() ────┘
//
//   - 方法表只能在 Start 之前修改（Provide / Worker）
//   - 重複 Start 不做任何事
//   - Stop 先進入 draining：拒絕新的呼叫，等待已送出的呼叫結束（上限 GracePeriod）
//
// ============================================================================

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/spinal/internal/events"
	"github.com/ChuLiYu/spinal/internal/metrics"
	"github.com/ChuLiYu/spinal/internal/transport"
	"github.com/ChuLiYu/spinal/pkg/types"
)

// Stats 節點與 broker 之間的連線統計
type Stats struct {
	Heartbeats int64 // 成功的心跳次數
	Reconnects int64 // 與 broker 失聯後重新握手的次數
}

// Node 一個提供與呼叫方法的節點
type Node struct {
	id      types.NodeID
	config  Config
	logger  *slog.Logger
	bus     *events.Bus
	metrics *metrics.Collector
	pool    *transport.Pool
	health  *transport.Health

	mu       sync.RWMutex
	methods  map[string]Handler
	settings map[string]any
	state    types.NodeState
	port     int

	grpcServer *grpc.Server
	listener   net.Listener
	admin      *http.Server
	stopCh     chan struct{}
	loopWg     sync.WaitGroup
	outbound   sync.WaitGroup
	draining   atomic.Bool

	jobsMu sync.Mutex
	jobs   map[types.JobID]*jobObservers

	heartbeats atomic.Int64
	reconnects atomic.Int64
}

// New 建立節點；環境變數會覆寫 config 中的對應欄位
func New(config Config) (*Node, error) {
	if err := config.ApplyEnv(osLookup); err != nil {
		return nil, err
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	id := types.NodeID(uuid.NewString())
	n := &Node{
		id:       id,
		config:   config,
		logger:   slog.Default().With("component", "node", "namespace", config.Namespace, "id", id),
		bus:      events.NewBus(),
		metrics:  metrics.NewCollectorWith(config.Registerer),
		pool:     transport.NewPool(config.MaxMessageSize),
		health:   transport.NewHealth(),
		methods:  make(map[string]Handler),
		settings: map[string]any{SettingCallTimeout: config.CallTimeout},
		state:    types.StateRegistering,
		jobs:     make(map[types.JobID]*jobObservers),
	}
	return n, nil
}

// ID 節點 ID，每次建立時重新產生
func (n *Node) ID() types.NodeID { return n.id }

// Namespace 節點所屬 namespace
func (n *Node) Namespace() string { return n.config.Namespace }

// Events 節點的生命週期事件
func (n *Node) Events() *events.Bus { return n.bus }

// State 目前的生命週期狀態
func (n *Node) State() types.NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Stats 回傳心跳與重新連線次數
func (n *Node) Stats() Stats {
	return Stats{Heartbeats: n.heartbeats.Load(), Reconnects: n.reconnects.Load()}
}

// Info 節點身分，握手與心跳時送往 broker
func (n *Node) Info() types.NodeInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	methods := make([]string, 0, len(n.methods))
	for name := range n.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)

	return types.NodeInfo{
		ID:                  n.id,
		Namespace:           n.config.Namespace,
		Hostname:            n.config.Hostname,
		Port:                n.port,
		Methods:             methods,
		HeartbeatIntervalMs: n.config.HeartbeatInterval.Milliseconds(),
		State:               n.state,
	}
}

// Addr 實際監聽位址；尚未啟動時為空字串
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// ============================================================================
// 設定
// ============================================================================

// Set 設定執行期參數，例如 callTimeout（毫秒）
func (n *Node) Set(key string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settings[key] = value
}

// Get 取得執行期參數
func (n *Node) Get(key string) any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.settings[key]
}

// Unset 移除執行期參數
func (n *Node) Unset(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.settings, key)
}

// callTimeout 呼叫的預設逾時：callTimeout 設定值，未設定時為 DefaultCallTimeout
func (n *Node) callTimeout() time.Duration {
	if d, ok := durationSetting(n.Get(SettingCallTimeout)); ok {
		return d
	}
	return DefaultCallTimeout
}

// ============================================================================
// 方法表
// ============================================================================

// Provide 註冊方法
func (n *Node) Provide(name string, handler Handler) error {
	if handler == nil {
		return types.ErrInvalidHandler
	}
	if name == "" || strings.Contains(name, ".") || strings.HasPrefix(name, "_") {
		return types.Configf("invalid method name %q", name)
	}

	n.mu.Lock()
	if n.state == types.StateConnected {
		n.mu.Unlock()
		return types.ErrAlreadyConnected
	}
	if _, exists := n.methods[name]; exists {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrDuplicateMethod, name)
	}
	n.methods[name] = handler
	n.mu.Unlock()

	n.bus.Publish(events.NodeProvide, string(n.id), map[string]any{"method": name})
	return nil
}

// Worker 註冊任務 handler，方法名稱為 name + ":worker"
func (n *Node) Worker(name string, handler Handler) error {
	return n.Provide(name+types.WorkerSuffix, handler)
}

// Unprovide 移除方法，回傳方法是否存在
func (n *Node) Unprovide(name string) bool {
	n.mu.Lock()
	_, exists := n.methods[name]
	delete(n.methods, name)
	n.mu.Unlock()

	if exists {
		n.bus.Publish(events.NodeUnprovide, string(n.id), map[string]any{"method": name})
	}
	return exists
}

func (n *Node) handler(name string) (Handler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.methods[name]
	return h, ok
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 開始監聽並向 broker 握手；已啟動時不做任何事
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state == types.StateConnected {
		n.mu.Unlock()
		return nil
	}

	lis, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(n.config.Port)))
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("failed to listen on port %d: %w", n.config.Port, err)
	}

	n.listener = lis
	n.port = lis.Addr().(*net.TCPAddr).Port
	n.grpcServer = transport.NewServer(n.config.MaxMessageSize)
	transport.RegisterNodeServer(n.grpcServer, &server{node: n})
	n.health.Register(n.grpcServer)
	n.draining.Store(false)
	n.health.SetDraining(false)
	n.stopCh = make(chan struct{})
	n.state = types.StateConnected
	grpcServer := n.grpcServer
	n.mu.Unlock()

	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			n.logger.Error("gRPC server stopped", "error", err)
		}
	}()
	n.bus.Publish(events.NodeListening, string(n.id), map[string]any{"address": lis.Addr().String()})

	if n.config.AdminAddress != "" {
		admin := &http.Server{
			Addr:              n.config.AdminAddress,
			Handler:           metrics.NewAdminMux(n.config.Gatherer, n.health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		n.mu.Lock()
		n.admin = admin
		n.mu.Unlock()
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("Admin server stopped", "error", err)
			}
		}()
	}

	if n.config.Broker != "" {
		if err := n.handshake(ctx); err != nil {
			// 心跳循環會持續重試握手
			n.logger.Warn("Handshake with broker failed", "broker", n.config.Broker, "error", err)
		}
		n.loopWg.Add(1)
		go n.heartbeatLoop(n.stopCh)
	}

	n.logger.Info("Node started", "address", lis.Addr().String(), "broker", n.config.Broker)
	n.bus.Publish(events.NodeReady, string(n.id), map[string]any{"address": lis.Addr().String()})
	return nil
}

// Stop 停止節點
//
//  1. 進入 draining：新的呼叫與 `_ping` 回覆 DrainingError
//  2. 通知 broker 離開（失敗時由 broker 的心跳逾時回收）
//  3. 等待已送出的呼叫結束，最多 GracePeriod 或 ctx 到期
//  4. 關閉 gRPC server
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state != types.StateConnected {
		n.mu.Unlock()
		return nil
	}
	n.draining.Store(true)
	n.health.SetDraining(true)
	stopCh := n.stopCh
	grpcServer := n.grpcServer
	admin := n.admin
	n.admin = nil
	n.mu.Unlock()

	close(stopCh)
	n.loopWg.Wait()
	if n.config.Broker != "" {
		n.bye(ctx)
	}

	grace, cancel := context.WithTimeout(ctx, n.config.GracePeriod)
	defer cancel()

	settled := make(chan struct{})
	go func() {
		n.outbound.Wait()
		grpcServer.GracefulStop()
		close(settled)
	}()
	select {
	case <-settled:
	case <-grace.Done():
		n.logger.Warn("Grace period elapsed, forcing shutdown")
		grpcServer.Stop()
	}

	var err error
	if admin != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
		err = admin.Shutdown(shutdownCtx)
		cancelShutdown()
	}

	n.mu.Lock()
	n.state = types.StateDisconnected
	n.listener = nil
	n.mu.Unlock()

	n.logger.Info("Node stopped")
	n.bus.Publish(events.NodeStopped, string(n.id), nil)
	return err
}

// Close 停止節點並關閉所有對外連線；快取 store 由建立者負責關閉
func (n *Node) Close(ctx context.Context) error {
	err := n.Stop(ctx)
	n.pool.Close()
	return err
}
