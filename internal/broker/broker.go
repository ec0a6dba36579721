// ============================================================================
// spinal Broker - 節點註冊、存活追蹤與 round-robin 路由
// ============================================================================
//
// Package: internal/broker
// 文件: broker.go
// 功能: 維護存活節點與 `namespace.method` 路由表，並承載任務佇列
//
// 核心循環:
//   Sweep Loop - 每 SweepInterval 掃描一次，驅逐最後心跳早於
//                HeartbeatTimeoutMultiplier × 心跳間隔 的節點
//
// 節點生命週期（由 broker 觀察）:
//   Handshake → connected ─Heartbeat→ connected
//                   │
//                   ├─ Bye   → 立即移除
//                   └─ 逾時  → 驅逐（evict）
//   被驅逐的節點送來心跳時視為重新註冊。
//
// ============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/spinal/internal/cache"
	"github.com/ChuLiYu/spinal/internal/events"
	"github.com/ChuLiYu/spinal/internal/metrics"
	"github.com/ChuLiYu/spinal/internal/queue"
	"github.com/ChuLiYu/spinal/internal/transport"
	"github.com/ChuLiYu/spinal/pkg/types"
)

// 預設值
const (
	DefaultAddress                    = ":7557"
	DefaultSweepInterval              = 250 * time.Millisecond
	DefaultHeartbeatTimeoutMultiplier = 3
)

// Source 事件來源名稱
const Source = "broker"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Broker 配置
type Config struct {
	Address                    string        // gRPC 監聽位址
	AdminAddress               string        // /metrics 與 /health 的 HTTP 位址，空字串不啟用
	SweepInterval              time.Duration // 存活掃描間隔
	HeartbeatTimeoutMultiplier int           // 心跳逾時倍數
	MaxMessageSize             int           // gRPC 訊息大小上限
	Queue                      queue.Config  // 任務佇列配置

	// Store 任務紀錄的持久化 store；nil 時使用程序內 store（不跨重啟保存）
	Store cache.Store
	// Registerer / Gatherer 指標註冊位置；nil 時使用 prometheus 預設值
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func (c *Config) setDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.HeartbeatTimeoutMultiplier <= 0 {
		c.HeartbeatTimeoutMultiplier = DefaultHeartbeatTimeoutMultiplier
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
}

// Broker 節點註冊中心
type Broker struct {
	mu      sync.Mutex
	config  Config
	router  *Router
	queue   *queue.Queue
	pool    *transport.Pool
	bus     *events.Bus
	metrics *metrics.Collector
	health  *transport.Health
	logger  *slog.Logger

	store      cache.Store
	ownsStore  bool
	grpcServer *grpc.Server
	listener   net.Listener
	admin      *http.Server

	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	started bool
	stopped bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Broker
func New(config Config) (*Broker, error) {
	config.setDefaults()

	store := config.Store
	ownsStore := false
	if store == nil {
		mem, err := cache.NewMemoryStore(0)
		if err != nil {
			return nil, fmt.Errorf("failed to create job store: %w", err)
		}
		store = mem
		ownsStore = true
	}

	b := &Broker{
		config:    config,
		router:    NewRouter(),
		pool:      transport.NewPool(config.MaxMessageSize),
		bus:       events.NewBus(),
		metrics:   metrics.NewCollectorWith(config.Registerer),
		health:    transport.NewHealth(),
		logger:    slog.Default().With("component", "broker"),
		store:     store,
		ownsStore: ownsStore,
		stopCh:    make(chan struct{}),
	}
	b.queue = queue.New(config.Queue, store, b.router, b, b.metrics)
	return b, nil
}

// Start 開始監聽、恢復任務佇列並啟動存活掃描
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	lis, err := net.Listen("tcp", b.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.config.Address, err)
	}

	if err := b.queue.Start(ctx); err != nil {
		_ = lis.Close()
		return fmt.Errorf("failed to start queue: %w", err)
	}

	b.listener = lis
	b.grpcServer = transport.NewServer(b.config.MaxMessageSize)
	transport.RegisterBrokerServer(b.grpcServer, &server{broker: b})
	b.health.Register(b.grpcServer)

	go func() {
		if err := b.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			b.logger.Error("gRPC server stopped", "error", err)
		}
	}()

	if b.config.AdminAddress != "" {
		b.admin = &http.Server{
			Addr:              b.config.AdminAddress,
			Handler:           metrics.NewAdminMux(b.config.Gatherer, b.health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := b.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error("Admin server stopped", "error", err)
			}
		}()
	}

	b.loopWg.Add(1)
	go b.sweepLoop()

	b.started = true
	b.logger.Info("Broker started", "address", lis.Addr().String(), "admin", b.config.AdminAddress)
	return nil
}

// Stop 停止 broker；ctx 到期時強制關閉 gRPC server
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	b.health.SetDraining(true)
	close(b.stopCh)
	b.loopWg.Wait()
	b.queue.Stop()

	done := make(chan struct{})
	go func() {
		b.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.grpcServer.Stop()
		<-done
	}

	var errs []error
	if b.admin != nil {
		if err := b.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}
	b.pool.Close()
	if b.ownsStore {
		if err := b.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	b.logger.Info("Broker stopped")
	return errors.Join(errs...)
}

// Addr 回傳實際監聽位址（Address 為 ":0" 時用來取得埠號）
func (b *Broker) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Events 回傳 broker 的事件匯流排
func (b *Broker) Events() *events.Bus { return b.bus }

// Router 回傳路由表
func (b *Broker) Router() *Router { return b.router }

// Queue 回傳任務佇列
func (b *Broker) Queue() *queue.Queue { return b.queue }

// ============================================================================
// 註冊與存活
// ============================================================================

// register 處理握手與心跳，回傳是否為新加入的節點
func (b *Broker) register(info types.NodeInfo, kind events.Type) bool {
	added := b.router.Register(info, time.Now())
	b.updateRouting()

	if kind == events.BrokerHeartbeat {
		b.metrics.RecordHeartbeat()
	}
	if added || kind == events.BrokerHandshake {
		b.logger.Info("Node registered",
			"id", info.ID, "namespace", info.Namespace, "address", info.Address(),
			"methods", len(info.Methods), "via", string(kind))
		if hasWorker(info.Methods) {
			b.queue.Kick()
		}
	}
	b.bus.Publish(kind, Source, map[string]any{
		"id":        string(info.ID),
		"namespace": info.Namespace,
		"address":   info.Address(),
		"added":     added,
	})
	return added
}

// unregister 處理節點主動離開
func (b *Broker) unregister(id types.NodeID) bool {
	info, ok := b.router.Remove(id)
	if !ok {
		return false
	}
	b.updateRouting()
	b.logger.Info("Node left", "id", id, "namespace", info.Namespace)
	b.bus.Publish(events.BrokerBye, Source, map[string]any{
		"id":        string(id),
		"namespace": info.Namespace,
		"address":   info.Address(),
	})
	return true
}

func (b *Broker) sweepLoop() {
	defer b.loopWg.Done()
	ticker := time.NewTicker(b.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case now := <-ticker.C:
			b.sweep(now)
		}
	}
}

// sweep 驅逐心跳逾時的節點
func (b *Broker) sweep(now time.Time) {
	evicted := b.router.Expire(now, b.config.HeartbeatTimeoutMultiplier)
	if len(evicted) == 0 {
		return
	}
	b.updateRouting()
	for _, info := range evicted {
		b.metrics.RecordEviction()
		b.logger.Warn("Node evicted",
			"id", info.ID, "namespace", info.Namespace,
			"last_heartbeat", time.UnixMilli(info.LastHeartbeat))
		b.bus.Publish(events.BrokerEvict, Source, map[string]any{
			"id":        string(info.ID),
			"namespace": info.Namespace,
			"address":   info.Address(),
		})
	}
}

func (b *Broker) updateRouting() {
	nodes, routes := b.router.Size()
	b.metrics.UpdateRouting(nodes, routes)
}

func hasWorker(methods []string) bool {
	for _, m := range methods {
		if strings.HasSuffix(m, types.WorkerSuffix) {
			return true
		}
	}
	return false
}

// ============================================================================
// 任務投遞
// ============================================================================

// Deliver 透過 gRPC 呼叫節點；傳輸錯誤轉為 RemoteError
func (b *Broker) Deliver(ctx context.Context, node types.NodeInfo, req *types.Request) (*types.Response, error) {
	client, err := b.pool.Node(node.Address())
	if err != nil {
		return nil, types.Transport(err)
	}
	resp, err := client.Call(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.Transport(err)
	}
	return resp, nil
}
