package main

// ============================================================================
// 示範：同一程序內啟動 broker、booking 與 payment 兩個節點
//
//   booking.reserve  --call-->  payment.charge（內容快取 1 分鐘）
//   booking          --job--->  payment.receipt（第一次失敗，重試後完成）
//
// 用法：
//   go run ./cmd/demo                      # 任務存在記憶體
//   go run ./cmd/demo file:///tmp/spinal   # 任務寫入檔案，重啟後恢復
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChuLiYu/spinal/internal/broker"
	"github.com/ChuLiYu/spinal/internal/cache"
	"github.com/ChuLiYu/spinal/internal/node"
	"github.com/ChuLiYu/spinal/pkg/types"
)

type reservation struct {
	Guest  string `json:"guest"`
	Nights int    `json:"nights"`
}

type charge struct {
	Guest  string `json:"guest"`
	Amount int    `json:"amount"`
}

func main() {
	storeURL := "memory://"
	if len(os.Args) > 1 {
		storeURL = os.Args[1]
	}

	store, err := cache.Open(storeURL)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := broker.New(broker.Config{Address: "127.0.0.1:0", Store: store})
	if err != nil {
		log.Fatalf("Failed to create broker: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		log.Fatalf("Failed to start broker: %v", err)
	}
	defer b.Stop(context.Background())
	fmt.Printf("✓ Broker started on %s (store: %s)\n", b.Addr(), storeURL)

	// 兩個節點共用同一個回應快取
	responses, err := cache.NewMemoryStore(0)
	if err != nil {
		log.Fatalf("Failed to create cache: %v", err)
	}
	defer responses.Close()
	payment := mustNode(b.Addr(), "payment", responses)
	booking := mustNode(b.Addr(), "booking", responses)

	if err := payment.Provide("charge", func(in *node.Input, res *node.Response) {
		var c charge
		if err := in.Bind(&c); err != nil {
			res.Error(err)
			return
		}
		res.CacheByContent(time.Minute)
		res.Log(fmt.Sprintf("charged %s %d", c.Guest, c.Amount))
		res.Send(map[string]any{"guest": c.Guest, "amount": c.Amount, "at": time.Now().Format(time.RFC3339Nano)})
	}); err != nil {
		log.Fatalf("Failed to provide payment.charge: %v", err)
	}

	var receipts atomic.Int32
	if err := payment.Worker("receipt", func(in *node.Input, res *node.Response) {
		if receipts.Add(1) == 1 {
			res.Error("mail server unavailable")
			return
		}
		res.Send("sent")
	}); err != nil {
		log.Fatalf("Failed to provide payment.receipt: %v", err)
	}

	if err := booking.Provide("reserve", func(in *node.Input, res *node.Response) {
		var r reservation
		if err := in.Bind(&r); err != nil {
			res.Error(err)
			return
		}
		paid, err := booking.Call(context.Background(), "payment.charge",
			charge{Guest: r.Guest, Amount: r.Nights * 120}, node.WithContentCache())
		if err != nil {
			res.Error(err)
			return
		}
		res.Send(map[string]any{"reservation": r, "payment": paid.Data})
	}); err != nil {
		log.Fatalf("Failed to provide booking.reserve: %v", err)
	}

	for _, n := range []*node.Node{payment, booking} {
		if err := n.Start(ctx); err != nil {
			log.Fatalf("Failed to start %s: %v", n.Namespace(), err)
		}
		defer n.Close(context.Background())
	}
	fmt.Println("✓ Nodes payment and booking connected")

	// 同樣的輸入第二次由快取回應，payment 不會再執行
	for i := 0; i < 2; i++ {
		res, err := booking.Call(ctx, "booking.reserve", reservation{Guest: "ada", Nights: 3})
		if err != nil {
			log.Fatalf("booking.reserve failed: %v", err)
		}
		fmt.Printf("📦 booking.reserve #%d: %s\n", i+1, res.Data)
	}

	done := make(chan struct{})
	job, err := booking.Job("payment.receipt", map[string]string{"guest": "ada"})
	if err != nil {
		log.Fatalf("Failed to create job: %v", err)
	}
	id, err := job.
		Attempts(3).
		Backoff(types.BackoffExponential, 200*time.Millisecond).
		Priority(types.PriorityHigh).
		OnComplete(func(result json.RawMessage) {
			fmt.Printf("✅ Receipt job completed: %s\n", result)
			close(done)
		}).
		OnFailed(func(message string) {
			fmt.Printf("❌ Receipt job failed: %s\n", message)
			close(done)
		}).
		Save(ctx)
	if err != nil {
		log.Fatalf("Failed to enqueue job: %v", err)
	}
	fmt.Printf("✓ Enqueued job %s\n", id)

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
		return
	case <-time.After(10 * time.Second):
		fmt.Println("⚠️  Job did not finish within 10s")
	}

	stats := b.Queue().Stats()
	fmt.Printf("\n📊 Queue Status:\n")
	fmt.Printf("  Inactive: %d\n", stats.Inactive)
	fmt.Printf("  Active:   %d\n", stats.Active)
	fmt.Printf("  Complete: %d\n", stats.Complete)
	fmt.Printf("  Failed:   %d\n", stats.Failed)
	fmt.Printf("  Attempts: %d\n", receipts.Load())
}

func mustNode(brokerAddr, namespace string, responses cache.Store) *node.Node {
	n, err := node.New(node.Config{
		Namespace: namespace,
		Broker:    brokerAddr,
		Hostname:  "127.0.0.1",
		Store:     responses,
	})
	if err != nil {
		log.Fatalf("Failed to create node %s: %v", namespace, err)
	}
	return n
}
