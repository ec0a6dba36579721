package node_test

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/spinal/internal/broker"
	"github.com/ChuLiYu/spinal/internal/events"
	"github.com/ChuLiYu/spinal/internal/node"
	"github.com/ChuLiYu/spinal/internal/queue"
	"github.com/ChuLiYu/spinal/internal/transport"
	"github.com/ChuLiYu/spinal/pkg/types"
)

const heartbeat = 200 * time.Millisecond

func startBroker(t *testing.T, addr string) *broker.Broker {
	t.Helper()
	reg := prometheus.NewRegistry()
	b, err := broker.New(broker.Config{
		Address:    addr,
		Registerer: reg,
		Gatherer:   reg,
		Queue:      queue.Config{DispatchInterval: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func newNode(t *testing.T, b *broker.Broker, namespace string) *node.Node {
	t.Helper()
	n, err := node.New(node.Config{
		Namespace:         namespace,
		Broker:            b.Addr(),
		Hostname:          "127.0.0.1",
		HeartbeatInterval: heartbeat,
		GracePeriod:       time.Second,
		Registerer:        prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close(context.Background()) })
	return n
}

func startNode(t *testing.T, n *node.Node) {
	t.Helper()
	require.NoError(t, n.Start(context.Background()))
}

func reply(v any) node.Handler {
	return func(_ *node.Input, res *node.Response) { res.Send(v) }
}

func callInts(t *testing.T, n *node.Node, key string, count int) []int {
	t.Helper()
	out := make([]int, 0, count)
	for i := 0; i < count; i++ {
		res, err := n.Call(context.Background(), key, nil)
		require.NoError(t, err)
		var v int
		require.NoError(t, res.Bind(&v))
		out = append(out, v)
	}
	return out
}

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

// ============================================================================
// 路由
// ============================================================================

func TestCallBetweenNodesThroughBroker(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")

	dog := newNode(t, b, "dog")
	require.NoError(t, dog.Provide("howl", func(in *node.Input, res *node.Response) {
		var name string
		_ = in.Bind(&name)
		res.Send(name + " is howl")
	}))
	cat := newNode(t, b, "cat")
	require.NoError(t, cat.Provide("meaw", func(in *node.Input, res *node.Response) {
		var name string
		_ = in.Bind(&name)
		res.Send(name + " is meaw")
	}))
	startNode(t, dog)
	startNode(t, cat)

	res, err := cat.Call(context.Background(), "dog.howl", "John")
	require.NoError(t, err)
	assert.JSONEq(t, `"John is howl"`, string(res.Data))
	assert.Equal(t, dog.ID(), res.Header.NodeID)

	res, err = dog.Call(context.Background(), "cat.meaw", "Jane")
	require.NoError(t, err)
	assert.JSONEq(t, `"Jane is meaw"`, string(res.Data))

	_, err = dog.Call(context.Background(), "cat.purr", nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRoundRobinAcrossProviders(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")

	one := newNode(t, b, "math")
	require.NoError(t, one.Provide("pick", reply(1)))
	two := newNode(t, b, "math")
	require.NoError(t, two.Provide("pick", reply(2)))
	caller := newNode(t, b, "client")

	startNode(t, one)
	startNode(t, two)
	startNode(t, caller)

	assert.Equal(t, []int{1, 2, 1, 2, 1, 2}, callInts(t, caller, "math.pick", 6))
}

func TestClosedProviderLeavesRotation(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")

	one := newNode(t, b, "math")
	require.NoError(t, one.Provide("pick", reply(1)))
	two := newNode(t, b, "math")
	require.NoError(t, two.Provide("pick", reply(2)))
	caller := newNode(t, b, "client")
	startNode(t, one)
	startNode(t, two)
	startNode(t, caller)

	node.Abort(two)
	require.Eventually(t, func() bool {
		return len(b.Router().Providers("math.pick")) == 1
	}, 3*time.Second, 50*time.Millisecond)

	assert.Equal(t, []int{1, 1, 1, 1}, callInts(t, caller, "math.pick", 4))
}

func TestSilentNodeEvictedAfterTimeoutWindow(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")
	evictions, cancel := b.Events().Subscribe(4, events.BrokerEvict)
	defer cancel()

	n := newNode(t, b, "bunny")
	require.NoError(t, n.Provide("jump", reply("ok")))
	startNode(t, n)
	require.True(t, b.Router().HasRoute("bunny.jump"))

	silenced := time.Now()
	node.Abort(n)

	time.Sleep(300 * time.Millisecond)
	assert.True(t, b.Router().HasRoute("bunny.jump"), "evicted before the timeout window")

	select {
	case ev := <-evictions:
		assert.Equal(t, string(n.ID()), ev.Get("id"))
		assert.Less(t, time.Since(silenced), 1100*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("node was never evicted")
	}
	assert.False(t, b.Router().HasRoute("bunny.jump"))
}

func TestCleanStopUnregistersImmediately(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")
	byes, cancel := b.Events().Subscribe(1, events.BrokerBye)
	defer cancel()

	n := newNode(t, b, "bunny")
	require.NoError(t, n.Provide("jump", reply("ok")))
	startNode(t, n)
	require.NoError(t, n.Stop(context.Background()))

	select {
	case ev := <-byes:
		assert.Equal(t, string(n.ID()), ev.Get("id"))
	case <-time.After(time.Second):
		t.Fatal("no bye received")
	}
	assert.False(t, b.Router().HasRoute("bunny.jump"))
}

func TestHiddenNamespaceNotListed(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")
	cli := newNode(t, b, "$cli")
	require.NoError(t, cli.Provide("echo", reply("hi")))
	visible := newNode(t, b, "bunny")
	startNode(t, cli)
	startNode(t, visible)

	pool := transport.NewPool(0)
	defer pool.Close()
	client, err := pool.Broker(b.Addr())
	require.NoError(t, err)

	listed, err := client.Nodes(context.Background())
	require.NoError(t, err)
	ids := make([]types.NodeID, 0, len(listed.Nodes))
	for _, info := range listed.Nodes {
		ids = append(ids, info.ID)
	}
	assert.Contains(t, ids, visible.ID())
	assert.NotContains(t, ids, cli.ID())

	// 仍然可以被路由
	res, err := visible.Call(context.Background(), "$cli.echo", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(res.Data))
}

func TestReconnectAfterBrokerRestart(t *testing.T) {
	addr := freeAddr(t)
	first := startBroker(t, addr)

	n := newNode(t, first, "bunny")
	require.NoError(t, n.Provide("jump", reply("ok")))
	startNode(t, n)

	require.NoError(t, first.Stop(context.Background()))
	require.Eventually(t, func() bool {
		return n.Stats().Reconnects > 0
	}, 2*time.Second, 50*time.Millisecond)

	second := startBroker(t, addr)
	require.Eventually(t, func() bool {
		_, ok := second.Router().Lookup(n.ID())
		return ok
	}, 5*time.Second, 50*time.Millisecond, "node did not handshake with the restarted broker")
	assert.True(t, second.Router().HasRoute("bunny.jump"))
}

// ============================================================================
// 任務佇列
// ============================================================================

func TestJobCompletes(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")

	worker := newNode(t, b, "img")
	require.NoError(t, worker.Worker("resize", func(in *node.Input, res *node.Response) {
		var req struct {
			Data int `json:"data"`
		}
		_ = in.Bind(&req)
		res.Send(req.Data * 10)
	}))
	client := newNode(t, b, "client")
	startNode(t, worker)
	startNode(t, client)

	results := make(chan json.RawMessage, 1)
	job, err := client.Job("img.resize", map[string]int{"data": 4})
	require.NoError(t, err)
	id, err := job.OnComplete(func(r json.RawMessage) { results <- r }).
		OnFailed(func(msg string) { t.Errorf("unexpected failure: %s", msg) }).
		Save(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case r := <-results:
		assert.JSONEq(t, `40`, string(r))
	case <-time.After(3 * time.Second):
		t.Fatal("onComplete not called")
	}

	stats := b.Queue().Stats()
	assert.Equal(t, 1, stats.Complete)
	assert.Equal(t, map[string]int{"img.resize": 1}, stats.Workers)
}

func TestJobWaitsForWorkerToComeOnline(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")
	client := newNode(t, b, "client")
	startNode(t, client)

	done := make(chan struct{})
	job, err := client.Job("img.resize", nil)
	require.NoError(t, err)
	_, err = job.OnComplete(func(json.RawMessage) { close(done) }).Save(context.Background())
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, b.Queue().Stats().Inactive)

	worker := newNode(t, b, "img")
	require.NoError(t, worker.Worker("resize", reply("ok")))
	startNode(t, worker)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job was not resumed by the new worker")
	}
}

func TestJobFailsAfterAttempts(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")
	var attempts atomic.Int32

	worker := newNode(t, b, "img")
	require.NoError(t, worker.Worker("resize", func(_ *node.Input, res *node.Response) {
		attempts.Add(1)
		res.Error("test error string")
	}))
	client := newNode(t, b, "client")
	startNode(t, worker)
	startNode(t, client)

	failed := make(chan string, 1)
	job, err := client.Job("img.resize", map[string]int{"data": 1})
	require.NoError(t, err)
	_, err = job.Attempts(3).
		Backoff(types.BackoffFixed, 20*time.Millisecond).
		OnComplete(func(json.RawMessage) { t.Error("unexpected completion") }).
		OnFailed(func(msg string) { failed <- msg }).
		Save(context.Background())
	require.NoError(t, err)

	select {
	case msg := <-failed:
		assert.Equal(t, "test error string", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("onFailed not called")
	}
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 1, b.Queue().Stats().Failed)
}

func TestJobRemoveOnComplete(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")
	worker := newNode(t, b, "img")
	require.NoError(t, worker.Worker("resize", reply("ok")))
	client := newNode(t, b, "client")
	startNode(t, worker)
	startNode(t, client)

	done := make(chan struct{})
	job, err := client.Job("img.resize", nil)
	require.NoError(t, err)
	id, err := job.RemoveOnComplete(true).OnComplete(func(json.RawMessage) { close(done) }).Save(context.Background())
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("onComplete not called")
	}
	assert.Equal(t, 0, b.Queue().Stats().Complete)
	_, ok := b.Queue().Get(id)
	assert.False(t, ok)
}

func TestJobsRoundRobinAcrossWorkers(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")
	var first, second atomic.Int32

	w1 := newNode(t, b, "img")
	require.NoError(t, w1.Worker("resize", func(_ *node.Input, res *node.Response) {
		first.Add(1)
		res.Send(nil)
	}))
	w2 := newNode(t, b, "img")
	require.NoError(t, w2.Worker("resize", func(_ *node.Input, res *node.Response) {
		second.Add(1)
		res.Send(nil)
	}))
	client := newNode(t, b, "client")
	startNode(t, w1)
	startNode(t, w2)
	startNode(t, client)

	for i := 0; i < 4; i++ {
		done := make(chan struct{})
		job, err := client.Job("img.resize", nil)
		require.NoError(t, err)
		_, err = job.OnComplete(func(json.RawMessage) { close(done) }).Save(context.Background())
		require.NoError(t, err)
		<-done
	}

	assert.Equal(t, int32(2), first.Load())
	assert.Equal(t, int32(2), second.Load())
}
