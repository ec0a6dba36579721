package broker

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/spinal/pkg/types"
)

// route 單一 `namespace.method` 的提供者列表（依註冊順序）與 round-robin 游標
type route struct {
	providers []types.NodeID
	cursor    int // 上一次選中的位置，-1 代表尚未選過
}

// Router broker 的路由表：存活節點與 `namespace.method` -> 提供者
//
// 握手、心跳、驅逐與派發都經過同一把鎖。
type Router struct {
	mu     sync.Mutex
	nodes  map[types.NodeID]*types.NodeInfo
	routes map[string]*route
}

// NewRouter 建立空的路由表
func NewRouter() *Router {
	return &Router{
		nodes:  make(map[types.NodeID]*types.NodeInfo),
		routes: make(map[string]*route),
	}
}

// Register 加入或更新節點，回傳是否為新節點
//
// 重複握手與心跳都走這裡：已知節點只更新心跳時間與方法表差異，
// 未知節點（例如已被驅逐）重新加入。
func (r *Router) Register(info types.NodeInfo, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	nowMs := now.UnixMilli()
	existing, known := r.nodes[info.ID]
	if known {
		info.RegisteredAt = existing.RegisteredAt
		r.unlinkMissing(existing, info)
	} else {
		info.RegisteredAt = nowMs
	}
	info.State = types.StateConnected
	info.LastHeartbeat = nowMs
	info.Methods = append([]string(nil), info.Methods...)

	for _, m := range info.Methods {
		key := types.MethodKey(info.Namespace, m)
		rt, ok := r.routes[key]
		if !ok {
			rt = &route{cursor: -1}
			r.routes[key] = rt
		}
		if !contains(rt.providers, info.ID) {
			rt.providers = append(rt.providers, info.ID)
		}
	}
	r.nodes[info.ID] = &info
	return !known
}

// unlinkMissing 移除節點不再提供的方法
func (r *Router) unlinkMissing(old *types.NodeInfo, next types.NodeInfo) {
	keep := make(map[string]struct{}, len(next.Methods))
	for _, m := range next.Methods {
		keep[m] = struct{}{}
	}
	for _, m := range old.Methods {
		if _, ok := keep[m]; ok && old.Namespace == next.Namespace {
			continue
		}
		r.unlink(types.MethodKey(old.Namespace, m), old.ID)
	}
}

// Remove 移除節點，回傳被移除的節點資訊
func (r *Router) Remove(id types.NodeID) (types.NodeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Router) removeLocked(id types.NodeID) (types.NodeInfo, bool) {
	info, ok := r.nodes[id]
	if !ok {
		return types.NodeInfo{}, false
	}
	for _, m := range info.Methods {
		r.unlink(types.MethodKey(info.Namespace, m), id)
	}
	delete(r.nodes, id)
	removed := *info
	removed.State = types.StateDisconnected
	return removed, true
}

// unlink 從路由移除提供者並修正游標，讓下一個提供者維持不變
func (r *Router) unlink(key string, id types.NodeID) {
	rt, ok := r.routes[key]
	if !ok {
		return
	}
	for i, p := range rt.providers {
		if p != id {
			continue
		}
		rt.providers = append(rt.providers[:i], rt.providers[i+1:]...)
		if i <= rt.cursor {
			rt.cursor--
		}
		break
	}
	if len(rt.providers) == 0 {
		delete(r.routes, key)
		return
	}
	if rt.cursor >= len(rt.providers) {
		rt.cursor = len(rt.providers) - 1
	}
}

// Expire 移除最後心跳早於 multiplier × 心跳間隔的節點，回傳被驅逐的節點
func (r *Router) Expire(now time.Time, multiplier int) []types.NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	nowMs := now.UnixMilli()
	var evicted []types.NodeInfo
	for id, info := range r.nodes {
		window := info.HeartbeatIntervalMs * int64(multiplier)
		if window <= 0 {
			continue
		}
		if nowMs-info.LastHeartbeat > window {
			if removed, ok := r.removeLocked(id); ok {
				evicted = append(evicted, removed)
			}
		}
	}
	return evicted
}

// Next 以 round-robin 選出 key 的下一個提供者
func (r *Router) Next(key string) (types.NodeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.routes[key]
	if !ok || len(rt.providers) == 0 {
		return types.NodeInfo{}, false
	}
	rt.cursor = (rt.cursor + 1) % len(rt.providers)
	return *r.nodes[rt.providers[rt.cursor]], true
}

// HasRoute 回傳 key 是否有存活的提供者
func (r *Router) HasRoute(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[key]
	return ok && len(rt.providers) > 0
}

// Providers 依註冊順序列出 key 的提供者
func (r *Router) Providers(key string) []types.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[key]
	if !ok {
		return nil
	}
	return append([]types.NodeID(nil), rt.providers...)
}

// Lookup 依 ID 取得節點
func (r *Router) Lookup(id types.NodeID) (types.NodeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.nodes[id]
	if !ok {
		return types.NodeInfo{}, false
	}
	return *info, true
}

// Nodes 依註冊時間列出節點；`$` 開頭的 namespace 只在 includeHidden 時列出
func (r *Router) Nodes(includeHidden bool) []types.NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.NodeInfo, 0, len(r.nodes))
	for _, info := range r.nodes {
		if info.Hidden() && !includeHidden {
			continue
		}
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt != out[j].RegisteredAt {
			return out[i].RegisteredAt < out[j].RegisteredAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// WorkerCounts 每個任務類型（不含 `:worker`）的存活 worker 數
func (r *Router) WorkerCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for key, rt := range r.routes {
		if jobType, ok := strings.CutSuffix(key, types.WorkerSuffix); ok {
			counts[jobType] = len(rt.providers)
		}
	}
	return counts
}

// Size 回傳節點數與路由數
func (r *Router) Size() (nodes, routes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes), len(r.routes)
}

func contains(ids []types.NodeID, id types.NodeID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
