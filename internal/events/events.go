// Package events 提供節點與 broker 的生命週期事件匯流排
//
// 訂閱者透過帶緩衝的 channel 接收事件；發布端不會因為慢速訂閱者而阻塞，
// channel 滿時事件直接丟棄。
package events

import (
	"sync"
	"time"
)

// Type 事件類型
type Type string

// 節點事件
const (
	NodeReady     Type = "ready"
	NodeListening Type = "listening"
	NodeProvide   Type = "provide"
	NodeUnprovide Type = "unprovide"
	NodeCall      Type = "call"
	NodeCallDone  Type = "call_done"
	NodeStopped   Type = "stopped"
)

// Broker 事件
const (
	BrokerHandshake Type = "handshake"
	BrokerHeartbeat Type = "heartbeat"
	BrokerBye       Type = "bye"
	BrokerEvict     Type = "evict"
)

// Event 事件內容
type Event struct {
	Type   Type
	Time   time.Time
	Source string         // 發布者（節點 ID 或 "broker"）
	Fields map[string]any // 事件相關欄位，例如 method、namespace、address
}

// Get 取得字串欄位
func (e Event) Get(key string) string {
	if v, ok := e.Fields[key].(string); ok {
		return v
	}
	return ""
}

// Bus 事件匯流排
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int
}

type subscription struct {
	ch    chan Event
	types map[Type]struct{} // 空代表全部
}

// NewBus 建立事件匯流排
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscription)}
}

// Subscribe 訂閱事件，types 為空時訂閱全部。回傳的 cancel 會關閉 channel。
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := subscription{ch: make(chan Event, buffer), types: make(map[Type]struct{}, len(types))}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish 發布事件（非阻塞）
func (b *Bus) Publish(t Type, source string, fields map[string]any) {
	ev := Event{Type: t, Time: time.Now(), Source: source, Fields: fields}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.types) > 0 {
			if _, ok := sub.types[t]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
