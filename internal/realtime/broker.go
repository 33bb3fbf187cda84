package realtime

import (
	"encoding/json"
	"sync"
)

// Event 描述推送给观察者的消息载荷。
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Notifier 是流水线向观察者发送事件的出口，调用方不等待投递结果。
type Notifier interface {
	Publish(evt Event)
}

// Fanout 把同一个事件依次交给多个 Notifier。
type Fanout []Notifier

// Publish 实现 Notifier。
func (f Fanout) Publish(evt Event) {
	for _, n := range f {
		if n != nil {
			n.Publish(evt)
		}
	}
}

// Broker 负责向实时订阅者（SSE 与 websocket 客户端）分发事件。
type Broker struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	buffer  int
}

// NewBroker 创建一个新的 Broker 实例。
func NewBroker() *Broker {
	return &Broker{
		clients: make(map[chan []byte]struct{}),
		buffer:  64,
	}
}

// Subscribe 注册客户端通道并返回同时提供清理函数。
func (b *Broker) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cleanup
}

// Subscribers 返回当前订阅者数量。
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish 将事件广播给所有订阅者。
func (b *Broker) Publish(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- data:
		default:
			// 如果订阅者处理过慢则丢弃消息，避免阻塞。
		}
	}
}
