// Package tracer 维护去重的追踪队列，并由单个工作协程执行路径追踪。
package tracer

import (
	"sync"

	"github.com/hitushen/nettrace/internal/metrics"
)

// State 是地址在追踪流程中的状态。
type State int

const (
	StateUnknown State = iota
	StatePending
	StateTracing
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateTracing:
		return "tracing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Queue 是先进先出的追踪队列。每个地址在进程生命周期内最多被追踪一次：
// 处于等待、追踪中或已完成状态的地址再次入队都是空操作。
type Queue struct {
	mu      sync.Mutex
	pending []string
	states  map[string]State
	ready   chan struct{}
	metrics *metrics.Metrics
}

// NewQueue 创建空队列，m 可以为 nil。
func NewQueue(m *metrics.Metrics) *Queue {
	return &Queue{
		states:  make(map[string]State),
		ready:   make(chan struct{}, 1),
		metrics: m,
	}
}

// Enqueue 加入新地址并唤醒工作协程，地址已知时返回 false。
func (q *Queue) Enqueue(ip string) bool {
	q.mu.Lock()
	if q.states[ip] != StateUnknown {
		q.mu.Unlock()
		return false
	}
	q.states[ip] = StatePending
	q.pending = append(q.pending, ip)
	q.metrics.QueueDepth(len(q.pending))
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Dequeue 取出最早入队的地址并标记为追踪中。
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	ip := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	q.states[ip] = StateTracing
	q.metrics.QueueDepth(len(q.pending))
	return ip, true
}

// Done 把地址标记为已完成，之后不会再被追踪。
func (q *Queue) Done(ip string) {
	q.mu.Lock()
	q.states[ip] = StateDone
	q.mu.Unlock()
}

// State 返回地址当前状态。
func (q *Queue) State(ip string) State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.states[ip]
}

// Len 返回等待中的地址数量。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Ready 在有新地址入队时收到信号。
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}
