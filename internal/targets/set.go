package targets

import (
	"sort"
	"sync"
)

// Set 是并发安全的已见地址集合，只增不减。
type Set struct {
	mu    sync.Mutex
	items map[string]struct{}
}

// NewSet 创建空集合。
func NewSet() *Set {
	return &Set{items: make(map[string]struct{})}
}

// Add 在地址不存在时加入并返回 true。
func (s *Set) Add(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[ip]; ok {
		return false
	}
	s.items[ip] = struct{}{}
	return true
}

// Has 判断地址是否已存在。
func (s *Set) Has(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[ip]
	return ok
}

// Snapshot 返回当前成员的有序副本。
func (s *Set) Snapshot() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.items))
	for ip := range s.items {
		out = append(out, ip)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len 返回成员数量。
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
