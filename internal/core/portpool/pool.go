// Package portpool hands out exclusive leases on a fixed set of loopback ports.
// The pool size is the concurrency ceiling of the whole validation engine.
package portpool

import (
	"context"
	"fmt"
	"sync"
)

// Pool 是固定大小的本地端口池。Acquire 阻塞直到有空闲端口，Release 永不失败。
type Pool struct {
	free     chan int
	mu       sync.Mutex
	leased   map[int]struct{}
	capacity int
}

// New 以 basePort 开始的 size 个连续端口初始化端口池。
func New(basePort, size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("port pool size must be positive, got %d", size)
	}
	ports := make([]int, size)
	for i := range ports {
		ports[i] = basePort + i
	}
	return NewWithPorts(ports)
}

// NewWithPorts seeds the pool with an explicit list of distinct ports.
func NewWithPorts(ports []int) (*Pool, error) {
	if len(ports) == 0 {
		return nil, fmt.Errorf("port pool needs at least one port")
	}
	p := &Pool{
		free:     make(chan int, len(ports)),
		leased:   make(map[int]struct{}, len(ports)),
		capacity: len(ports),
	}
	seen := make(map[int]struct{}, len(ports))
	for _, port := range ports {
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %d", port)
		}
		if _, dup := seen[port]; dup {
			return nil, fmt.Errorf("duplicate port %d", port)
		}
		seen[port] = struct{}{}
		p.free <- port
	}
	return p, nil
}

// Acquire blocks until a port is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (int, error) {
	select {
	case port := <-p.free:
		p.mu.Lock()
		p.leased[port] = struct{}{}
		p.mu.Unlock()
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Release 归还端口。重复归还或归还未借出的端口会被忽略，
// 这样端口永远不会在池中出现两次。
func (p *Pool) Release(port int) {
	p.mu.Lock()
	if _, ok := p.leased[port]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leased, port)
	p.mu.Unlock()
	p.free <- port
}

// Available returns the number of ports not currently leased.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.leased)
}

func (p *Pool) Capacity() int { return p.capacity }
