package replica

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/mevdschee/tqstmtproxy/metrics"
)

// Pool manages the backends of one hostgroup: a primary database and
// multiple read replicas. The routing layer picks a backend here when a
// statement has to be physically prepared or executed.
type Pool struct {
	hostgroup uint32
	primary   string
	replicas  []string
	healthy   map[string]bool
	current   int // round-robin index
	mu        sync.RWMutex
}

// NewPool creates a new backend pool for a hostgroup
func NewPool(hostgroup uint32, primary string, replicas []string) *Pool {
	p := &Pool{
		hostgroup: hostgroup,
		primary:   primary,
		replicas:  replicas,
		healthy:   make(map[string]bool),
		current:   0,
	}

	// Initially mark all replicas as healthy
	for _, replica := range replicas {
		p.healthy[replica] = true
	}

	return p
}

// Hostgroup returns the hostgroup id this pool serves
func (p *Pool) Hostgroup() uint32 {
	return p.hostgroup
}

// UpdateBackends updates the backend list for hot config reload.
// Existing replicas keep their health status.
func (p *Pool) UpdateBackends(primary string, replicas []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.primary = primary

	// Build new healthy map, preserving status of existing replicas
	newHealthy := make(map[string]bool)
	for _, r := range replicas {
		if status, exists := p.healthy[r]; exists {
			newHealthy[r] = status
		} else {
			newHealthy[r] = true // New replicas start as healthy
		}
	}

	p.replicas = replicas
	p.healthy = newHealthy

	// Reset round-robin index if it's now out of bounds
	if len(replicas) > 0 {
		p.current = p.current % len(replicas)
	} else {
		p.current = 0
	}
}

// GetPrimary returns the primary database address
func (p *Pool) GetPrimary() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.primary
}

// GetReplica returns the next healthy replica using round-robin,
// or the primary if no replicas are healthy. It returns (address, name).
func (p *Pool) GetReplica() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.replicas) == 0 {
		return p.primary, "primary"
	}

	// Try to find a healthy replica
	attempts := 0
	for attempts < len(p.replicas) {
		idx := p.current
		replica := p.replicas[idx]
		p.current = (p.current + 1) % len(p.replicas)
		attempts++

		if p.healthy[replica] {
			return replica, fmt.Sprintf("replica%d", idx+1)
		}
	}

	// No healthy replicas, fall back to primary
	log.Printf("[Replica] hg %d: no healthy replicas available, using primary", p.hostgroup)
	return p.primary, "primary"
}

// MarkUnhealthy marks a replica as unhealthy
func (p *Pool) MarkUnhealthy(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.healthy[addr]; exists {
		if p.healthy[addr] {
			log.Printf("[Replica] hg %d: marked %s as unhealthy", p.hostgroup, addr)
		}
		p.healthy[addr] = false
		metrics.ReplicaHealthy.WithLabelValues(fmt.Sprint(p.hostgroup), addr).Set(0)
	}
}

// MarkHealthy marks a replica as healthy
func (p *Pool) MarkHealthy(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.healthy[addr]; exists {
		if !p.healthy[addr] {
			log.Printf("[Replica] hg %d: marked %s as healthy", p.hostgroup, addr)
		}
		p.healthy[addr] = true
		metrics.ReplicaHealthy.WithLabelValues(fmt.Sprint(p.hostgroup), addr).Set(1)
	}
}

// IsHealthy returns whether a replica is healthy
func (p *Pool) IsHealthy(addr string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy[addr]
}

// GetHealthyCount returns the number of healthy replicas
func (p *Pool) GetHealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, healthy := range p.healthy {
		if healthy {
			count++
		}
	}
	return count
}

// StartHealthChecks begins periodic health checks for all replicas
func (p *Pool) StartHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial health check immediately
	p.checkAllReplicas()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkAllReplicas()
		}
	}
}

func (p *Pool) checkAllReplicas() {
	p.mu.RLock()
	replicas := make([]string, len(p.replicas))
	copy(replicas, p.replicas)
	p.mu.RUnlock()

	for _, replica := range replicas {
		go p.checkReplica(replica)
	}
}

func (p *Pool) checkReplica(addr string) {
	network := "tcp"
	dialAddr := addr
	if len(addr) > 5 && addr[:5] == "unix:" {
		network = "unix"
		dialAddr = addr[5:]
	}

	// Simple connection check
	conn, err := net.DialTimeout(network, dialAddr, 2*time.Second)
	if err != nil {
		p.MarkUnhealthy(addr)
		return
	}
	conn.Close()
	p.MarkHealthy(addr)
}
