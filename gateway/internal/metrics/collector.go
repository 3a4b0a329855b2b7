// Package metrics provides process-level health collection for the gateway.
package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/orglink/bridge/pkg/types"
)

// Collector gathers gateway process metrics with caching.
type Collector struct {
	startTime time.Time

	// Cached values with TTL
	mu            sync.RWMutex
	cachedHealth  *types.GatewayHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime:     time.Now(),
		cacheDuration: 30 * time.Second,
	}
}

// GatewayHealth returns the current process health. Results are cached for
// 30 seconds to avoid sampling the process on every status request.
func (c *Collector) GatewayHealth() *types.GatewayHealth {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health
	}
	c.mu.RUnlock()

	health := c.collect()

	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return health
}

func (c *Collector) collect() *types.GatewayHealth {
	health := &types.GatewayHealth{
		Status:         "healthy",
		UptimeSeconds:  int64(time.Since(c.startTime).Seconds()),
		GoroutineCount: runtime.NumGoroutine(),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	return health
}
