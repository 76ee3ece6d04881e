package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	hostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "daygent",
		Subsystem: "host",
		Name:      "cpu_percent",
		Help:      "Host CPU utilisation percentage.",
	})

	hostMemUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "daygent",
		Subsystem: "host",
		Name:      "memory_used_bytes",
		Help:      "Host memory in use.",
	})

	hostMemPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "daygent",
		Subsystem: "host",
		Name:      "memory_percent",
		Help:      "Host memory utilisation percentage.",
	})

	hostDiskPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "daygent",
		Subsystem: "host",
		Name:      "disk_percent",
		Help:      "Root filesystem utilisation percentage.",
	})
)

func init() {
	Registry.MustRegister(hostCPUPercent, hostMemUsedBytes, hostMemPercent, hostDiskPercent)
}

// HostSnapshot is a point-in-time view of host resource usage, exposed on
// health and ops endpoints.
type HostSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsed    uint64  `json:"memory_used_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	CollectedAt   string  `json:"collected_at"`
}

// HostCollector polls gopsutil and publishes host gauges. It implements the
// system.Service interface.
type HostCollector struct {
	interval time.Duration

	mu      sync.Mutex
	last    HostSnapshot
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewHostCollector creates a collector polling at the given interval
// (defaults to 15s).
func NewHostCollector(interval time.Duration) *HostCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HostCollector{interval: interval}
}

// Name implements system.Service.
func (c *HostCollector) Name() string { return "host-metrics" }

// Start begins the polling loop.
func (c *HostCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.loop(runCtx)
	return nil
}

// Stop halts polling.
func (c *HostCollector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Snapshot returns the most recent host reading.
func (c *HostCollector) Snapshot() HostSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *HostCollector) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *HostCollector) collect(ctx context.Context) {
	snap := HostSnapshot{CollectedAt: time.Now().UTC().Format(time.RFC3339)}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
		hostCPUPercent.Set(percents[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsed = vm.Used
		snap.MemoryPercent = vm.UsedPercent
		hostMemUsedBytes.Set(float64(vm.Used))
		hostMemPercent.Set(vm.UsedPercent)
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.DiskPercent = du.UsedPercent
		hostDiskPercent.Set(du.UsedPercent)
	}

	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()
}
