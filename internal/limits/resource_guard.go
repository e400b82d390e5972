package limits

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Guard thresholds. Connections are cheap to retry and expensive to admit
// on a saturated box, so the guard errs toward rejection under pressure.
const (
	cpuRejectPercent    = 85.0
	memoryRejectPercent = 90.0
	goroutineCeiling    = 100_000

	sampleInterval = 5 * time.Second
)

// ResourceGuard decides whether the server should admit another connection.
// A background sampler keeps recent CPU and memory readings in atomics so
// the accept path never blocks on gopsutil.
type ResourceGuard struct {
	maxConnections int64
	activeConns    *int64

	cpuPercent atomic.Value // float64
	memPercent atomic.Value // float64

	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewResourceGuard builds a guard over the server's live connection counter.
// activeConns is read atomically; the server owns the writes.
func NewResourceGuard(maxConnections int, activeConns *int64, logger zerolog.Logger) *ResourceGuard {
	g := &ResourceGuard{
		maxConnections: int64(maxConnections),
		activeConns:    activeConns,
		logger:         logger.With().Str("component", "resource_guard").Logger(),
		stop:           make(chan struct{}),
	}
	g.cpuPercent.Store(0.0)
	g.memPercent.Store(0.0)
	go g.sampleLoop()
	return g
}

// ShouldAccept reports whether a new connection may be admitted. The reason
// names the failed check when denied: "max_connections", "cpu", "memory" or
// "goroutines".
func (g *ResourceGuard) ShouldAccept() (ok bool, reason string) {
	if atomic.LoadInt64(g.activeConns) >= g.maxConnections {
		return false, "max_connections"
	}
	if cpuNow := g.cpuPercent.Load().(float64); cpuNow > cpuRejectPercent {
		g.logger.Warn().Float64("cpu_percent", cpuNow).Msg("rejecting connections under CPU pressure")
		return false, "cpu"
	}
	if memNow := g.memPercent.Load().(float64); memNow > memoryRejectPercent {
		g.logger.Warn().Float64("memory_percent", memNow).Msg("rejecting connections under memory pressure")
		return false, "memory"
	}
	if n := runtime.NumGoroutine(); n > goroutineCeiling {
		g.logger.Warn().Int("goroutines", n).Msg("rejecting connections, goroutine ceiling reached")
		return false, "goroutines"
	}
	return true, ""
}

func (g *ResourceGuard) sampleLoop() {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sample()
		case <-g.stop:
			return
		}
	}
}

func (g *ResourceGuard) sample() {
	// Non-blocking sample: interval 0 compares against the previous call.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		g.cpuPercent.Store(percents[0])
	} else if err != nil {
		g.logger.Debug().Err(err).Msg("cpu sample failed")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		g.memPercent.Store(vm.UsedPercent)
	} else {
		g.logger.Debug().Err(err).Msg("memory sample failed")
	}
}

// Stop ends the sampler goroutine.
func (g *ResourceGuard) Stop() {
	g.once.Do(func() { close(g.stop) })
}
