// Package diskguard is the pre-append disk-space guard for the WAL,
// adapted from the reference storage node's
// internal/storage/diskmanager/disk_manager.go. It keeps the same
// statfs-based threshold/circuit-breaker state machine; the SSTable-era
// config fields are dropped, WAL append is the only caller.
package diskguard

import (
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	nodeerrors "github.com/devrev/replicatedkv/node/internal/errors"
)

// Config holds disk-guard thresholds, expressed as a fraction of total
// capacity (0..1), matching SPEC_FULL's IOError handling expectations.
type Config struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
}

func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        0.80,
		ThrottleThreshold:       0.90,
		CircuitBreakerThreshold: 0.95,
	}
}

// Guard monitors free disk space on the WAL's data directory and rejects
// appends once usage crosses the circuit-breaker threshold.
type Guard struct {
	cfg    Config
	logger *zap.Logger

	mu              sync.RWMutex
	lastCheck       time.Time
	usagePercent    float64
	availableBytes  uint64
	throttled       bool
	circuitBroken   bool
}

func New(cfg Config, logger *zap.Logger) *Guard {
	g := &Guard{cfg: cfg, logger: logger}
	if err := g.refresh(); err != nil {
		logger.Warn("initial disk space check failed", zap.Error(err))
	}
	return g
}

// CheckBeforeWrite rejects the write if the circuit breaker is engaged, or
// if a throttled guard is asked to admit a write larger than a tenth of
// available space.
func (g *Guard) CheckBeforeWrite(estimatedBytes uint64) error {
	g.mu.RLock()
	stale := time.Since(g.lastCheck) > g.cfg.CheckInterval
	g.mu.RUnlock()

	if stale {
		if err := g.refresh(); err != nil {
			g.logger.Warn("disk space check failed", zap.Error(err))
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.circuitBroken {
		return nodeerrors.DiskFull(g.usagePercent * 100)
	}
	if g.throttled && estimatedBytes > g.availableBytes/10 {
		return nodeerrors.DiskThrottled(g.usagePercent * 100)
	}
	return nil
}

func (g *Guard) refresh() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkLocked()
}

func (g *Guard) checkLocked() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(g.cfg.DataDir, &stat); err != nil {
		return nodeerrors.IOFailure("statfs data dir", err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	used := total - available
	var usage float64
	if total > 0 {
		usage = float64(used) / float64(total)
	}

	wasBroken, wasThrottled := g.circuitBroken, g.throttled
	g.usagePercent = usage
	g.availableBytes = available
	g.lastCheck = time.Now()
	g.circuitBroken = usage >= g.cfg.CircuitBreakerThreshold
	g.throttled = usage >= g.cfg.ThrottleThreshold && !g.circuitBroken

	if g.circuitBroken && !wasBroken {
		g.logger.Error("disk circuit breaker engaged", zap.Float64("usage", usage))
	} else if !g.circuitBroken && wasBroken {
		g.logger.Info("disk circuit breaker disengaged", zap.Float64("usage", usage))
	}
	if g.throttled && !wasThrottled {
		g.logger.Warn("disk write throttling enabled", zap.Float64("usage", usage))
	} else if !g.throttled && wasThrottled {
		g.logger.Info("disk write throttling disabled", zap.Float64("usage", usage))
	}
	if usage >= g.cfg.WarningThreshold && !g.throttled && !g.circuitBroken {
		g.logger.Warn("disk usage warning", zap.Float64("usage", usage))
	}
	return nil
}

// Stats is a point-in-time snapshot of guard state.
type Stats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	Throttled       bool
	CircuitBroken   bool
}

func (g *Guard) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		UsagePercent:   g.usagePercent,
		AvailableBytes: g.availableBytes,
		Throttled:      g.throttled,
		CircuitBroken:  g.circuitBroken,
	}
}
