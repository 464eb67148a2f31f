package connpool

import (
	"context"
	"time"
)

func (manager *Manager) startAutoScaler() {
	ctx, cancel := context.WithCancel(context.Background())
	manager.autoScaleCancel = cancel
	manager.autoScaleDone = make(chan struct{})
	go func() {
		defer close(manager.autoScaleDone)
		ticker := time.NewTicker(manager.config.AutoScale.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				manager.autoScale(ctx)
			}
		}
	}()
}

func (manager *Manager) stopAutoScaler() {
	if manager.autoScaleCancel == nil {
		return
	}
	manager.autoScaleCancel()
	<-manager.autoScaleDone
}

// autoScale grows pools whose lease utilisation is above the scale-up mark
// and shrinks pools below the scale-down mark, one step at a time. Only
// pools that opted in with PoolConfig.AutoScale are touched.
func (manager *Manager) autoScale(ctx context.Context) {
	cfg := manager.config.AutoScale
	for provider, p := range manager.snapshotPools() {
		if !p.Config().AutoScale {
			continue
		}
		stats := p.Stats()
		utilization := stats.Utilization()
		target := stats.TotalConnections
		switch {
		case utilization >= cfg.ScaleUpUtilization && stats.TotalConnections < stats.MaxConnections:
			target += cfg.Step
		case utilization <= cfg.ScaleDownUtilization && stats.TotalConnections > stats.MinConnections:
			target -= cfg.Step
		default:
			continue
		}
		manager.logger.Debug("auto-scaling %s from %d to %d connections (utilization %.2f)", provider, stats.TotalConnections, target, utilization)
		if err := p.Scale(ctx, target); err != nil {
			manager.logger.Warn("auto-scaling %s failed: %v", provider, err)
		}
	}
}
