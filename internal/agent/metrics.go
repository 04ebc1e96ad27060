package agent

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/registry"
)

// EntityRecorder receives the number of registered entities per type.
// *influxdb.Client satisfies it.
type EntityRecorder interface {
	RecordEntities(counts map[string]int)
}

// ReportEntities adds a component writing the entity counts to rec every
// interval, starting with one report once the registry is up. Call before
// Run.
func (a *Agent) ReportEntities(rec EntityRecorder, interval time.Duration) {
	a.AddComponent("entity metrics", func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			a.reportEntities(ctx, rec)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}

func (a *Agent) reportEntities(ctx context.Context, rec EntityRecorder) {
	entities, err := a.registry.List(ctx, registry.Filters{})
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("counting entities failed", "error", err)
		}
		return
	}
	counts := make(map[string]int)
	for _, m := range entities {
		counts[string(m.Type)]++
	}
	rec.RecordEntities(counts)
}
