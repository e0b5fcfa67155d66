package orchestrator

import (
	"context"
	"time"
)

// TrimAll trims every live agent to the configured limits.
func (o *Orchestrator) TrimAll() {
	o.mu.RLock()
	ids := append([]string(nil), o.order...)
	o.mu.RUnlock()
	for _, id := range ids {
		// Agents removed meanwhile are skipped.
		_ = o.Trim(id, 0, 0)
	}
}

// RunJanitor trims all agents every interval until ctx ends. A
// non-positive interval uses the configured one, and no interval at all
// disables the janitor.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = o.opts.TrimInterval
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.TrimAll()
		}
	}
}
