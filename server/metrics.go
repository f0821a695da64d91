package server

import (
	"context"
	"log"
	"time"
)

// RunMetrics logs daemon-wide stats every interval until ctx is canceled,
// skipping intervals in which no protocol or dashboard client is connected.
func RunMetrics(ctx context.Context, d *Daemon, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			clients := len(d.clients)
			d.mu.Unlock()

			sinks, _ := d.reg.ListSinks()
			sources, _ := d.reg.ListSources()
			modules, _ := d.reg.ListModules()

			var wsClients int
			if d.hub != nil {
				wsClients = d.hub.ClientCount()
			}

			if clients > 0 || wsClients > 0 {
				log.Printf("[metrics] clients=%d sinks=%d sources=%d modules=%d dashboard_clients=%d",
					clients, len(sinks), len(sources), len(modules), wsClients)
			}
		}
	}
}
