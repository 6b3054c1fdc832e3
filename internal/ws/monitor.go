package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultIdleAfter     = 5 * time.Minute
)

type MonitorConfig struct {
	Registry *Registry
	// ProbeInterval is the sweep period.
	ProbeInterval time.Duration
	// IdleAfter is how long a connection may stay silent before it is probed.
	IdleAfter time.Duration
}

// Monitor is the liveness sweep: one recurring background task per process.
// It is the only mechanism that reclaims half-open connections whose closure
// never arrived as a transport event.
type Monitor struct {
	registry *Registry
	interval time.Duration
	idle     time.Duration

	ping []byte
	stop chan struct{}
}

func NewMonitor(c MonitorConfig) *Monitor {
	m := &Monitor{
		registry: c.Registry,
		interval: c.ProbeInterval,
		idle:     c.IdleAfter,
		stop:     make(chan struct{}),
	}

	if m.interval <= 0 {
		m.interval = defaultProbeInterval
	}
	if m.idle <= 0 {
		m.idle = defaultIdleAfter
	}

	m.ping, _ = json.Marshal(Envelope{Type: "ping"})

	return m
}

// Run blocks, sweeping every interval until Stop or ctx cancellation.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) Stop() {
	close(m.stop)
}

// Sweep drops connections whose transport already closed, and probes
// connections idle beyond the liveness window. Probes are fire-and-forget
// per connection: a probe that cannot even be enqueued marks the connection
// dead, and a probe that fails on the wire closes the connection so the next
// sweep reclaims it. The sweep never blocks on a single slow connection.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, lobbyID := range m.registry.LobbyIDs() {
		for _, c := range m.registry.Connections(lobbyID) {
			switch {
			case c.Closed():
				m.evict(ctx, c, "transport closed")

			case time.Since(c.LastActivity()) > m.idle:
				if err := c.Send(m.ping); err != nil {
					m.evict(ctx, c, "probe failed")
				}
			}
		}
	}
}

func (m *Monitor) evict(ctx context.Context, c *Connection, reason string) {
	metricEvictionsTotal.Inc()

	slog.InfoContext(ctx, "monitor: evicting connection",
		"lobby", c.LobbyID(),
		"actor", c.Actor(),
		"reason", reason,
	)

	m.registry.Unregister(ctx, c)
	c.Close()
}
