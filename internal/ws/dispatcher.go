package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Envelope is the outbound message frame: {type, data}.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// sequentialThreshold is the connection count below which delivery runs
// inline; above it deliveries fan out concurrently to bound tail latency.
const sequentialThreshold = 4

// Dispatcher fans messages out to the registered connections of a lobby.
// A failed individual send is logged and treated as evidence of a dead
// connection; it never aborts the broadcast nor surfaces to the caller.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(r *Registry) *Dispatcher {
	return &Dispatcher{registry: r}
}

// SendToLobby serializes the envelope once and delivers it to every
// connection currently registered for the lobby.
func (d *Dispatcher) SendToLobby(ctx context.Context, lobbyID string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("dispatch: marshal %s: %w", env.Type, err)
	}

	d.deliver(ctx, d.registry.Connections(lobbyID), data, env.Type)

	return nil
}

// SendToActor delivers to the subset of connections owned by one
// participant, supporting multi-connection participants.
func (d *Dispatcher) SendToActor(ctx context.Context, lobbyID, actor string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("dispatch: marshal %s: %w", env.Type, err)
	}

	d.deliver(ctx, d.registry.ActorConnections(lobbyID, actor), data, env.Type)

	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, conns []*Connection, data []byte, msgType string) {
	if len(conns) <= sequentialThreshold {
		for _, c := range conns {
			d.deliverOne(ctx, c, data, msgType)
		}
		return
	}

	var eg errgroup.Group
	eg.SetLimit(len(conns))

	for _, c := range conns {
		c := c
		eg.Go(func() error {
			d.deliverOne(ctx, c, data, msgType)
			return nil
		})
	}

	_ = eg.Wait()
}

func (d *Dispatcher) deliverOne(ctx context.Context, c *Connection, data []byte, msgType string) {
	if err := c.Send(data); err != nil {
		metricSendFailuresTotal.Inc()
		metricEvictionsTotal.Inc()

		slog.WarnContext(ctx, "dispatch: send failed, evicting connection",
			"lobby", c.LobbyID(),
			"actor", c.Actor(),
			"type", msgType,
			"error", err,
		)

		d.registry.Unregister(ctx, c)
		c.Close()
	}
}
