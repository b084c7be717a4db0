package natsbus

import (
	"log/slog"
	"time"
)

// Event is the envelope published for every swarm event.
type Event struct {
	Type      string         `json:"type"`
	SwarmID   string         `json:"swarm_id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher forwards swarm engine events onto the bus. Publish is
// fire-and-forget; NATS buffers writes so the engine loop never blocks.
type Publisher struct {
	client *Client
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(swarmID, eventType string, data map[string]any) {
	if p == nil || p.client == nil {
		return
	}
	event := Event{
		Type:      eventType,
		SwarmID:   swarmID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
	if err := p.client.PublishJSON(TopicEventsSwarm(swarmID), event); err != nil {
		slog.Debug("publish swarm event", "swarm", swarmID, "type", eventType, "error", err)
	}
}
