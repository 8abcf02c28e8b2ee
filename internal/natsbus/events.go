package natsbus

import (
	"log/slog"

	"github.com/mtzanidakis/swarmcrew/internal/crew"
)

// EventPublisher forwards run and swarm events to the bus. Run events go to
// events.run.<id>, node events to events.swarm.
type EventPublisher struct {
	client *Client
}

func NewEventPublisher(c *Client) *EventPublisher {
	return &EventPublisher{client: c}
}

func (p *EventPublisher) PublishEvent(ev crew.Event) {
	topic := TopicEventsSwarm
	if ev.RunID != "" {
		topic = TopicEventsRun(ev.RunID)
	}
	if err := p.client.PublishJSON(topic, ev); err != nil {
		slog.Warn("publish event failed", "type", ev.Type, "run", ev.RunID, "error", err)
	}
}
