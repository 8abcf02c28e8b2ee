package crew

import (
	"context"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/graph"
)

// Agent is an opaque capability that turns a rendered prompt into an output.
type Agent interface {
	Execute(ctx context.Context, input string) (string, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, input string) (string, error)

func (f AgentFunc) Execute(ctx context.Context, input string) (string, error) {
	return f(ctx, input)
}

// DispatchRequest carries one task with its prompt already rendered.
type DispatchRequest struct {
	RunID string
	Task  graph.Task
	Input string
}

// DispatchResponse is the output of a dispatched task along with where it ran.
type DispatchResponse struct {
	Output   string
	Node     string
	Attempts int
}

// Dispatcher executes a single task somewhere: in process or on a swarm node.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResponse, error)
}

// Capabilities is implemented by dispatchers that know up front which agents they serve.
type Capabilities interface {
	Has(agent string) bool
}

// Event is a progress notification emitted during a run.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventSink receives run and node events. Implementations must not block.
type EventSink interface {
	PublishEvent(ev Event)
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(eventType, runID string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

type discardSink struct{}

func (discardSink) PublishEvent(Event) {}

// Event types emitted by the scheduler.
const (
	EventRunStarted    = "run_started"
	EventRunCompleted  = "run_completed"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskSkipped   = "task_skipped"
)
