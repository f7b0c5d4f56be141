package pulse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/corpusworks/corpus/engine/task"
)

// CapacityStream is the Pulse stream queue saturation events are published
// to. Autoscalers and dashboards subscribe to it with their own sinks.
const CapacityStream = "capacity"

// CapacityEvent is the event name used for saturation entries.
const CapacityEvent = "queue_saturated"

// CapacitySink implements task.EventSink over a Pulse stream.
type CapacitySink struct {
	stream Stream
}

var _ task.EventSink = (*CapacitySink)(nil)

// NewCapacitySink opens the capacity stream on the given client.
func NewCapacitySink(client Client) (*CapacitySink, error) {
	str, err := client.Stream(CapacityStream)
	if err != nil {
		return nil, fmt.Errorf("open capacity stream: %w", err)
	}
	return &CapacitySink{stream: str}, nil
}

// QueueSaturated publishes the saturation event.
func (s *CapacitySink) QueueSaturated(ctx context.Context, ev task.SaturationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal saturation event: %w", err)
	}
	if _, err := s.stream.Add(ctx, CapacityEvent, payload); err != nil {
		return fmt.Errorf("publish saturation event: %w", err)
	}
	return nil
}
