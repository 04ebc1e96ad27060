package operation

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/workflow"
)

// Publisher sends MQTT messages. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Message is an inbound bus message routed to an actor.
type Message struct {
	Topic   string
	Payload []byte
}

// Metrics records operation outcomes.
type Metrics interface {
	RecordOutcome(operation, target, status string, duration time.Duration)
}

// NopMetrics discards outcomes.
type NopMetrics struct{}

// RecordOutcome does nothing.
func (NopMetrics) RecordOutcome(string, string, string, time.Duration) {}

// Logger defines the logging interface used by the actors.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards log records.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// PublishState publishes a command state as a retained QoS 1 message.
func PublishState(pub Publisher, state *workflow.CommandState) error {
	msg := state.Message()
	if err := pub.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retain); err != nil {
		return fmt.Errorf("publishing %s state of %s: %w", state.Status, msg.Topic, err)
	}
	return nil
}

// PublishMetadata publishes the retained operation capability message of
// an entity, e.g. te/device/main///cmd/config_snapshot.
func PublishMetadata(pub Publisher, topic string, payload []byte) error {
	if err := pub.Publish(topic, payload, workflow.CommandQoS, true); err != nil {
		return fmt.Errorf("publishing capability %s: %w", topic, err)
	}
	return nil
}

// Send posts v into an actor mailbox, giving up when ctx or the actor is
// done.
func Send[T any](ctx context.Context, inbox chan<- T, done <-chan struct{}, v T) error {
	select {
	case <-done:
		return ErrStopped
	default:
	}
	select {
	case inbox <- v:
		return nil
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
