package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-agent/internal/operation"
	"github.com/nerrad567/gray-logic-agent/internal/registry"
)

// entityQoS is the QoS of the retained registration and twin messages.
const entityQoS = 1

// pendingRegistrations holds bus registrations whose parent is not known
// yet, keyed by the missing parent. They are replayed when it registers.
type pendingRegistrations struct {
	mu       sync.Mutex
	byParent map[entity.TopicID][]entity.Registration
}

func (p *pendingRegistrations) add(parent entity.TopicID, reg entity.Registration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byParent == nil {
		p.byParent = make(map[entity.TopicID][]entity.Registration)
	}
	p.byParent[parent] = append(p.byParent[parent], reg)
}

func (p *pendingRegistrations) take(parent entity.TopicID) []entity.Registration {
	p.mu.Lock()
	defer p.mu.Unlock()
	regs := p.byParent[parent]
	delete(p.byParent, parent)
	return regs
}

// entityHandler applies registration and twin messages from the bus to the
// registry. Changes committed by the registry are echoed back on the bus
// by busNotifier; the echo is recognised as a no-op.
func (a *Agent) entityHandler(ctx context.Context) mqtt.MessageHandler {
	pending := &pendingRegistrations{}
	return func(topic string, payload []byte) error {
		id, ch, err := a.schema.Parse(topic)
		if err != nil {
			return nil
		}
		switch ch := ch.(type) {
		case entity.MetadataChannel:
			return a.onRegistration(ctx, pending, id, payload)
		case entity.TwinChannel:
			if ch.FragmentKey == "" {
				return nil
			}
			return a.onTwin(ctx, id, ch.FragmentKey, payload)
		default:
			return nil
		}
	}
}

func (a *Agent) onRegistration(ctx context.Context, pending *pendingRegistrations, id entity.TopicID, payload []byte) error {
	if len(payload) == 0 {
		deleted, err := a.registry.Delete(ctx, id)
		if errors.Is(err, registry.ErrMainDevice) {
			a.logger.Warn("ignoring deregistration of the main device")
			return nil
		}
		if err != nil {
			return err
		}
		if len(deleted) > 0 {
			a.logger.Info("entity deregistered", "topic_id", id.String(), "count", len(deleted))
		}
		return nil
	}

	var reg entity.Registration
	if err := json.Unmarshal(payload, &reg); err != nil {
		return fmt.Errorf("invalid registration of %s: %w", id, err)
	}
	// The topic is authoritative for the entity id.
	reg.TopicID = id
	return a.register(ctx, pending, reg)
}

func (a *Agent) register(ctx context.Context, pending *pendingRegistrations, reg entity.Registration) error {
	created, err := a.registry.Create(ctx, reg)

	var noParent *registry.NoParentError
	switch {
	case errors.As(err, &noParent):
		a.logger.Info("registration waits for its parent", "topic_id", reg.TopicID.String(), "parent", noParent.Parent.String())
		pending.add(noParent.Parent, reg)
		return nil
	case errors.Is(err, registry.ErrAlreadyRegistered):
		return a.reregister(ctx, reg)
	case err != nil:
		return err
	}

	for _, id := range created {
		a.logger.Info("entity registered", "topic_id", id.String())
		for _, child := range pending.take(id) {
			if err := a.register(ctx, pending, child); err != nil {
				a.logger.Warn("pending registration failed", "topic_id", child.TopicID.String(), "error", err)
			}
		}
	}
	return nil
}

// reregister applies a registration of a known entity as an update of its
// parent, health endpoint and twin data.
func (a *Agent) reregister(ctx context.Context, reg entity.Registration) error {
	upd := entity.Update{Parent: reg.Parent}
	if reg.Health != "" {
		upd.Health = &reg.Health
	}
	if _, err := a.registry.Update(ctx, reg.TopicID, upd); err != nil {
		return err
	}
	for key, value := range reg.Twin {
		if _, err := a.registry.SetTwinFragment(ctx, reg.TopicID, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) onTwin(ctx context.Context, id entity.TopicID, key string, payload []byte) error {
	_, err := a.registry.SetTwinFragment(ctx, id, key, payload)
	// The retained fragments of a deleted entity are cleared after it is
	// gone; those echoes are expected.
	if len(payload) == 0 && errors.Is(err, registry.ErrUnknownEntity) {
		return nil
	}
	return err
}

// busNotifier republishes committed registry changes as retained messages.
// It runs on the registry goroutine.
type busNotifier struct {
	schema entity.Schema
	pub    operation.Publisher
	agent  *Agent
}

func (n *busNotifier) EntityRegistered(m *entity.Metadata) {
	payload, err := json.Marshal(entity.RegistrationOf(m))
	if err != nil {
		n.agent.logger.Error("encoding registration", "topic_id", m.TopicID.String(), "error", err)
		return
	}
	n.publish(n.schema.Topic(m.TopicID, entity.MetadataChannel{}), payload)
}

func (n *busNotifier) EntityDeleted(m *entity.Metadata) {
	n.publish(n.schema.Topic(m.TopicID, entity.MetadataChannel{}), nil)
	for key := range m.Twin {
		n.publish(n.schema.Topic(m.TopicID, entity.TwinChannel{FragmentKey: key}), nil)
	}
}

func (n *busNotifier) TwinChanged(id entity.TopicID, key string, value json.RawMessage) {
	n.publish(n.schema.Topic(id, entity.TwinChannel{FragmentKey: key}), value)
}

func (n *busNotifier) publish(topic string, payload []byte) {
	if err := n.pub.Publish(topic, payload, entityQoS, true); err != nil {
		n.agent.logger.Warn("publishing entity change failed", "topic", topic, "error", err)
	}
}
