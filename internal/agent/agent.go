package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-agent/internal/operation"
	"github.com/nerrad567/gray-logic-agent/internal/registry"
)

// ServiceName is the name under which the agent registers itself as a
// service of the main device.
const ServiceName = "graylogic-agent"

// subscribeQoS is the QoS of every agent subscription.
const subscribeQoS = 1

// ServiceID returns the topic id of the agent service,
// device/main/service/graylogic-agent.
func ServiceID() entity.TopicID {
	return entity.MustParseTopicID("device/main/service/" + ServiceName)
}

// Bus is the MQTT connection shared by the agent components. *mqtt.Client
// satisfies it.
type Bus interface {
	operation.Publisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Actor is an operation actor: it declares the command topics it consumes,
// accepts them into its mailbox and runs until its context is done.
type Actor interface {
	Filters() []string
	Handle(ctx context.Context, msg operation.Message) error
	Run(ctx context.Context) error
}

// Observer is told about every command state seen on the bus.
type Observer func(msg operation.Message)

type subscription struct {
	filter  string
	handler mqtt.MessageHandler
}

type component struct {
	name string
	run  func(ctx context.Context) error
}

type actorEntry struct {
	name  string
	actor Actor
}

// Agent wires the bus, the entity registry and the operation actors
// together and supervises them.
type Agent struct {
	schema   entity.Schema
	bus      Bus
	registry *registry.Registry
	logger   operation.Logger

	actors     []actorEntry
	components []component
	observer   Observer
	deviceType string
}

// New creates an agent. The registry notifier is set to republish every
// committed entity change on the bus.
func New(schema entity.Schema, bus Bus, reg *registry.Registry) *Agent {
	a := &Agent{
		schema:   schema,
		bus:      bus,
		registry: reg,
		logger:   operation.NopLogger{},
	}
	reg.SetNotifier(&busNotifier{schema: schema, pub: bus, agent: a})
	return a
}

// SetLogger sets the logger. Call before Run.
func (a *Agent) SetLogger(logger operation.Logger) {
	a.logger = logger
}

// AddActor adds an operation actor. Call before Run.
func (a *Agent) AddActor(name string, act Actor) {
	a.actors = append(a.actors, actorEntry{name: name, actor: act})
}

// AddComponent adds a long-running component, such as the HTTP server,
// supervised with the actors. Call before Run.
func (a *Agent) AddComponent(name string, run func(ctx context.Context) error) {
	a.components = append(a.components, component{name: name, run: run})
}

// SetDeviceType sets the "type" twin fragment of the main device, announced
// at start. Call before Run.
func (a *Agent) SetDeviceType(t string) {
	a.deviceType = t
}

// SetObserver sets the command state observer. Call before Run.
func (a *Agent) SetObserver(o Observer) {
	a.observer = o
}

// Run starts the registry, the actors and the components, then subscribes
// to the bus. It returns when ctx is done, or as soon as one of them fails;
// the failure cancels the others and is returned.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.registry.Run(gctx); err != nil {
			return fmt.Errorf("entity registry: %w", err)
		}
		return nil
	})
	for _, e := range a.actors {
		g.Go(func() error {
			if err := e.actor.Run(gctx); err != nil {
				return fmt.Errorf("%s actor: %w", e.name, err)
			}
			return nil
		})
	}
	for _, c := range a.components {
		g.Go(func() error {
			if err := c.run(gctx); err != nil {
				return fmt.Errorf("%s: %w", c.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return a.start(gctx)
	})

	err := g.Wait()
	if err != nil {
		a.logger.Error("agent stopped", "error", err)
		return err
	}
	a.logger.Info("agent stopped")
	return nil
}

// start registers the agent service and subscribes every component to its
// topics.
func (a *Agent) start(ctx context.Context) error {
	if err := a.registerService(ctx); err != nil {
		return err
	}

	subs := []subscription{
		{a.schema.EntityFilter(), a.entityHandler(ctx)},
		{a.schema.TwinFilter(), a.entityHandler(ctx)},
	}
	for _, e := range a.actors {
		for _, filter := range e.actor.Filters() {
			subs = append(subs, subscription{filter, actorHandler(ctx, e.actor)})
		}
	}
	if a.observer != nil {
		subs = append(subs, subscription{a.schema.CommandFilter("+"), a.observeHandler()})
	}

	for _, s := range subs {
		if err := a.bus.Subscribe(s.filter, subscribeQoS, s.handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.filter, err)
		}
		a.logger.Debug("subscribed", "topic", s.filter)
	}
	a.logger.Info("agent started", "actors", len(a.actors), "subscriptions", len(subs))
	return nil
}

func (a *Agent) registerService(ctx context.Context) error {
	parent := entity.MainDevice
	_, err := a.registry.Create(ctx, entity.Registration{
		TopicID: ServiceID(),
		Type:    entity.TypeService,
		Parent:  &parent,
	})
	if err != nil && !errors.Is(err, registry.ErrAlreadyRegistered) {
		return startError(ctx, fmt.Errorf("registering %s service: %w", ServiceName, err))
	}

	if a.deviceType == "" {
		return nil
	}
	value, err := json.Marshal(a.deviceType)
	if err != nil {
		return err
	}
	if _, err := a.registry.SetTwinFragment(ctx, entity.MainDevice, "type", value); err != nil {
		return startError(ctx, fmt.Errorf("announcing device type: %w", err))
	}
	return nil
}

// startError drops errors caused by a shutdown during start.
func startError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// actorHandler posts bus messages into an actor mailbox. A stopped actor
// drops them: the supervisor is already shutting down.
func actorHandler(ctx context.Context, act Actor) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		err := act.Handle(ctx, operation.Message{Topic: topic, Payload: payload})
		if errors.Is(err, operation.ErrStopped) || ctx.Err() != nil {
			return nil
		}
		return err
	}
}

func (a *Agent) observeHandler() mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		a.observer(operation.Message{Topic: topic, Payload: payload})
		return nil
	}
}
