package operation

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/workflow"
)

const workerInboxSize = 16

// ExecuteFunc performs one command. It records its results in the state
// payload. A returned error fails the command and its text becomes the
// failure reason.
type ExecuteFunc func(ctx context.Context, state *workflow.CommandState) error

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Name identifies the worker in logs.
	Name   string
	Schema entity.Schema
	// Target is the entity the commands address. Defaults to the main
	// device.
	Target entity.TopicID
	// Operations maps each handled operation to its implementation.
	Operations map[string]ExecuteFunc
	// Metadata is published retained on the capability topic of every
	// operation, e.g. {"types": ["agent.yaml"]}.
	Metadata map[string]any
}

// Worker executes commands of a few operations one at a time. New commands
// go straight from init to executing; nothing is persisted, so a command
// interrupted by a restart stays in its last published state.
type Worker struct {
	cfg     WorkerConfig
	pub     Publisher
	metrics Metrics
	logger  Logger
	now     func() time.Time

	inbox chan *workflow.CommandState
	done  chan struct{}
}

// NewWorker creates a worker publishing through pub.
func NewWorker(cfg WorkerConfig, pub Publisher) *Worker {
	if cfg.Schema.Root == "" {
		cfg.Schema = entity.NewSchema(entity.DefaultRoot)
	}
	if cfg.Target.IsZero() {
		cfg.Target = entity.MainDevice
	}
	return &Worker{
		cfg:     cfg,
		pub:     pub,
		metrics: NopMetrics{},
		logger:  NopLogger{},
		now:     time.Now,
		inbox:   make(chan *workflow.CommandState, workerInboxSize),
		done:    make(chan struct{}),
	}
}

// SetLogger sets the logger for the worker.
func (w *Worker) SetLogger(logger Logger) { w.logger = logger }

// SetMetrics sets the outcome recorder.
func (w *Worker) SetMetrics(m Metrics) { w.metrics = m }

// Filters returns the MQTT subscriptions the worker needs, sorted.
func (w *Worker) Filters() []string {
	filters := make([]string, 0, len(w.cfg.Operations))
	for _, op := range w.operations() {
		filters = append(filters, w.cfg.Schema.CommandFilter(op))
	}
	return filters
}

func (w *Worker) operations() []string {
	ops := make([]string, 0, len(w.cfg.Operations))
	for op := range w.cfg.Operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Handle queues new commands addressed to the worker's target.
func (w *Worker) Handle(ctx context.Context, msg Message) error {
	state, err := workflow.FromMessage(msg.Topic, msg.Payload)
	if err != nil {
		w.logger.Warn("ignoring malformed command", "worker", w.cfg.Name, "topic", msg.Topic, "error", err)
		return nil
	}
	if state.IsCleared() || !state.IsInit() || state.RootPrefix() != w.cfg.Schema.Root {
		return nil
	}
	if target, ok := state.Target(); !ok || target != w.cfg.Target {
		return nil
	}
	if _, ok := w.cfg.Operations[state.Operation()]; !ok {
		return nil
	}
	return Send(ctx, w.inbox, w.done, state)
}

// Run publishes the capabilities and executes queued commands until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	w.publishMetadata()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", "worker", w.cfg.Name)
			return nil
		case state := <-w.inbox:
			w.execute(ctx, state)
		}
	}
}

func (w *Worker) publishMetadata() {
	if w.cfg.Metadata == nil {
		return
	}
	payload, err := json.Marshal(w.cfg.Metadata)
	if err != nil {
		w.logger.Error("encoding capabilities failed", "worker", w.cfg.Name, "error", err)
		return
	}
	for _, op := range w.operations() {
		topic := w.cfg.Schema.Topic(w.cfg.Target, entity.CommandMetadataChannel{Operation: op})
		if err := PublishMetadata(w.pub, topic, payload); err != nil {
			w.logger.Warn("publishing capabilities failed", "worker", w.cfg.Name, "error", err)
		}
	}
}

func (w *Worker) execute(ctx context.Context, state *workflow.CommandState) {
	start := w.now()
	op := state.Operation()
	w.logger.Info("executing command", "operation", op, "topic", state.Topic)

	w.publish(state.MoveTo(workflow.Executing()))
	err := w.cfg.Operations[op](ctx, state)
	if ctx.Err() != nil {
		w.logger.Warn("command interrupted by shutdown", "topic", state.Topic)
		return
	}
	if err != nil {
		state.FailWith(err.Error())
	} else {
		state.MoveTo(workflow.Successful())
	}
	w.publish(state)

	w.metrics.RecordOutcome(op, w.cfg.Target.String(), state.Status, w.now().Sub(start))
	w.logger.Info("command finished", "operation", op, "status", state.Status)
}

func (w *Worker) publish(state *workflow.CommandState) {
	if err := PublishState(w.pub, state); err != nil {
		w.logger.Warn("reporting command state failed", "topic", state.Topic, "error", err)
	}
}
