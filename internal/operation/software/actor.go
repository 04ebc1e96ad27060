package software

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/operation"
	"github.com/nerrad567/gray-logic-agent/internal/process"
	"github.com/nerrad567/gray-logic-agent/internal/recovery"
	"github.com/nerrad567/gray-logic-agent/internal/transfer"
	"github.com/nerrad567/gray-logic-agent/internal/workflow"
)

// Operation names on the bus.
const (
	ListOperation   = "software_list"
	UpdateOperation = "software_update"
)

// CurrentOperationID is the recovery store id of the command in progress.
const CurrentOperationID = "software-current-operation"

const inboxSize = 16

// Record is the durable copy of the command being executed.
type Record struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
}

// Config configures the software actor.
type Config struct {
	Schema entity.Schema
	// Target is the entity whose software is managed, the main device.
	Target entity.TopicID
	// PluginDir holds one executable per software type.
	PluginDir string
	// DefaultPlugin is used for modules of type "default" or without type.
	DefaultPlugin string
	// LogDir receives one log file per operation. Empty disables them.
	LogDir string
	// TmpDir receives module files downloaded before installation.
	TmpDir string
}

// Actor is the software operation actor.
type Actor struct {
	cfg        Config
	store      recovery.Store[Record]
	plugins    *Plugins
	downloader transfer.Downloader
	guard      *operation.VersionGuard
	pub        operation.Publisher
	metrics    operation.Metrics
	logger     operation.Logger
	now        func() time.Time

	// interrupted is the topic of the command failed at startup. Its
	// retained scheduled state may still be delivered once.
	interrupted string

	inbox chan *workflow.CommandState
	done  chan struct{}
}

// New creates a software actor running plugins through exec.
func New(cfg Config, store recovery.Store[Record], exec process.Executor, pub operation.Publisher) *Actor {
	if cfg.Schema.Root == "" {
		cfg.Schema = entity.NewSchema(entity.DefaultRoot)
	}
	if cfg.Target.IsZero() {
		cfg.Target = entity.MainDevice
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	return &Actor{
		cfg:     cfg,
		store:   store,
		plugins: NewPlugins(exec, cfg.PluginDir, cfg.DefaultPlugin),
		pub:     pub,
		metrics: operation.NopMetrics{},
		logger:  operation.NopLogger{},
		now:     time.Now,
		inbox:   make(chan *workflow.CommandState, inboxSize),
		done:    make(chan struct{}),
	}
}

// SetLogger sets the logger for the actor.
func (a *Actor) SetLogger(logger operation.Logger) { a.logger = logger }

// SetMetrics sets the outcome recorder.
func (a *Actor) SetMetrics(m operation.Metrics) { a.metrics = m }

// SetDownloader enables module installation from a url.
func (a *Actor) SetDownloader(d transfer.Downloader) { a.downloader = d }

// SetVersionGuard sets the guard checked after every request.
func (a *Actor) SetVersionGuard(g *operation.VersionGuard) { a.guard = g }

// Filters returns the MQTT subscriptions the actor needs.
func (a *Actor) Filters() []string {
	return []string{
		a.cfg.Schema.CommandFilter(ListOperation),
		a.cfg.Schema.CommandFilter(UpdateOperation),
	}
}

// Handle processes a bus message. New commands are moved to scheduled
// right away; scheduled commands are queued for execution.
func (a *Actor) Handle(ctx context.Context, msg operation.Message) error {
	state, err := workflow.FromMessage(msg.Topic, msg.Payload)
	if err != nil {
		a.logger.Warn("ignoring malformed software command", "topic", msg.Topic, "error", err)
		return nil
	}
	if state.IsCleared() || state.RootPrefix() != a.cfg.Schema.Root {
		return nil
	}
	if target, ok := state.Target(); !ok || target != a.cfg.Target {
		return nil
	}
	if op := state.Operation(); op != ListOperation && op != UpdateOperation {
		return nil
	}

	switch {
	case state.IsInit():
		return operation.PublishState(a.pub, state.MoveTo(workflow.Scheduled()))
	case state.IsScheduled():
		return operation.Send(ctx, a.inbox, a.done, state)
	default:
		return nil
	}
}

// Run fails the command left over by a previous run, publishes the
// supported software types and executes queued commands one at a time.
// It returns ErrNotRunningLatestVersion when a command updated the agent
// itself.
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.done)

	if err := a.plugins.Load(); err != nil {
		a.logger.Warn("loading software plugins failed", "dir", a.cfg.PluginDir, "error", err)
	}
	if a.plugins.Empty() {
		a.logger.Warn("no software management plugin found", "dir", a.cfg.PluginDir)
	}

	if err := a.failInterrupted(ctx); err != nil {
		return err
	}
	a.publishMetadata()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("software actor stopping")
			return nil
		case state := <-a.inbox:
			if state.Topic == a.interrupted {
				a.logger.Info("skipping command cancelled by restart", "topic", state.Topic)
				continue
			}
			if err := a.execute(ctx, state); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := a.guard.Check(ctx); err != nil {
				return err
			}
		}
	}
}

// failInterrupted reports the command stored by a previous run as failed.
func (a *Actor) failInterrupted(ctx context.Context) error {
	rec, err := a.store.Get(ctx, CurrentOperationID)
	switch {
	case errors.Is(err, recovery.ErrNotFound):
		return nil
	case err != nil:
		a.logger.Error("reading interrupted software operation failed", "error", err)
	default:
		reason := "Software Update command cancelled due to unexpected agent restart"
		state := workflow.NewCommandState(rec.Topic, workflow.StatusFailed, rec.Payload)
		if state.Operation() == ListOperation {
			reason = "Software List request cancelled due to unexpected agent restart"
		}
		if state.Payload == nil {
			state.Payload = map[string]any{}
		}
		a.logger.Warn("failing software operation interrupted by restart", "topic", rec.Topic)
		a.interrupted = rec.Topic
		if err := operation.PublishState(a.pub, state.FailWith(reason)); err != nil {
			a.logger.Warn("reporting interrupted software operation failed", "error", err)
		}
	}
	if err := a.store.Delete(ctx, CurrentOperationID); err != nil {
		return fmt.Errorf("clearing software operation record: %w", err)
	}
	return nil
}

func (a *Actor) publishMetadata() {
	payload, err := json.Marshal(map[string]any{"types": a.plugins.Types()})
	if err != nil {
		return
	}
	for _, op := range []string{ListOperation, UpdateOperation} {
		topic := a.cfg.Schema.Topic(a.cfg.Target, entity.CommandMetadataChannel{Operation: op})
		if err := operation.PublishMetadata(a.pub, topic, payload); err != nil {
			a.logger.Warn("publishing software capability failed", "operation", op, "error", err)
		}
	}
}

// execute runs one scheduled command. Only store failures are returned;
// command failures are reported on the bus. A cancelled context leaves
// the record in place so the next start reports the interruption.
func (a *Actor) execute(ctx context.Context, state *workflow.CommandState) error {
	start := a.now()
	op := state.Operation()
	a.logger.Info("executing software operation", "operation", op, "topic", state.Topic)

	if err := a.store.Put(ctx, CurrentOperationID, Record{Topic: state.Topic, Payload: state.Payload}); err != nil {
		return fmt.Errorf("storing software operation: %w", err)
	}

	log, err := newOpLog(a.cfg.LogDir, op, start)
	if err != nil {
		a.logger.Warn("operation log unavailable", "error", err)
	}
	defer log.close() //nolint:errcheck // Log file only

	state.MoveTo(workflow.Executing())
	if p := log.path(); p != "" {
		state.SetLogPath(p)
	}
	if err := operation.PublishState(a.pub, state); err != nil {
		a.logger.Warn("reporting executing state failed", "error", err)
	}

	if err := a.plugins.Load(); err != nil {
		a.logger.Warn("reloading software plugins failed", "error", err)
	}
	switch op {
	case ListOperation:
		a.list(ctx, state, log)
	case UpdateOperation:
		a.update(ctx, state, log)
	}

	if ctx.Err() != nil {
		a.logger.Warn("software operation interrupted by shutdown", "topic", state.Topic)
		return nil
	}

	if err := operation.PublishState(a.pub, state); err != nil {
		a.logger.Warn("reporting final state failed", "error", err)
	}
	a.metrics.RecordOutcome(op, a.cfg.Target.String(), state.Status, a.now().Sub(start))
	a.logger.Info("software operation finished", "operation", op, "status", state.Status)

	if err := a.store.Delete(ctx, CurrentOperationID); err != nil {
		return fmt.Errorf("clearing software operation record: %w", err)
	}
	return nil
}

func (a *Actor) list(ctx context.Context, state *workflow.CommandState, log *opLog) {
	modules, err := a.plugins.List(ctx, log)
	if err != nil {
		state.FailWith(err.Error())
		return
	}
	if modules == nil {
		modules = []TypedModules{}
	}
	state.Payload["currentSoftwareList"] = modules
	state.MoveTo(workflow.Successful())
}

func (a *Actor) update(ctx context.Context, state *workflow.CommandState, log *opLog) {
	updates, err := updateList(state.Payload)
	if err != nil {
		state.FailWith(err.Error())
		return
	}

	files, err := a.downloadModules(ctx, updates, log)
	defer func() {
		for _, f := range files {
			os.Remove(f) //nolint:errcheck // Temporary module file
		}
	}()
	if err != nil {
		state.FailWith(err.Error())
		return
	}

	failures, err := a.plugins.Update(ctx, updates, files, log)
	if err != nil {
		if len(failures) > 0 {
			state.Payload["failures"] = failures
		}
		state.FailWith(err.Error())
		return
	}
	state.MoveTo(workflow.Successful())
}

// downloadModules fetches the modules to install from a url and returns
// the local file of each, by module name.
func (a *Actor) downloadModules(ctx context.Context, updates []TypedModules, log *opLog) (map[string]string, error) {
	files := make(map[string]string)
	for _, group := range updates {
		for _, m := range group.Modules {
			if m.URL == "" || m.Action != ActionInstall {
				continue
			}
			if a.downloader == nil {
				return files, fmt.Errorf("cannot install %s from %s: downloads are disabled", m.Name, m.URL)
			}
			path := filepath.Join(a.cfg.TmpDir, group.Type+"-"+transfer.CacheKey(m.URL))
			log.note("downloading %s from %s", m.Name, m.URL)
			if _, err := a.downloader.Download(ctx, transfer.DownloadRequest{URL: m.URL, Path: path}); err != nil {
				return files, fmt.Errorf("Download from %s failed with %v", m.URL, err) //nolint:staticcheck // Reason shown to the requester
			}
			files[m.Name] = path
		}
	}
	return files, nil
}

// updateList decodes the "updateList" property of a software_update
// command.
func updateList(payload map[string]any) ([]TypedModules, error) {
	raw, ok := payload["updateList"]
	if !ok {
		return nil, fmt.Errorf("%w: missing updateList", ErrInvalidUpdateList)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdateList, err)
	}
	var updates []TypedModules
	if err := json.Unmarshal(b, &updates); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdateList, err)
	}
	return updates, nil
}
