package firmware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/operation"
	"github.com/nerrad567/gray-logic-agent/internal/recovery"
	"github.com/nerrad567/gray-logic-agent/internal/transfer"
	"github.com/nerrad567/gray-logic-agent/internal/workflow"
)

const (
	defaultTimeout   = time.Hour
	inboxSize        = 64
	noChildReason    = "No failure reason provided by child device."
	mainDeviceReason = "firmware operations on the main device need a custom operation handler"
)

// Config configures the firmware actor.
type Config struct {
	// Schema builds and filters the MQTT topics.
	Schema entity.Schema

	// Timeout is how long a child may stay silent before its operation
	// fails.
	Timeout time.Duration

	// FileTransferHost is the host:port under which children reach the
	// agent's file transfer service.
	FileTransferHost string

	// FileTransferDir is the root directory served by the file transfer
	// service.
	FileTransferDir string
}

// Actor is the firmware operation actor. All its state is owned by the
// goroutine running Run.
type Actor struct {
	cfg        Config
	store      recovery.Store[Record]
	cache      *transfer.Cache
	downloader transfer.Downloader
	pub        operation.Publisher
	metrics    operation.Metrics
	logger     operation.Logger
	newID      func() string

	inbox chan input
	done  chan struct{}

	active           map[OperationKey]*slot
	pendingDownloads map[string]request
	generation       uint64
}

// New creates a firmware actor.
func New(cfg Config, store recovery.Store[Record], cache *transfer.Cache, downloader transfer.Downloader, pub operation.Publisher) *Actor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Schema.Root == "" {
		cfg.Schema = entity.NewSchema(entity.DefaultRoot)
	}
	return &Actor{
		cfg:              cfg,
		store:            store,
		cache:            cache,
		downloader:       downloader,
		pub:              pub,
		metrics:          operation.NopMetrics{},
		logger:           operation.NopLogger{},
		newID:            uuid.NewString,
		inbox:            make(chan input, inboxSize),
		done:             make(chan struct{}),
		active:           make(map[OperationKey]*slot),
		pendingDownloads: make(map[string]request),
	}
}

// SetLogger sets the logger for the actor.
func (a *Actor) SetLogger(logger operation.Logger) {
	a.logger = logger
}

// SetMetrics sets the outcome recorder.
func (a *Actor) SetMetrics(m operation.Metrics) {
	a.metrics = m
}

// Filters returns the MQTT subscriptions the actor needs.
func (a *Actor) Filters() []string {
	return []string{
		a.cfg.Schema.CommandFilter(UpdateOperation),
		a.cfg.Schema.CommandFilter(FlashOperation),
	}
}

// Handle routes a bus message into the actor mailbox. Messages that are
// not firmware commands, or that cannot be decoded, are logged and dropped.
func (a *Actor) Handle(ctx context.Context, msg operation.Message) error {
	state, err := workflow.FromMessage(msg.Topic, msg.Payload)
	if err != nil {
		a.logger.Warn("ignoring malformed firmware message", "topic", msg.Topic, "error", err)
		return nil
	}
	if state.IsCleared() || state.RootPrefix() != a.cfg.Schema.Root {
		return nil
	}
	target, ok := state.Target()
	if !ok {
		return nil
	}
	childID, ok := target.DefaultDeviceName()
	if !ok {
		a.logger.Warn("firmware operations are only supported on devices", "topic", msg.Topic)
		return nil
	}

	var in input
	switch state.Operation() {
	case UpdateOperation:
		if !state.IsInit() {
			return nil
		}
		if target == entity.MainDevice {
			a.logger.Warn("ignoring firmware request for the main device: " + mainDeviceReason)
			return nil
		}
		in = commandMessage{state: state, childID: childID}
	case FlashOperation:
		in = childResponse{state: state, childID: childID}
	default:
		return nil
	}
	return operation.Send(ctx, a.inbox, a.done, in)
}

// Run resends the stored operations and processes messages until ctx is
// done. In-flight operations are left untouched on shutdown; they are
// resent on the next start. A non-nil error is fatal for the agent.
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.done)
	defer a.stopTimers()

	if err := a.resendStored(ctx); err != nil {
		return err
	}
	a.logger.Info("firmware actor ready", "active", len(a.active))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("firmware actor stopping", "active", len(a.active), "downloading", len(a.pendingDownloads))
			return nil
		case in := <-a.inbox:
			if err := a.process(ctx, in); err != nil {
				a.logger.Error("firmware actor failed", "error", err)
				return err
			}
		}
	}
}

func (a *Actor) process(ctx context.Context, in input) error {
	switch m := in.(type) {
	case commandMessage:
		return a.onRequest(ctx, m)
	case childResponse:
		return a.onResponse(ctx, m)
	case timeoutFired:
		return a.onTimeout(ctx, m)
	case downloadDone:
		return a.onDownload(ctx, m)
	default:
		return fmt.Errorf("unexpected input %T", in)
	}
}

// post delivers an input from a timer or collaborator goroutine.
func (a *Actor) post(in input) {
	select {
	case a.inbox <- in:
	case <-a.done:
	}
}

func (a *Actor) onRequest(ctx context.Context, m commandMessage) error {
	req, err := requestFromState(m.state, m.childID)
	if err != nil {
		a.report(req, Pending, workflow.Failed(err.Error()))
		return nil
	}
	a.logger.Info("handling firmware request",
		"child", req.ChildID,
		"name", req.Name,
		"version", req.Version,
		"url", req.URL,
	)

	if tracked, err := a.resumeInFlight(ctx, req); errors.Is(err, errAlreadyAddressed) {
		a.logger.Warn("skipping firmware request, the same operation is already in progress", "child", req.ChildID)
		a.clearDuplicate(req, tracked)
		return nil
	} else if err != nil {
		return err
	}
	for id, pending := range a.pendingDownloads {
		if pending.ChildID == req.ChildID && pending.Name == req.Name && pending.Version == req.Version && pending.URL == req.URL {
			a.logger.Warn("skipping firmware request, the image is already downloading", "child", req.ChildID, "operation_id", id)
			a.clearDuplicate(req, pending.Topic)
			return nil
		}
	}

	opID := a.newID()
	key := transfer.CacheKey(req.URL)
	path, err := a.cache.Lookup(key)
	switch {
	case err == nil:
		a.logger.Info("firmware cache hit, download skipped", "path", path)
		return a.dispatchOrFail(ctx, opID, req, path)
	case errors.Is(err, transfer.ErrCacheMiss):
		a.startDownload(ctx, opID, req, key)
		return nil
	default:
		a.report(req, Pending, workflow.Failed(err.Error()))
		return nil
	}
}

// resumeInFlight resends the work order of a stored operation matching
// req, returning its request topic and errAlreadyAddressed when there is
// one.
func (a *Actor) resumeInFlight(ctx context.Context, req request) (string, error) {
	records, err := a.listRecords(ctx)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if !rec.sameRequest(req) {
			continue
		}
		if err := a.resend(ctx, rec); err != nil {
			return "", err
		}
		return rec.CommandTopic, errAlreadyAddressed
	}
	return "", nil
}

// clearDuplicate removes the retained command of a request absorbed by
// the operation reported on tracked. A redelivery of the tracked command
// itself is left alone.
func (a *Actor) clearDuplicate(req request, tracked string) {
	if req.Topic == "" || req.Topic == tracked {
		return
	}
	dup := workflow.NewCommandState(req.Topic, "", nil).Clear()
	if err := operation.PublishState(a.pub, dup); err != nil {
		a.logger.Warn("clearing duplicate firmware request failed", "topic", req.Topic, "error", err)
	}
}

func (a *Actor) startDownload(ctx context.Context, opID string, req request, cacheKey string) {
	a.logger.Info("awaiting firmware download", "operation_id", opID, "url", req.URL)
	a.pendingDownloads[opID] = req
	go func() {
		res, err := a.downloader.Download(ctx, transfer.DownloadRequest{
			URL:  req.URL,
			Path: a.cache.Path(cacheKey),
		})
		a.post(downloadDone{operationID: opID, result: res, err: err})
	}()
}

func (a *Actor) onDownload(ctx context.Context, m downloadDone) error {
	req, ok := a.pendingDownloads[m.operationID]
	if !ok {
		a.logger.Error("download completed for unknown operation", "operation_id", m.operationID)
		return nil
	}
	delete(a.pendingDownloads, m.operationID)

	if m.err != nil {
		a.report(req, Pending, workflow.Failed(fmt.Sprintf("Download from %s failed with %v", req.URL, m.err)))
		return nil
	}
	return a.dispatchOrFail(ctx, m.operationID, req, m.result.Path)
}

// dispatchOrFail sends the work order for a downloaded image. Store
// failures are fatal; any other failure fails the request.
func (a *Actor) dispatchOrFail(ctx context.Context, opID string, req request, downloaded string) error {
	err := a.dispatch(ctx, opID, req, downloaded)
	var storeErr *storeError
	if errors.As(err, &storeErr) {
		return err
	}
	if err != nil {
		a.report(req, Pending, workflow.Failed(err.Error()))
	}
	return nil
}

func (a *Actor) dispatch(ctx context.Context, opID string, req request, downloaded string) error {
	key := transfer.CacheKey(req.URL)
	if _, err := a.cache.Adopt(downloaded, key); err != nil {
		return err
	}
	link, err := a.cache.Publish(key, a.cfg.FileTransferDir, req.ChildID, UpdateOperation, key)
	if err != nil {
		return err
	}
	sum, err := transfer.FileSHA256(link)
	if err != nil {
		return fmt.Errorf("hashing firmware image: %w", err)
	}

	rec := Record{
		OperationID:     opID,
		ChildID:         req.ChildID,
		Name:            req.Name,
		Version:         req.Version,
		ServerURL:       req.URL,
		FileTransferURL: transfer.FileTransferURL(a.cfg.FileTransferHost, req.ChildID, UpdateOperation, key),
		SHA256:          sum,
		Attempt:         1,
		CommandTopic:    req.Topic,
		RequestPayload:  req.Payload,
	}
	if err := a.store.Put(ctx, rec.OperationID, rec); err != nil {
		return &storeError{err}
	}
	a.publishWorkOrder(rec)
	a.activate(rec.Key(), time.Now())
	return nil
}

func (a *Actor) onResponse(ctx context.Context, m childResponse) error {
	key := OperationKey{ChildID: m.childID, OperationID: m.state.CmdID()}
	sl, ok := a.active[key]
	if !ok {
		if !m.state.IsInit() {
			a.logger.Info("response from child for unknown firmware request", "child", key.ChildID, "operation_id", key.OperationID)
		}
		return nil
	}
	if m.state.IsInit() || m.state.IsScheduled() {
		return nil
	}
	a.logger.Info("firmware response received", "child", key.ChildID, "operation_id", key.OperationID, "status", m.state.Status)

	rec, err := a.store.Get(ctx, key.OperationID)
	if errors.Is(err, recovery.ErrNotFound) {
		a.logger.Error("no record for active firmware operation", "operation_id", key.OperationID)
		a.deactivate(key)
		return nil
	}
	if err != nil {
		return &storeError{err}
	}
	req := rec.request()

	if sl.state == Pending {
		a.report(req, Executing, workflow.Executing())
		sl.state = Executing
	}

	switch {
	case m.state.IsExecuting():
		a.arm(key, sl)
		return nil
	case m.state.IsSuccessful():
		a.report(req, Executing, workflow.Successful())
		return a.finish(ctx, rec, workflow.StatusSuccessful)
	case m.state.IsFailed():
		reason, ok := m.state.FailureReason()
		if !ok || reason == "" {
			reason = noChildReason
		}
		a.report(req, Executing, workflow.Failed(reason))
		return a.finish(ctx, rec, workflow.StatusFailed)
	default:
		a.logger.Warn("unexpected firmware status from child", "child", key.ChildID, "status", m.state.Status)
		return nil
	}
}

func (a *Actor) onTimeout(ctx context.Context, m timeoutFired) error {
	sl, ok := a.active[m.key]
	if !ok || sl.generation != m.generation {
		return nil
	}

	rec, err := a.store.Get(ctx, m.key.OperationID)
	if err != nil && !errors.Is(err, recovery.ErrNotFound) {
		return &storeError{err}
	}
	reason := fmt.Sprintf("Child device %s did not respond within the timeout interval of %dsec. Operation ID=%s",
		m.key.ChildID, int(a.cfg.Timeout.Seconds()), m.key.OperationID)
	a.logger.Error(reason)

	if err == nil {
		a.report(rec.request(), sl.state, workflow.Failed(reason))
	}
	return a.finish(ctx, Record{OperationID: m.key.OperationID, ChildID: m.key.ChildID}, workflow.StatusFailed)
}

// finish removes a terminated operation and clears its work order.
func (a *Actor) finish(ctx context.Context, rec Record, status string) error {
	key := rec.Key()
	if sl, ok := a.active[key]; ok {
		a.metrics.RecordOutcome(UpdateOperation, rec.ChildID, status, time.Since(sl.started))
	}
	a.deactivate(key)
	if err := a.store.Delete(ctx, rec.OperationID); err != nil {
		return &storeError{err}
	}
	order := workflow.NewCommandState(a.flashTopic(rec.ChildID, rec.OperationID), "", nil).Clear()
	if err := operation.PublishState(a.pub, order); err != nil {
		a.logger.Warn("clearing firmware work order failed", "error", err)
	}
	return nil
}

// resendStored resends every stored operation with an incremented attempt.
func (a *Actor) resendStored(ctx context.Context) error {
	records, err := a.listRecords(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := a.resend(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (a *Actor) resend(ctx context.Context, rec Record) error {
	rec.Attempt++
	if err := a.store.Put(ctx, rec.OperationID, rec); err != nil {
		return &storeError{err}
	}
	a.publishWorkOrder(rec)
	started := time.Now()
	if sl, ok := a.active[rec.Key()]; ok {
		started = sl.started
	}
	a.activate(rec.Key(), started)
	return nil
}

func (a *Actor) listRecords(ctx context.Context) ([]Record, error) {
	records, err := a.store.List(ctx)
	if errors.Is(err, recovery.ErrCorruptRecord) {
		a.logger.Warn("skipping unreadable firmware records", "error", err)
		return records, nil
	}
	if err != nil {
		return nil, &storeError{err}
	}
	return records, nil
}

func (a *Actor) publishWorkOrder(rec Record) {
	order := workflow.NewCommandState(a.flashTopic(rec.ChildID, rec.OperationID), workflow.StatusInit, rec.workOrder())
	if err := operation.PublishState(a.pub, order); err != nil {
		a.logger.Warn("sending firmware work order failed", "operation_id", rec.OperationID, "error", err)
		return
	}
	a.logger.Info("firmware work order sent", "operation_id", rec.OperationID, "child", rec.ChildID, "attempt", rec.Attempt)
}

// report publishes the state of the original request. A request failing
// before the child acknowledged it goes through executing first.
func (a *Actor) report(req request, current ActiveState, update workflow.StateUpdate) {
	if req.Topic == "" {
		return
	}
	if update.Status == workflow.StatusFailed {
		a.logger.Error("firmware operation failed", "child", req.ChildID, "reason", update.Reason)
		if current == Pending {
			a.publishRequestState(req, workflow.Executing())
		}
	}
	a.publishRequestState(req, update)
}

func (a *Actor) publishRequestState(req request, update workflow.StateUpdate) {
	state := workflow.NewCommandState(req.Topic, update.Status, req.payload()).Update(update)
	if err := operation.PublishState(a.pub, state); err != nil {
		a.logger.Warn("reporting firmware request state failed", "topic", req.Topic, "error", err)
	}
}

// activate marks key Pending and arms its timeout.
func (a *Actor) activate(key OperationKey, started time.Time) {
	sl, ok := a.active[key]
	if !ok {
		sl = &slot{}
		a.active[key] = sl
	}
	sl.state = Pending
	sl.started = started
	a.arm(key, sl)
}

// arm (re)starts the timeout of a slot. The generation makes a timer that
// fires after being replaced a no-op.
func (a *Actor) arm(key OperationKey, sl *slot) {
	if sl.timer != nil {
		sl.timer.Stop()
	}
	a.generation++
	gen := a.generation
	sl.generation = gen
	sl.timer = time.AfterFunc(a.cfg.Timeout, func() {
		a.post(timeoutFired{key: key, generation: gen})
	})
}

func (a *Actor) deactivate(key OperationKey) {
	if sl, ok := a.active[key]; ok {
		if sl.timer != nil {
			sl.timer.Stop()
		}
		delete(a.active, key)
	}
}

func (a *Actor) stopTimers() {
	for _, sl := range a.active {
		if sl.timer != nil {
			sl.timer.Stop()
		}
	}
}

func (a *Actor) flashTopic(childID, opID string) string {
	return a.cfg.Schema.Topic(entity.DeviceTopicID(childID), entity.CommandChannel{
		Operation: FlashOperation,
		CmdID:     opID,
	})
}

// storeError marks a durable store failure, which is fatal for the actor.
type storeError struct {
	err error
}

func (e *storeError) Error() string { return "firmware store: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }
