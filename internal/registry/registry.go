package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
)

// mailboxSize is the capacity of the request mailbox.
const mailboxSize = 64

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Notifier is told about every committed change, from the registry
// goroutine, so the changes can be republished on the bus.
type Notifier interface {
	EntityRegistered(m *entity.Metadata)
	EntityDeleted(m *entity.Metadata)
	// TwinChanged is called with a nil value when a fragment is removed.
	TwinChanged(id entity.TopicID, key string, value json.RawMessage)
}

type noopNotifier struct{}

func (noopNotifier) EntityRegistered(*entity.Metadata)                   {}
func (noopNotifier) EntityDeleted(*entity.Metadata)                      {}
func (noopNotifier) TwinChanged(entity.TopicID, string, json.RawMessage) {}

// Filters selects entities for List.
type Filters struct {
	// Root selects an entity and all its descendants.
	Root *entity.TopicID
	// Parent selects the direct children of an entity.
	Parent *entity.TopicID
	// Type keeps only entities of this type.
	Type entity.Type
}

// Validate rejects Root and Parent given together.
func (f Filters) Validate() error {
	if f.Root != nil && f.Parent != nil {
		return ErrIncompatibleFilters
	}
	return nil
}

// Registry is the entity registry actor. A single goroutine (Run) owns the
// entity map; the public methods post requests into its mailbox and wait
// for the reply.
//
// The registry must be started with Run before it answers any request.
type Registry struct {
	repo           Repository
	notifier       Notifier
	logger         Logger
	mainExternalID string

	inbox chan request
	done  chan struct{}

	// Owned by the Run goroutine.
	entities map[entity.TopicID]*entity.Metadata
	children map[entity.TopicID][]entity.TopicID
	order    []entity.TopicID
}

// New creates a registry persisting into repo. mainExternalID is the
// external id of the main device, used to derive default external ids.
func New(repo Repository, mainExternalID string) *Registry {
	return &Registry{
		repo:           repo,
		notifier:       noopNotifier{},
		logger:         noopLogger{},
		mainExternalID: mainExternalID,
		inbox:          make(chan request, mailboxSize),
		done:           make(chan struct{}),
		entities:       make(map[entity.TopicID]*entity.Metadata),
		children:       make(map[entity.TopicID][]entity.TopicID),
	}
}

// SetLogger sets the logger. Call before Run.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetNotifier sets the change notifier. Call before Run.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

// Run loads the stored entities, seeds the main device and serves requests
// until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	defer close(r.done)

	if err := r.load(ctx); err != nil {
		return err
	}
	r.logger.Info("entity registry started", "entities", len(r.entities))

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-r.inbox:
			r.dispatch(ctx, req)
		}
	}
}

func (r *Registry) load(ctx context.Context) error {
	stored, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading entities: %w", err)
	}
	for _, m := range stored {
		r.insert(m)
	}

	if _, ok := r.entities[entity.MainDevice]; !ok {
		main := &entity.Metadata{
			TopicID:    entity.MainDevice,
			ExternalID: r.mainExternalID,
			Type:       entity.TypeMainDevice,
		}
		if err := r.repo.Save(ctx, main); err != nil {
			return fmt.Errorf("seeding main device: %w", err)
		}
		r.insert(main)
		r.notifier.EntityRegistered(main.Clone())
	}
	return nil
}

// Create registers a new entity and returns the ids it affected. An
// identical re-registration returns no ids and no error.
func (r *Registry) Create(ctx context.Context, reg entity.Registration) ([]entity.TopicID, error) {
	return call(ctx, r, func(reply chan result[[]entity.TopicID]) request {
		return createRequest{reg: reg, reply: reply}
	})
}

// Get returns an entity. The boolean is false when it is not registered.
func (r *Registry) Get(ctx context.Context, id entity.TopicID) (*entity.Metadata, bool, error) {
	m, err := call(ctx, r, func(reply chan result[*entity.Metadata]) request {
		return getRequest{id: id, reply: reply}
	})
	return m, m != nil, err
}

// Update changes the parent and/or health endpoint of an entity.
func (r *Registry) Update(ctx context.Context, id entity.TopicID, upd entity.Update) (*entity.Metadata, error) {
	return call(ctx, r, func(reply chan result[*entity.Metadata]) request {
		return updateRequest{id: id, update: upd, reply: reply}
	})
}

// Delete removes an entity and all its descendants. The returned list is
// parent first; it is empty when id is unknown.
func (r *Registry) Delete(ctx context.Context, id entity.TopicID) ([]entity.Metadata, error) {
	return call(ctx, r, func(reply chan result[[]entity.Metadata]) request {
		return deleteRequest{id: id, reply: reply}
	})
}

// List returns the entities matching filters.
func (r *Registry) List(ctx context.Context, filters Filters) ([]entity.Metadata, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}
	return call(ctx, r, func(reply chan result[[]entity.Metadata]) request {
		return listRequest{filters: filters, reply: reply}
	})
}

// GetTwinFragment returns one twin fragment. The boolean is false when the
// key is not set.
func (r *Registry) GetTwinFragment(ctx context.Context, id entity.TopicID, key string) (json.RawMessage, bool, error) {
	v, err := call(ctx, r, func(reply chan result[json.RawMessage]) request {
		return getTwinRequest{id: id, key: key, reply: reply}
	})
	return v, v != nil, err
}

// SetTwinFragment sets one twin fragment; a null value removes it. It
// reports whether anything changed.
func (r *Registry) SetTwinFragment(ctx context.Context, id entity.TopicID, key string, value json.RawMessage) (bool, error) {
	return call(ctx, r, func(reply chan result[bool]) request {
		return setTwinRequest{id: id, key: key, value: value, reply: reply}
	})
}

// GetTwinFragments returns all twin fragments of an entity.
func (r *Registry) GetTwinFragments(ctx context.Context, id entity.TopicID) (map[string]json.RawMessage, error) {
	return call(ctx, r, func(reply chan result[map[string]json.RawMessage]) request {
		return getTwinsRequest{id: id, reply: reply}
	})
}

// SetTwinFragments replaces all twin fragments of an entity. An empty map
// clears them. Nothing changes when one key is invalid.
func (r *Registry) SetTwinFragments(ctx context.Context, id entity.TopicID, fragments map[string]json.RawMessage) error {
	_, err := call(ctx, r, func(reply chan result[struct{}]) request {
		return setTwinsRequest{id: id, fragments: fragments, reply: reply}
	})
	return err
}

// call posts a request and waits for its reply.
func call[T any](ctx context.Context, r *Registry, build func(chan result[T]) request) (T, error) {
	var zero T
	reply := make(chan result[T], 1)

	select {
	case r.inbox <- build(reply):
	case <-r.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.value, res.err
	case <-r.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Registry) dispatch(ctx context.Context, req request) {
	switch req := req.(type) {
	case createRequest:
		ids, err := r.create(ctx, req.reg)
		req.reply <- result[[]entity.TopicID]{ids, err}
	case getRequest:
		var m *entity.Metadata
		if e, ok := r.entities[req.id]; ok {
			m = e.Clone()
		}
		req.reply <- result[*entity.Metadata]{m, nil}
	case updateRequest:
		m, err := r.update(ctx, req.id, req.update)
		req.reply <- result[*entity.Metadata]{m, err}
	case deleteRequest:
		deleted, err := r.delete(ctx, req.id)
		req.reply <- result[[]entity.Metadata]{deleted, err}
	case listRequest:
		req.reply <- result[[]entity.Metadata]{r.list(req.filters), nil}
	case getTwinRequest:
		v, err := r.getTwin(req.id, req.key)
		req.reply <- result[json.RawMessage]{v, err}
	case setTwinRequest:
		changed, err := r.setTwin(ctx, req.id, req.key, req.value)
		req.reply <- result[bool]{changed, err}
	case getTwinsRequest:
		v, err := r.getTwins(req.id)
		req.reply <- result[map[string]json.RawMessage]{v, err}
	case setTwinsRequest:
		err := r.setTwins(ctx, req.id, req.fragments)
		req.reply <- result[struct{}]{struct{}{}, err}
	}
}

func (r *Registry) create(ctx context.Context, reg entity.Registration) ([]entity.TopicID, error) {
	reg.ApplyDefaults()
	switch {
	case reg.ExternalID != "":
	case reg.TopicID == entity.MainDevice:
		reg.ExternalID = r.mainExternalID
	default:
		reg.ExternalID = entity.DefaultExternalID(r.mainExternalID, reg.TopicID)
	}
	for key := range reg.Twin {
		if err := entity.ValidateTwinKey(key); err != nil {
			return nil, err
		}
	}

	m := reg.Metadata()
	if existing, ok := r.entities[reg.TopicID]; ok {
		if existing.SameRegistration(m) {
			return nil, nil
		}
		return nil, &AlreadyRegisteredError{ID: reg.TopicID}
	}
	if m.Parent != nil {
		if _, ok := r.entities[*m.Parent]; !ok {
			return nil, &NoParentError{Parent: *m.Parent}
		}
	}

	for k, v := range reg.Twin {
		if entity.IsNull(v) {
			continue
		}
		if m.Twin == nil {
			m.Twin = make(map[string]json.RawMessage)
		}
		m.Twin[k] = v
	}

	if err := r.repo.Save(ctx, m); err != nil {
		return nil, err
	}
	r.insert(m)
	r.logger.Debug("entity registered", "topic_id", m.TopicID.String(), "type", string(m.Type))

	r.notifier.EntityRegistered(m.Clone())
	for k, v := range m.Twin {
		r.notifier.TwinChanged(m.TopicID, k, v)
	}
	return []entity.TopicID{m.TopicID}, nil
}

func (r *Registry) update(ctx context.Context, id entity.TopicID, upd entity.Update) (*entity.Metadata, error) {
	current, ok := r.entities[id]
	if !ok {
		return nil, &UnknownEntityError{ID: id}
	}

	next := current.Clone()
	if upd.Parent != nil {
		parent := *upd.Parent
		if _, ok := r.entities[parent]; !ok {
			return nil, &NoParentError{Parent: parent}
		}
		if r.isAncestorOrSelf(id, parent) {
			return nil, &InvalidParentError{ID: id, Parent: parent}
		}
		next.Parent = &parent
	}
	if upd.Health != nil {
		next.Health = *upd.Health
	}
	if next.SameRegistration(current) {
		return next, nil
	}

	if err := r.repo.Save(ctx, next); err != nil {
		return nil, err
	}
	r.unlinkChild(current)
	r.entities[id] = next
	r.linkChild(next)

	r.notifier.EntityRegistered(next.Clone())
	return next.Clone(), nil
}

// isAncestorOrSelf reports whether id is candidate or one of its ancestors.
func (r *Registry) isAncestorOrSelf(id, candidate entity.TopicID) bool {
	seen := make(map[entity.TopicID]bool)
	for cur := candidate; !seen[cur]; {
		if cur == id {
			return true
		}
		seen[cur] = true
		m, ok := r.entities[cur]
		if !ok || m.Parent == nil {
			return false
		}
		cur = *m.Parent
	}
	return false
}

func (r *Registry) delete(ctx context.Context, id entity.TopicID) ([]entity.Metadata, error) {
	if id == entity.MainDevice {
		return nil, ErrMainDevice
	}
	if _, ok := r.entities[id]; !ok {
		return nil, nil
	}

	ids := r.subtree(id)
	if err := r.repo.Delete(ctx, ids); err != nil {
		return nil, err
	}

	deleted := make([]entity.Metadata, 0, len(ids))
	for _, d := range ids {
		m := r.entities[d]
		deleted = append(deleted, *m.Clone())
		r.remove(m)
	}
	for i := range deleted {
		r.notifier.EntityDeleted(&deleted[i])
	}
	r.logger.Debug("entities deleted", "root", id.String(), "count", len(deleted))
	return deleted, nil
}

func (r *Registry) list(f Filters) []entity.Metadata {
	var ids []entity.TopicID
	switch {
	case f.Root != nil:
		if _, ok := r.entities[*f.Root]; ok {
			ids = r.subtree(*f.Root)
		}
	case f.Parent != nil:
		ids = r.children[*f.Parent]
	default:
		for _, id := range r.order {
			if r.entities[id].Parent == nil {
				ids = append(ids, r.subtree(id)...)
			}
		}
	}

	out := make([]entity.Metadata, 0, len(ids))
	for _, id := range ids {
		m := r.entities[id]
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		out = append(out, *m.Clone())
	}
	return out
}

func (r *Registry) getTwin(id entity.TopicID, key string) (json.RawMessage, error) {
	m, ok := r.entities[id]
	if !ok {
		return nil, &UnknownEntityError{ID: id}
	}
	v, ok := m.Twin[key]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), v...), nil
}

func (r *Registry) getTwins(id entity.TopicID) (map[string]json.RawMessage, error) {
	m, ok := r.entities[id]
	if !ok {
		return nil, &UnknownEntityError{ID: id}
	}
	out := make(map[string]json.RawMessage, len(m.Twin))
	for k, v := range m.Twin {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out, nil
}

func (r *Registry) setTwin(ctx context.Context, id entity.TopicID, key string, value json.RawMessage) (bool, error) {
	if err := entity.ValidateTwinKey(key); err != nil {
		return false, err
	}
	current, ok := r.entities[id]
	if !ok {
		return false, &UnknownEntityError{ID: id}
	}

	old, had := current.Twin[key]
	remove := entity.IsNull(value)
	switch {
	case remove && !had:
		return false, nil
	case !remove && had && bytes.Equal(compact(old), compact(value)):
		return false, nil
	}

	next := current.Clone()
	if remove {
		delete(next.Twin, key)
	} else {
		if next.Twin == nil {
			next.Twin = make(map[string]json.RawMessage)
		}
		next.Twin[key] = append(json.RawMessage(nil), value...)
	}
	if err := r.repo.Save(ctx, next); err != nil {
		return false, err
	}
	r.entities[id] = next

	if remove {
		r.notifier.TwinChanged(id, key, nil)
	} else {
		r.notifier.TwinChanged(id, key, next.Twin[key])
	}
	return true, nil
}

func (r *Registry) setTwins(ctx context.Context, id entity.TopicID, fragments map[string]json.RawMessage) error {
	for key := range fragments {
		if err := entity.ValidateTwinKey(key); err != nil {
			return err
		}
	}
	current, ok := r.entities[id]
	if !ok {
		return &UnknownEntityError{ID: id}
	}

	next := current.Clone()
	next.Twin = nil
	for k, v := range fragments {
		if entity.IsNull(v) {
			continue
		}
		if next.Twin == nil {
			next.Twin = make(map[string]json.RawMessage)
		}
		next.Twin[k] = append(json.RawMessage(nil), v...)
	}
	if err := r.repo.Save(ctx, next); err != nil {
		return err
	}
	r.entities[id] = next

	for k := range current.Twin {
		if _, ok := next.Twin[k]; !ok {
			r.notifier.TwinChanged(id, k, nil)
		}
	}
	for k, v := range next.Twin {
		if old, ok := current.Twin[k]; !ok || !bytes.Equal(compact(old), compact(v)) {
			r.notifier.TwinChanged(id, k, v)
		}
	}
	return nil
}

// subtree returns id and its descendants, breadth first.
func (r *Registry) subtree(id entity.TopicID) []entity.TopicID {
	out := []entity.TopicID{id}
	seen := map[entity.TopicID]bool{id: true}
	for i := 0; i < len(out); i++ {
		for _, c := range r.children[out[i]] {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

func (r *Registry) insert(m *entity.Metadata) {
	r.entities[m.TopicID] = m
	r.order = append(r.order, m.TopicID)
	r.linkChild(m)
}

func (r *Registry) remove(m *entity.Metadata) {
	r.unlinkChild(m)
	delete(r.children, m.TopicID)
	delete(r.entities, m.TopicID)
	for i, id := range r.order {
		if id == m.TopicID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) linkChild(m *entity.Metadata) {
	if m.Parent != nil {
		r.children[*m.Parent] = append(r.children[*m.Parent], m.TopicID)
	}
}

func (r *Registry) unlinkChild(m *entity.Metadata) {
	if m.Parent == nil {
		return
	}
	siblings := r.children[*m.Parent]
	for i, id := range siblings {
		if id == m.TopicID {
			r.children[*m.Parent] = append(siblings[:i:i], siblings[i+1:]...)
			return
		}
	}
}

// compact normalises JSON whitespace for comparisons.
func compact(v json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}
