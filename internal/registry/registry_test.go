package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
)

// MockRepository is an in-memory Repository for testing.
type MockRepository struct {
	mu      sync.Mutex
	rows    map[entity.TopicID]*entity.Metadata
	order   []entity.TopicID
	saveErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{rows: make(map[entity.TopicID]*entity.Metadata)}
}

func (m *MockRepository) List(_ context.Context) ([]*entity.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entity.Metadata, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.rows[id].Clone())
	}
	return out, nil
}

func (m *MockRepository) Save(_ context.Context, e *entity.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if _, ok := m.rows[e.TopicID]; !ok {
		m.order = append(m.order, e.TopicID)
	}
	m.rows[e.TopicID] = e.Clone()
	return nil
}

func (m *MockRepository) Delete(_ context.Context, ids []entity.TopicID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.rows, id)
		for i, o := range m.order {
			if o == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (m *MockRepository) has(id entity.TopicID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[id]
	return ok
}

// recordingNotifier captures change notifications.
type recordingNotifier struct {
	mu         sync.Mutex
	registered []entity.TopicID
	deleted    []entity.TopicID
	twins      []string
}

func (n *recordingNotifier) EntityRegistered(m *entity.Metadata) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registered = append(n.registered, m.TopicID)
}

func (n *recordingNotifier) EntityDeleted(m *entity.Metadata) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, m.TopicID)
}

func (n *recordingNotifier) TwinChanged(id entity.TopicID, key string, value json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.twins = append(n.twins, id.String()+"|"+key+"|"+string(value))
}

func startRegistry(t *testing.T, repo Repository) (*Registry, *recordingNotifier) {
	t.Helper()
	reg := New(repo, "edge01")
	notifier := &recordingNotifier{}
	reg.SetNotifier(notifier)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- reg.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("registry did not stop")
		}
	})
	return reg, notifier
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func child(name string) entity.TopicID { return entity.DeviceTopicID(name) }

func TestRegistry_SeedsMainDevice(t *testing.T) {
	repo := NewMockRepository()
	reg, notifier := startRegistry(t, repo)
	ctx := testCtx(t)

	m, ok, err := reg.Get(ctx, entity.MainDevice)
	if err != nil || !ok {
		t.Fatalf("Get(main) = %v, %v, %v", m, ok, err)
	}
	if m.Type != entity.TypeMainDevice || m.ExternalID != "edge01" {
		t.Errorf("main device = %+v", m)
	}
	if !repo.has(entity.MainDevice) {
		t.Error("main device not persisted")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.registered) != 1 {
		t.Errorf("registered notifications = %v", notifier.registered)
	}
}

func TestRegistry_Create(t *testing.T) {
	reg, _ := startRegistry(t, NewMockRepository())
	ctx := testCtx(t)

	ids, err := reg.Create(ctx, entity.Registration{TopicID: child("child1")})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != child("child1") {
		t.Errorf("Create() = %v", ids)
	}

	m, _, _ := reg.Get(ctx, child("child1"))
	if m.Type != entity.TypeChildDevice || m.Parent == nil || *m.Parent != entity.MainDevice {
		t.Errorf("defaults not applied: %+v", m)
	}
	if m.ExternalID != "edge01:device:child1" {
		t.Errorf("ExternalID = %q", m.ExternalID)
	}
}

func TestRegistry_Create_Errors(t *testing.T) {
	reg, _ := startRegistry(t, NewMockRepository())
	ctx := testCtx(t)

	if _, err := reg.Create(ctx, entity.Registration{TopicID: child("child1")}); err != nil {
		t.Fatal(err)
	}

	t.Run("identical re-registration is a no-op", func(t *testing.T) {
		ids, err := reg.Create(ctx, entity.Registration{TopicID: child("child1")})
		if err != nil || len(ids) != 0 {
			t.Errorf("Create() = %v, %v", ids, err)
		}
	})

	t.Run("conflicting registration", func(t *testing.T) {
		_, err := reg.Create(ctx, entity.Registration{TopicID: child("child1"), ExternalID: "other"})
		if !errors.Is(err, ErrAlreadyRegistered) {
			t.Fatalf("error = %v", err)
		}
		if err.Error() != "An entity with topic id: device/child1// is already registered" {
			t.Errorf("message = %q", err.Error())
		}
	})

	t.Run("missing parent", func(t *testing.T) {
		parent := child("ghost")
		_, err := reg.Create(ctx, entity.Registration{TopicID: child("child2"), Parent: &parent})
		var noParent *NoParentError
		if !errors.As(err, &noParent) {
			t.Fatalf("error = %v", err)
		}
		if err.Error() != `The specified parent "device/ghost//" does not exist in the entity store` {
			t.Errorf("message = %q", err.Error())
		}
		if _, ok, _ := reg.Get(ctx, child("child2")); ok {
			t.Error("entity created despite error")
		}
	})

	t.Run("invalid twin key", func(t *testing.T) {
		_, err := reg.Create(ctx, entity.Registration{
			TopicID: child("child3"),
			Twin:    map[string]json.RawMessage{"": json.RawMessage(`1`)},
		})
		var keyErr *entity.InvalidTwinKeyError
		if !errors.As(err, &keyErr) {
			t.Errorf("error = %v", err)
		}
	})
}

func TestRegistry_CreateWithTwinData(t *testing.T) {
	reg, notifier := startRegistry(t, NewMockRepository())
	ctx := testCtx(t)

	_, err := reg.Create(ctx, entity.Registration{
		TopicID: child("child1"),
		Twin:    map[string]json.RawMessage{"name": json.RawMessage(`"c1"`)},
	})
	if err != nil {
		t.Fatal(err)
	}

	v, ok, err := reg.GetTwinFragment(ctx, child("child1"), "name")
	if err != nil || !ok || string(v) != `"c1"` {
		t.Errorf("GetTwinFragment() = %s, %v, %v", v, ok, err)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.twins) != 1 || notifier.twins[0] != `device/child1//|name|"c1"` {
		t.Errorf("twin notifications = %v", notifier.twins)
	}
}

func TestRegistry_Update(t *testing.T) {
	reg, _ := startRegistry(t, NewMockRepository())
	ctx := testCtx(t)

	for _, name := range []string{"a", "b"} {
		if _, err := reg.Create(ctx, entity.Registration{TopicID: child(name)}); err != nil {
			t.Fatal(err)
		}
	}

	parent := child("a")
	m, err := reg.Update(ctx, child("b"), entity.Update{Parent: &parent})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if *m.Parent != child("a") {
		t.Errorf("Parent = %v", m.Parent)
	}
	children, _ := reg.List(ctx, Filters{Parent: &parent})
	if len(children) != 1 || children[0].TopicID != child("b") {
		t.Errorf("children of a = %v", children)
	}

	// a cannot move below its own child b.
	newParent := child("b")
	if _, err := reg.Update(ctx, child("a"), entity.Update{Parent: &newParent}); !errors.Is(err, ErrInvalidParent) {
		t.Errorf("cyclic update error = %v", err)
	}

	if _, err := reg.Update(ctx, child("zz"), entity.Update{}); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("unknown update error = %v", err)
	} else if err.Error() != "The specified entity: device/zz// does not exist in the entity store" {
		t.Errorf("message = %q", err.Error())
	}

	ghost := child("ghost")
	if _, err := reg.Update(ctx, child("a"), entity.Update{Parent: &ghost}); !errors.Is(err, ErrNoParent) {
		t.Errorf("missing parent error = %v", err)
	}
}

func TestRegistry_DeleteCascades(t *testing.T) {
	repo := NewMockRepository()
	reg, notifier := startRegistry(t, repo)
	ctx := testCtx(t)

	parent := child("gw")
	svcParent := child("plc")
	regs := []entity.Registration{
		{TopicID: child("gw")},
		{TopicID: child("plc"), Parent: &parent},
		{TopicID: entity.MustParseTopicID("device/plc/service/modbus"), Parent: &svcParent},
	}
	for _, r := range regs {
		if _, err := reg.Create(ctx, r); err != nil {
			t.Fatalf("Create(%v): %v", r.TopicID, err)
		}
	}

	deleted, err := reg.Delete(ctx, child("gw"))
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	want := []string{"device/gw//", "device/plc//", "device/plc/service/modbus"}
	if len(deleted) != len(want) {
		t.Fatalf("deleted = %v", deleted)
	}
	for i, m := range deleted {
		if m.TopicID.String() != want[i] {
			t.Errorf("deleted[%d] = %v, want %s", i, m.TopicID, want[i])
		}
		if repo.has(m.TopicID) {
			t.Errorf("%v still persisted", m.TopicID)
		}
	}
	notifier.mu.Lock()
	if len(notifier.deleted) != 3 {
		t.Errorf("deleted notifications = %v", notifier.deleted)
	}
	notifier.mu.Unlock()

	again, err := reg.Delete(ctx, child("gw"))
	if err != nil || len(again) != 0 {
		t.Errorf("second Delete() = %v, %v", again, err)
	}

	if _, err := reg.Delete(ctx, entity.MainDevice); !errors.Is(err, ErrMainDevice) {
		t.Errorf("Delete(main) error = %v", err)
	}
}

func TestRegistry_List(t *testing.T) {
	reg, _ := startRegistry(t, NewMockRepository())
	ctx := testCtx(t)

	gw := child("gw")
	regs := []entity.Registration{
		{TopicID: child("gw")},
		{TopicID: child("s1"), Parent: &gw},
		{TopicID: entity.MustParseTopicID("device/main/service/collectd")},
	}
	for _, r := range regs {
		if _, err := reg.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := reg.List(ctx, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || all[0].TopicID != entity.MainDevice {
		t.Errorf("List() = %v", all)
	}

	sub, _ := reg.List(ctx, Filters{Root: &gw})
	if len(sub) != 2 {
		t.Errorf("List(root=gw) = %v", sub)
	}

	services, _ := reg.List(ctx, Filters{Type: entity.TypeService})
	if len(services) != 1 || services[0].TopicID.String() != "device/main/service/collectd" {
		t.Errorf("List(type=service) = %v", services)
	}

	unknown := child("nope")
	if got, _ := reg.List(ctx, Filters{Root: &unknown}); len(got) != 0 {
		t.Errorf("List(root=unknown) = %v", got)
	}

	_, err = reg.List(ctx, Filters{Root: &gw, Parent: &gw})
	if !errors.Is(err, ErrIncompatibleFilters) {
		t.Errorf("incompatible filters error = %v", err)
	}
}

func TestRegistry_TwinFragments(t *testing.T) {
	reg, notifier := startRegistry(t, NewMockRepository())
	ctx := testCtx(t)
	id := entity.MainDevice

	changed, err := reg.SetTwinFragment(ctx, id, "location", json.RawMessage(`{"lat":1}`))
	if err != nil || !changed {
		t.Fatalf("SetTwinFragment() = %v, %v", changed, err)
	}
	// Same value again, different spacing: nothing changes.
	changed, err = reg.SetTwinFragment(ctx, id, "location", json.RawMessage(`{ "lat": 1 }`))
	if err != nil || changed {
		t.Errorf("repeated SetTwinFragment() = %v, %v", changed, err)
	}

	if _, ok, _ := reg.GetTwinFragment(ctx, id, "missing"); ok {
		t.Error("missing fragment reported present")
	}

	changed, err = reg.SetTwinFragment(ctx, id, "location", json.RawMessage(`null`))
	if err != nil || !changed {
		t.Errorf("delete fragment = %v, %v", changed, err)
	}
	if _, ok, _ := reg.GetTwinFragment(ctx, id, "location"); ok {
		t.Error("fragment not removed")
	}

	if _, err := reg.SetTwinFragment(ctx, id, "@bad", json.RawMessage(`1`)); err == nil {
		t.Error("invalid key accepted")
	}
	if _, err := reg.SetTwinFragment(ctx, child("nope"), "k", json.RawMessage(`1`)); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("unknown entity error = %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.twins) != 2 {
		t.Errorf("twin notifications = %v", notifier.twins)
	}
}

func TestRegistry_SetTwinFragments(t *testing.T) {
	reg, _ := startRegistry(t, NewMockRepository())
	ctx := testCtx(t)
	id := entity.MainDevice

	err := reg.SetTwinFragments(ctx, id, map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`"two"`),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = reg.SetTwinFragments(ctx, id, map[string]json.RawMessage{
		"c":   json.RawMessage(`3`),
		"x/y": json.RawMessage(`4`),
	})
	if err == nil {
		t.Fatal("invalid key accepted")
	}
	got, _ := reg.GetTwinFragments(ctx, id)
	if len(got) != 2 || string(got["a"]) != "1" {
		t.Errorf("fragments changed by a rejected bulk set: %v", got)
	}

	if err := reg.SetTwinFragments(ctx, id, map[string]json.RawMessage{}); err != nil {
		t.Fatal(err)
	}
	got, _ = reg.GetTwinFragments(ctx, id)
	if len(got) != 0 {
		t.Errorf("fragments not cleared: %v", got)
	}
}

func TestRegistry_PersistenceFailureLeavesStateUnchanged(t *testing.T) {
	repo := NewMockRepository()
	reg, _ := startRegistry(t, repo)
	ctx := testCtx(t)

	// Wait for the seed before breaking the repository.
	if _, _, err := reg.Get(ctx, entity.MainDevice); err != nil {
		t.Fatal(err)
	}
	repo.mu.Lock()
	repo.saveErr = errors.New("disk full")
	repo.mu.Unlock()

	if _, err := reg.Create(ctx, entity.Registration{TopicID: child("c")}); err == nil {
		t.Fatal("Create() should fail")
	}
	if _, ok, _ := reg.Get(ctx, child("c")); ok {
		t.Error("entity visible despite persistence failure")
	}
}

func TestRegistry_ReloadsFromRepository(t *testing.T) {
	repo := NewMockRepository()
	ctx := testCtx(t)

	parent := entity.MainDevice
	if err := repo.Save(ctx, &entity.Metadata{TopicID: entity.MainDevice, Type: entity.TypeMainDevice}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Save(ctx, &entity.Metadata{TopicID: child("old"), Type: entity.TypeChildDevice, Parent: &parent}); err != nil {
		t.Fatal(err)
	}

	reg, notifier := startRegistry(t, repo)
	if _, ok, err := reg.Get(ctx, child("old")); err != nil || !ok {
		t.Errorf("stored entity not loaded: %v", err)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.registered) != 0 {
		t.Errorf("main device reseeded: %v", notifier.registered)
	}
}

func TestRegistry_StoppedRegistry(t *testing.T) {
	reg := New(NewMockRepository(), "edge01")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := reg.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, _, err := reg.Get(context.Background(), entity.MainDevice); !errors.Is(err, ErrStopped) {
		t.Errorf("Get() on stopped registry error = %v", err)
	}
}
