package operation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/workflow"
)

func (p *fakePublisher) statuses(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		if m.topic == topic {
			out = append(out, m.payload)
		}
	}
	return out
}

func waitForMessages(t *testing.T, p *fakePublisher, topic string, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := p.statuses(topic); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages on %s: %v", n, topic, p.statuses(topic))
	return nil
}

func startWorker(t *testing.T, w *Worker) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx) //nolint:errcheck // Run only returns nil
	t.Cleanup(cancel)
	return ctx
}

func TestWorker_Execute(t *testing.T) {
	pub := &fakePublisher{}
	w := NewWorker(WorkerConfig{
		Name: "test",
		Operations: map[string]ExecuteFunc{
			"config_snapshot": func(_ context.Context, s *workflow.CommandState) error {
				s.Payload["path"] = "/tmp/x"
				return nil
			},
			"config_update": func(context.Context, *workflow.CommandState) error {
				return errors.New("no such type")
			},
		},
		Metadata: map[string]any{"types": []string{"agent"}},
	}, pub)

	wantFilters := []string{"te/+/+/+/+/cmd/config_snapshot/+", "te/+/+/+/+/cmd/config_update/+"}
	if got := w.Filters(); strings.Join(got, " ") != strings.Join(wantFilters, " ") {
		t.Errorf("Filters() = %v", got)
	}

	ctx := startWorker(t, w)
	meta := waitForMessages(t, pub, "te/device/main///cmd/config_update", 1)
	if meta[0] != `{"types":["agent"]}` {
		t.Errorf("metadata = %s", meta[0])
	}

	snapshot := "te/device/main///cmd/config_snapshot/1"
	if err := w.Handle(ctx, Message{Topic: snapshot, Payload: []byte(`{"status":"init","type":"agent"}`)}); err != nil {
		t.Fatal(err)
	}
	got := waitForMessages(t, pub, snapshot, 2)
	if !strings.Contains(got[0], `"status":"executing"`) {
		t.Errorf("first state = %s", got[0])
	}
	if !strings.Contains(got[1], `"status":"successful"`) || !strings.Contains(got[1], `"path":"/tmp/x"`) {
		t.Errorf("final state = %s", got[1])
	}

	update := "te/device/main///cmd/config_update/2"
	if err := w.Handle(ctx, Message{Topic: update, Payload: []byte(`{"status":"init"}`)}); err != nil {
		t.Fatal(err)
	}
	got = waitForMessages(t, pub, update, 2)
	if !strings.Contains(got[1], `"status":"failed"`) || !strings.Contains(got[1], `"reason":"no such type"`) {
		t.Errorf("final state = %s", got[1])
	}
}

func TestWorker_IgnoresForeignCommands(t *testing.T) {
	pub := &fakePublisher{}
	called := make(chan struct{}, 4)
	w := NewWorker(WorkerConfig{
		Target: entity.MainDevice,
		Operations: map[string]ExecuteFunc{
			"log_upload": func(context.Context, *workflow.CommandState) error {
				called <- struct{}{}
				return nil
			},
		},
	}, pub)
	ctx := startWorker(t, w)

	for _, msg := range []Message{
		{Topic: "te/device/child///cmd/log_upload/1", Payload: []byte(`{"status":"init"}`)},
		{Topic: "te/device/main///cmd/restart/1", Payload: []byte(`{"status":"init"}`)},
		{Topic: "te/device/main///cmd/log_upload/1", Payload: []byte(`{"status":"executing"}`)},
		{Topic: "te/device/main///cmd/log_upload/1", Payload: nil},
		{Topic: "te/device/main///cmd/log_upload/1", Payload: []byte(`{`)},
	} {
		if err := w.Handle(ctx, msg); err != nil {
			t.Fatalf("Handle(%s) error = %v", msg.Topic, err)
		}
	}

	select {
	case <-called:
		t.Error("foreign command executed")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestWorker_HandleAfterStop(t *testing.T) {
	w := NewWorker(WorkerConfig{Operations: map[string]ExecuteFunc{
		"log_upload": func(context.Context, *workflow.CommandState) error { return nil },
	}}, &fakePublisher{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}

	err := w.Handle(context.Background(), Message{Topic: "te/device/main///cmd/log_upload/1", Payload: []byte(`{"status":"init"}`)})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Handle() error = %v, want ErrStopped", err)
	}
}
