package configmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/operation"
	"github.com/nerrad567/gray-logic-agent/internal/transfer"
	"github.com/nerrad567/gray-logic-agent/internal/workflow"
)

// Operation names on the bus.
const (
	SnapshotOperation = "config_snapshot"
	UpdateOperation   = "config_update"
)

// Transferer moves files to and from the file transfer service.
type Transferer interface {
	transfer.Downloader
	transfer.Uploader
}

// Config configures the configuration manager.
type Config struct {
	Schema entity.Schema
	Target entity.TopicID
	// Files maps each configuration type to its path on the device.
	Files map[string]string
}

// Manager handles configuration commands. It embeds the worker that
// queues and executes them.
type Manager struct {
	*operation.Worker

	files  map[string]string
	client Transferer
}

// New creates a configuration manager.
func New(cfg Config, client Transferer, pub operation.Publisher) *Manager {
	m := &Manager{files: cfg.Files, client: client}
	m.Worker = operation.NewWorker(operation.WorkerConfig{
		Name:   "configmgr",
		Schema: cfg.Schema,
		Target: cfg.Target,
		Operations: map[string]operation.ExecuteFunc{
			SnapshotOperation: m.snapshot,
			UpdateOperation:   m.update,
		},
		Metadata: map[string]any{"types": m.Types()},
	}, pub)
	return m
}

// Types returns the configured configuration types, sorted.
func (m *Manager) Types() []string {
	types := make([]string, 0, len(m.files))
	for t := range m.files {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (m *Manager) lookup(state *workflow.CommandState) (string, string, error) {
	typ := text(state.Payload, "type")
	path, ok := m.files[typ]
	if !ok {
		return typ, "", fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return typ, path, nil
}

// snapshot uploads the current file of the requested type.
func (m *Manager) snapshot(ctx context.Context, state *workflow.CommandState) error {
	_, path, err := m.lookup(state)
	if err != nil {
		return err
	}
	url := text(state.Payload, "tedgeUrl")
	if url == "" {
		return ErrMissingURL
	}
	if err := m.client.Upload(ctx, transfer.UploadRequest{
		URL:         url,
		Path:        path,
		ContentType: "application/octet-stream",
	}); err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	state.Payload["path"] = path
	return nil
}

// update replaces the file of the requested type with the downloaded one.
// The new content is written next to the target first, so a failed
// download leaves the current file untouched.
func (m *Manager) update(ctx context.Context, state *workflow.CommandState) error {
	_, path, err := m.lookup(state)
	if err != nil {
		return err
	}
	url := text(state.Payload, "tedgeUrl")
	if url == "" {
		url = text(state.Payload, "remoteUrl")
	}
	if url == "" {
		return ErrMissingURL
	}

	part := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".part")
	if _, err := m.client.Download(ctx, transfer.DownloadRequest{URL: url, Path: part}); err != nil {
		os.Remove(part) //nolint:errcheck // Partial download
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	if err := os.Rename(part, path); err != nil {
		os.Remove(part) //nolint:errcheck // Partial download
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	state.Payload["path"] = path
	return nil
}

func text(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
