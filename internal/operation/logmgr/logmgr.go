package logmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/operation"
	"github.com/nerrad567/gray-logic-agent/internal/transfer"
	"github.com/nerrad567/gray-logic-agent/internal/workflow"
)

// UploadOperation is the operation name on the bus.
const UploadOperation = "log_upload"

// DefaultLines is the number of lines uploaded when a command sets none.
const DefaultLines = 1000

const maxLineSize = 1 << 20

// Config configures the log manager.
type Config struct {
	Schema entity.Schema
	Target entity.TopicID
	// Files maps each log type to its path on the device.
	Files map[string]string
	// TmpDir receives the compressed extract before upload.
	TmpDir string
}

// Manager handles log upload commands.
type Manager struct {
	*operation.Worker

	files    map[string]string
	tmpDir   string
	uploader transfer.Uploader
}

// New creates a log manager.
func New(cfg Config, uploader transfer.Uploader, pub operation.Publisher) *Manager {
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	m := &Manager{files: cfg.Files, tmpDir: cfg.TmpDir, uploader: uploader}
	m.Worker = operation.NewWorker(operation.WorkerConfig{
		Name:       "logmgr",
		Schema:     cfg.Schema,
		Target:     cfg.Target,
		Operations: map[string]operation.ExecuteFunc{UploadOperation: m.upload},
		Metadata:   map[string]any{"types": m.Types()},
	}, pub)
	return m
}

// Types returns the configured log types, sorted.
func (m *Manager) Types() []string {
	types := make([]string, 0, len(m.files))
	for t := range m.files {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (m *Manager) upload(ctx context.Context, state *workflow.CommandState) error {
	typ, _ := state.Payload["type"].(string)
	path, ok := m.files[typ]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	url, _ := state.Payload["tedgeUrl"].(string)
	if url == "" {
		return ErrMissingURL
	}
	lines, err := lineCount(state.Payload["lines"])
	if err != nil {
		return err
	}
	search, _ := state.Payload["searchText"].(string)

	extract, err := m.extract(path, state.CmdID(), search, lines)
	if err != nil {
		return err
	}
	defer os.Remove(extract) //nolint:errcheck // Temporary extract

	if err := m.uploader.Upload(ctx, transfer.UploadRequest{
		URL:         url,
		Path:        extract,
		ContentType: "application/zstd",
	}); err != nil {
		return fmt.Errorf("uploading %s log: %w", typ, err)
	}
	state.Payload["compression"] = "zstd"
	return nil
}

// extract writes the compressed tail of path to a temporary file and
// returns its name.
func (m *Manager) extract(path, cmdID, search string, n int) (string, error) {
	f, err := os.Open(path) //nolint:gosec // Path comes from the agent configuration
	if err != nil {
		return "", fmt.Errorf("reading log: %w", err)
	}
	defer f.Close()

	tail, err := Tail(f, search, n)
	if err != nil {
		return "", fmt.Errorf("reading log %s: %w", path, err)
	}

	if err := os.MkdirAll(m.tmpDir, 0750); err != nil {
		return "", fmt.Errorf("creating temporary directory: %w", err)
	}
	out, err := os.CreateTemp(m.tmpDir, "log-"+sanitize(cmdID)+"-*.zst")
	if err != nil {
		return "", fmt.Errorf("creating log extract: %w", err)
	}
	if err := compress(out, tail); err != nil {
		out.Close()
		os.Remove(out.Name()) //nolint:errcheck // Broken extract
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name()) //nolint:errcheck // Broken extract
		return "", fmt.Errorf("writing log extract: %w", err)
	}
	return out.Name(), nil
}

// Tail returns the last n lines of r containing search. An empty search
// matches every line.
func Tail(r io.Reader, search string, n int) ([]string, error) {
	ring := make([]string, 0, min(n, 4096))
	next := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		if search != "" && !strings.Contains(line, search) {
			continue
		}
		if len(ring) < n {
			ring = append(ring, line)
			continue
		}
		ring[next] = line
		next = (next + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return append(ring[next:], ring[:next]...), nil
}

func compress(w io.Writer, lines []string) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	bw := bufio.NewWriter(enc)
	for _, line := range lines {
		bw.WriteString(line) //nolint:errcheck // Checked by Flush
		bw.WriteByte('\n')   //nolint:errcheck // Checked by Flush
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return fmt.Errorf("compressing log: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("compressing log: %w", err)
	}
	return nil
}

func lineCount(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return DefaultLines, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil || i <= 0 {
			return 0, fmt.Errorf("%w: %s", ErrInvalidLines, n)
		}
		return int(i), nil
	case float64:
		if n <= 0 || n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidLines, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidLines, v)
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == filepath.Separator || r == '*' {
			return '_'
		}
		return r
	}, s)
}
