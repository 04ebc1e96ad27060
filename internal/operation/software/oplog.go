package software

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/process"
)

// opLog is the log file of one operation. Its path is reported to the
// requester as logPath. A nil *opLog discards everything.
type opLog struct {
	f *os.File
}

func newOpLog(dir, operation string, now time.Time) (*opLog, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating operation log directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s.log", strings.ReplaceAll(operation, "_", "-"), now.UTC().Format("2006-01-02T15:04:05.000Z"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640) //nolint:gosec // Path built from the configured log directory
	if err != nil {
		return nil, fmt.Errorf("creating operation log: %w", err)
	}
	return &opLog{f: f}, nil
}

func (l *opLog) path() string {
	if l == nil {
		return ""
	}
	return l.f.Name()
}

func (l *opLog) command(binary string, args []string, res process.Result, err error) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.f, "----- $ %s %s\n", binary, strings.Join(args, " "))
	if err != nil {
		fmt.Fprintf(l.f, "error: %v\n", err)
	} else {
		fmt.Fprintf(l.f, "exit status: %d\n", res.ExitCode)
	}
	if res.Stdout != "" {
		fmt.Fprintf(l.f, "\nstdout <<EOF\n%sEOF\n", withNewline(res.Stdout))
	}
	if res.Stderr != "" {
		fmt.Fprintf(l.f, "\nstderr <<EOF\n%sEOF\n", withNewline(res.Stderr))
	}
	fmt.Fprintln(l.f)
}

func (l *opLog) note(format string, args ...any) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.f, format+"\n", args...)
}

func (l *opLog) close() error {
	if l == nil {
		return nil
	}
	return l.f.Close()
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
