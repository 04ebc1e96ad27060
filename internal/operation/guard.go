package operation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/process"
)

const (
	defaultGuardGrace   = 5 * time.Second
	versionProbeTimeout = 10 * time.Second
)

// VersionGuard detects that the agent binary on disk was replaced by a
// software update while the agent keeps running the old one.
type VersionGuard struct {
	Name    string
	Version string
	Binary  string
	Grace   time.Duration

	exec   process.Executor
	logger Logger
}

// NewVersionGuard creates a guard for the running agent.
func NewVersionGuard(exec process.Executor, name, version, binary string) *VersionGuard {
	return &VersionGuard{
		Name:    name,
		Version: version,
		Binary:  binary,
		Grace:   defaultGuardGrace,
		exec:    exec,
		logger:  NopLogger{},
	}
}

// SetLogger sets the logger for the guard.
func (g *VersionGuard) SetLogger(logger Logger) {
	g.logger = logger
}

// Check runs "<binary> --version" and compares its "<name> <version>"
// output with the running version. On a mismatch it waits for the grace
// delay, so the final command states reach the broker, then returns
// ErrNotRunningLatestVersion. A binary that cannot be probed is logged and
// ignored.
func (g *VersionGuard) Check(ctx context.Context) error {
	if g == nil || g.Binary == "" {
		return nil
	}

	res, err := g.exec.Run(ctx, process.Command{
		Name:    g.Name + " version probe",
		Binary:  g.Binary,
		Args:    []string{"--version"},
		Timeout: versionProbeTimeout,
	})
	if err != nil {
		g.logger.Warn("cannot probe installed agent version", "binary", g.Binary, "error", err)
		return nil
	}

	installed, ok := parseVersionLine(res.Stdout, g.Name)
	if !ok {
		g.logger.Warn("unexpected version output", "binary", g.Binary, "output", strings.TrimSpace(res.Stdout))
		return nil
	}
	if installed == g.Version {
		return nil
	}

	g.logger.Warn("agent binary updated, restart required",
		"running", g.Version,
		"installed", installed,
		"grace", g.Grace,
	)
	select {
	case <-time.After(g.Grace):
	case <-ctx.Done():
	}
	return fmt.Errorf("%w: running %s, installed %s", ErrNotRunningLatestVersion, g.Version, installed)
}

// parseVersionLine extracts the version from "<name> <version>".
func parseVersionLine(out, name string) (string, bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != name {
		return "", false
	}
	return fields[1], true
}
