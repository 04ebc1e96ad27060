package software

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/process"
)

const defaultPluginTimeout = 10 * time.Minute

// Module is one software module as reported or requested.
type Module struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	URL     string `json:"url,omitempty"`
	Action  string `json:"action,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// TypedModules groups modules of one software type.
type TypedModules struct {
	Type    string   `json:"type"`
	Modules []Module `json:"modules"`
}

// Module actions of an update list.
const (
	ActionInstall = "install"
	ActionRemove  = "remove"
)

// Plugins calls the software-management plugins found in a directory.
// The file name of each executable is the software type it manages.
type Plugins struct {
	dir         string
	defaultType string
	timeout     time.Duration
	exec        process.Executor
	paths       map[string]string
}

// NewPlugins creates a plugin set over dir. Call Load before use.
func NewPlugins(exec process.Executor, dir, defaultType string) *Plugins {
	return &Plugins{
		dir:         dir,
		defaultType: defaultType,
		timeout:     defaultPluginTimeout,
		exec:        exec,
		paths:       make(map[string]string),
	}
}

// Load (re)scans the plugin directory. A missing directory yields no
// plugins.
func (p *Plugins) Load() error {
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, fs.ErrNotExist) {
		p.paths = make(map[string]string)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading plugin directory: %w", err)
	}

	paths := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		paths[e.Name()] = filepath.Join(p.dir, e.Name())
	}
	p.paths = paths
	return nil
}

// Types returns the software types with a plugin, sorted.
func (p *Plugins) Types() []string {
	types := make([]string, 0, len(p.paths))
	for t := range p.paths {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Empty reports whether no plugin was found.
func (p *Plugins) Empty() bool { return len(p.paths) == 0 }

func (p *Plugins) resolve(softwareType string) (string, string, error) {
	if softwareType == "" || softwareType == "default" {
		softwareType = p.defaultType
		if softwareType == "" && len(p.paths) == 1 {
			for t := range p.paths {
				softwareType = t
			}
		}
	}
	path, ok := p.paths[softwareType]
	if !ok {
		return softwareType, "", fmt.Errorf("%w: %q", ErrUnknownPlugin, softwareType)
	}
	return softwareType, path, nil
}

func (p *Plugins) run(ctx context.Context, softwareType string, log *opLog, args ...string) (process.Result, error) {
	_, path, err := p.resolve(softwareType)
	if err != nil {
		return process.Result{}, err
	}
	res, err := p.exec.Run(ctx, process.Command{
		Name:    softwareType + " plugin",
		Binary:  path,
		Args:    args,
		Timeout: p.timeout,
	})
	log.command(path, args, res, err)
	return res, err
}

// List returns the modules of every plugin. Plugins that fail are
// reported in the error; the others are still listed.
func (p *Plugins) List(ctx context.Context, log *opLog) ([]TypedModules, error) {
	var (
		out  []TypedModules
		errs []error
	)
	for _, t := range p.Types() {
		res, err := p.run(ctx, t, log, "list")
		if err != nil {
			errs = append(errs, &PluginError{Type: t, Action: "list", Err: err})
			continue
		}
		out = append(out, TypedModules{Type: t, Modules: parseList(res.Stdout)})
	}
	return out, errors.Join(errs...)
}

// parseList parses "name\tversion" lines. The version is optional.
func parseList(out string) []Module {
	modules := []Module{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, version, _ := strings.Cut(line, "\t")
		modules = append(modules, Module{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)})
	}
	return modules
}

// Update applies an update list: for each type, prepare, then the module
// actions, then finalize. It returns the modules that failed.
func (p *Plugins) Update(ctx context.Context, updates []TypedModules, files map[string]string, log *opLog) ([]TypedModules, error) {
	var (
		failures []TypedModules
		errs     []error
	)
	for _, group := range updates {
		t, _, err := p.resolve(group.Type)
		if err != nil {
			errs = append(errs, err)
			failures = append(failures, failAll(group, err))
			continue
		}
		if _, err := p.run(ctx, t, log, "prepare"); err != nil {
			err = &PluginError{Type: t, Action: "prepare", Err: err}
			errs = append(errs, err)
			failures = append(failures, failAll(group, err))
			continue
		}

		failed := TypedModules{Type: group.Type}
		for _, m := range group.Modules {
			if err := ctx.Err(); err != nil {
				return failures, err
			}
			if err := p.apply(ctx, t, m, files, log); err != nil {
				errs = append(errs, err)
				m.Reason = err.Error()
				failed.Modules = append(failed.Modules, m)
			}
		}

		if _, err := p.run(ctx, t, log, "finalize"); err != nil {
			err = &PluginError{Type: t, Action: "finalize", Err: err}
			errs = append(errs, err)
		}
		if len(failed.Modules) > 0 {
			failures = append(failures, failed)
		}
	}
	return failures, errors.Join(errs...)
}

func (p *Plugins) apply(ctx context.Context, t string, m Module, files map[string]string, log *opLog) error {
	var args []string
	switch m.Action {
	case ActionInstall:
		args = []string{"install", m.Name}
	case ActionRemove:
		args = []string{"remove", m.Name}
	default:
		return fmt.Errorf("%w: unknown action %q for %s", ErrInvalidUpdateList, m.Action, m.Name)
	}
	if m.Version != "" {
		args = append(args, "--module-version", m.Version)
	}
	if file, ok := files[m.Name]; ok && m.Action == ActionInstall {
		args = append(args, "--file", file)
	}
	if _, err := p.run(ctx, t, log, args...); err != nil {
		return &PluginError{Type: t, Action: m.Action, Module: m.Name, Err: err}
	}
	return nil
}

func failAll(group TypedModules, err error) TypedModules {
	failed := TypedModules{Type: group.Type}
	for _, m := range group.Modules {
		m.Reason = err.Error()
		failed.Modules = append(failed.Modules, m)
	}
	return failed
}
