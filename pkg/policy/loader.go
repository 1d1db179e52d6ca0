package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego and .json files. Parsed files are kept
// until their size or modification time changes.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cache   map[string]cachedPolicy
	watcher *fsnotify.Watcher
}

type cachedPolicy struct {
	size    int64
	modTime time.Time
	policy  *Policy
}

func (c cachedPolicy) matches(info fs.FileInfo) bool {
	return c.size == info.Size() && c.modTime.Equal(info.ModTime())
}

// NewLoader returns an empty loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  map[string]cachedPolicy{},
	}
}

// LoadFromPaths loads every policy named by paths. A file path must parse;
// a directory is walked and its unparsable files are skipped with a warning.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", path, err)
		}
		if !info.IsDir() {
			p, err := l.loadFromFile(ctx, path)
			if err != nil {
				return nil, fmt.Errorf("policy path %s: %w", path, err)
			}
			out = append(out, *p)
			continue
		}
		found, err := l.walk(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", path, err)
		}
		out = append(out, found...)
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Loaded policies")
	return out, nil
}

func (l *Loader) walk(ctx context.Context, dir string) ([]Policy, error) {
	var out []Policy
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		out = append(out, *p)
		return nil
	})
	return out, err
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.matches(info) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = regoPolicy(path, data)
	case ".json":
		if p, err = jsonPolicy(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s: not a .rego or .json file", path)
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{size: info.Size(), modTime: info.ModTime(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Parsed policy file")
	return p, nil
}

// regoPolicy names the policy after its file. The comment block ahead of
// the first rule becomes the description; a "# severity: <level>" line in
// it sets the default severity.
func regoPolicy(path string, data []byte) *Policy {
	description, severity := parseHeader(string(data))
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Tags:        []string{},
		Source:      path,
	}
}

func jsonPolicy(path string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%s: invalid policy JSON: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Source = path
	return &p, nil
}

func parseHeader(content string) (string, Severity) {
	var lines []string
	severity := SeverityWarning

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line == "" || strings.HasPrefix(line, "package ") || strings.HasPrefix(line, "import ") {
				continue
			}
			break
		}

		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			if s := Severity(strings.TrimSpace(level)); s.valid() {
				severity = s
			}
			continue
		}
		if comment != "" {
			lines = append(lines, comment)
		}
	}
	return strings.Join(lines, " "), severity
}

// Watch calls reloadFn with the complete policy set from paths each time a
// policy file under them changes. It returns once the watch is set up; the
// watch ends with ctx or StopWatching.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatch(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watchLoop(ctx, watcher, paths, reloadFn)
	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

// addWatch watches every directory under a directory path, or the parent
// of a file path so that editors replacing the file are seen.
func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(p)
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

	reload := func() {
		policies, err := l.LoadFromPaths(ctx, paths)
		if err == nil {
			err = reloadFn(policies)
		}
		if err != nil {
			l.logger.Error().Err(err).Msg("Policy reload failed")
			return
		}
		l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = l.StopWatching()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&relevant == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Stringer("op", event.Op).Msg("Policy file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching ends a watch started by Watch. It is a no-op without one.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.cache)
}
