package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads .rego policies from files and directories and watches them
// for changes.
type Loader struct {
	logger zerolog.Logger

	// DefaultSeverity applies to loaded policies that do not declare one.
	DefaultSeverity Severity
}

// NewLoader creates a policy file loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:          logger.With().Str("component", "policy-loader").Logger(),
		DefaultSeverity: SeverityError,
	}
}

// LoadFromPaths loads every .rego file under the given files and
// directories. Directories are walked recursively. A missing path is
// skipped with a warning so a configured but empty policy dir is not an
// error.
func (l *Loader) LoadFromPaths(paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Str("path", path).Err(err).Msg("policy path skipped")
			continue
		}
		if !info.IsDir() {
			p, err := l.loadFile(path)
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
			continue
		}
		err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(file, ".rego") {
				return nil
			}
			p, err := l.loadFile(file)
			if err != nil {
				return err
			}
			policies = append(policies, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk policy dir %s: %w", path, err)
		}
	}
	return policies, nil
}

func (l *Loader) loadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	source := string(data)
	name := strings.TrimSuffix(filepath.Base(path), ".rego")

	p := Policy{
		Name:        name,
		Description: leadingComment(source),
		Rego:        source,
		Severity:    l.DefaultSeverity,
		Enabled:     true,
		Source:      path,
		LoadedAt:    time.Now().UTC(),
	}
	l.logger.Debug().Str("policy", name).Str("source", path).Msg("policy loaded")
	return p, nil
}

// leadingComment returns the comment block at the top of a Rego file,
// joined into one line.
func leadingComment(source string) string {
	var lines []string
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" && len(lines) == 0 {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		lines = append(lines, strings.TrimSpace(strings.TrimPrefix(trimmed, "#")))
	}
	return strings.Join(lines, " ")
}

// Watch reloads policies when files under the given paths change. Events
// are debounced so an editor writing a file in several steps triggers one
// reload. Watch blocks until the context is cancelled.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			l.logger.Warn().Str("path", path).Err(err).Msg("watch path skipped")
		}
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(500 * time.Millisecond)
				timerC = timer.C
			} else {
				timer.Reset(500 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn().Err(err).Msg("policy watcher error")
		case <-timerC:
			timer = nil
			timerC = nil
			policies, err := l.LoadFromPaths(paths)
			if err != nil {
				l.logger.Error().Err(err).Msg("policy reload failed")
				continue
			}
			if err := reload(policies); err != nil {
				l.logger.Error().Err(err).Msg("policy reload rejected")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("policies reloaded")
		}
	}
}
