// Package validator implements the Script Validator (component H): a
// statically loaded, hot-reloadable deny-list of regex patterns applied
// to every script submitted through the execute contract before
// dispatch.
package validator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"chromefleet/internal/ferrors"
	"chromefleet/internal/logging"
)

// Severity is the classification a Pattern carries, per spec 4.8:
// error matches fail validation immediately, warning matches are
// logged unless promoted.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Pattern is one deny-list entry as loaded from YAML.
type Pattern struct {
	Name     string   `yaml:"name"`
	Regex    string   `yaml:"pattern"`
	Reason   string   `yaml:"reason"`
	Severity Severity `yaml:"severity"`
	Category string   `yaml:"category"`

	compiled *regexp.Regexp
}

type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// Match is one pattern hit against a submitted script.
type Match struct {
	Name     string
	Reason   string
	Severity Severity
	Category string
}

// Validator matches submitted script source against a hot-reloadable
// pattern list. Validation is purely syntactic on the source string;
// it never interprets or executes the script.
type Validator struct {
	path              string
	warningsAreErrors bool
	log               *logging.Logger

	mu       sync.RWMutex
	patterns []Pattern

	watcher       *fsnotify.Watcher
	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	debounceDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Validator over the pattern file at path. Call Load
// before first use, and Watch to enable hot-reload.
func New(path string, warningsAreErrors bool) *Validator {
	return &Validator{
		path:              path,
		warningsAreErrors: warningsAreErrors,
		log:               logging.Named("validator"),
		debounceDelay:     1 * time.Second,
	}
}

// Load reads and compiles the pattern file, replacing the active set
// atomically. An unreadable or malformed pattern is rejected wholesale
// rather than partially applied, so a bad edit never silently narrows
// the deny-list.
func (v *Validator) Load() error {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "read script validator pattern file", err)
	}
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "parse script validator pattern file", err)
	}
	for i := range pf.Patterns {
		p := &pf.Patterns[i]
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return ferrors.Wrap(ferrors.KindIOError, fmt.Sprintf("compile pattern %q", p.Name), err)
		}
		p.compiled = re
	}

	v.mu.Lock()
	v.patterns = pf.Patterns
	v.mu.Unlock()
	v.log.Info("loaded script validator patterns", zap.Int("count", len(pf.Patterns)))
	return nil
}

// Watch starts watching the pattern file's directory for changes,
// reloading (debounced) on write/create/rename. Stop with Close.
func (v *Validator) Watch(ctx context.Context) error {
	if v.ctx != nil {
		return fmt.Errorf("validator already watching")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "create pattern file watcher", err)
	}
	v.watcher = watcher

	dir := filepath.Dir(v.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return ferrors.Wrap(ferrors.KindIOError, "watch pattern file directory", err)
	}

	v.ctx, v.cancel = context.WithCancel(ctx)
	v.wg.Add(1)
	go v.watch()
	return nil
}

func (v *Validator) watch() {
	defer v.wg.Done()
	for {
		select {
		case <-v.ctx.Done():
			return
		case event, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(v.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				v.triggerReload()
			}
		case err, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
			v.log.Warn("pattern file watcher error", zap.Error(err))
		}
	}
}

func (v *Validator) triggerReload() {
	v.debounceMu.Lock()
	defer v.debounceMu.Unlock()
	if v.debounceTimer != nil {
		v.debounceTimer.Stop()
	}
	v.debounceTimer = time.AfterFunc(v.debounceDelay, func() {
		if err := v.Load(); err != nil {
			v.log.Error("pattern file reload failed", zap.Error(err))
		}
	})
}

// Close stops the file watcher, if running.
func (v *Validator) Close() error {
	if v.cancel == nil {
		return nil
	}
	v.cancel()
	if v.watcher != nil {
		v.watcher.Close()
	}
	v.debounceMu.Lock()
	if v.debounceTimer != nil {
		v.debounceTimer.Stop()
	}
	v.debounceMu.Unlock()
	v.wg.Wait()
	return nil
}

// Validate matches src against every loaded pattern and returns every
// hit, in pattern-file order.
func (v *Validator) Validate(src string) []Match {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var matches []Match
	for _, p := range v.patterns {
		if p.compiled.MatchString(src) {
			matches = append(matches, Match{Name: p.Name, Reason: p.Reason, Severity: p.Severity, Category: p.Category})
		}
	}
	return matches
}

// ValidateOrRaise fails with ScriptForbidden on any error-severity
// match, or any warning-severity match when warnings_are_errors is
// configured. Surviving warnings are logged, not raised.
func (v *Validator) ValidateOrRaise(src string) error {
	matches := v.Validate(src)
	for _, m := range matches {
		if m.Severity == SeverityError || (m.Severity == SeverityWarning && v.warningsAreErrors) {
			return ferrors.New(ferrors.KindScriptForbidden, fmt.Sprintf("script matched %s pattern %q: %s", m.Severity, m.Name, m.Reason))
		}
	}
	for _, m := range matches {
		v.log.Warn("script matched warning pattern", zap.String("pattern", m.Name), zap.String("reason", m.Reason), zap.String("category", m.Category))
	}
	return nil
}
