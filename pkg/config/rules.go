package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/syntor/fleetcore/pkg/collision"
	"github.com/syntor/fleetcore/pkg/coordination"
	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/models"
)

// RuleSet is the content of a rules file. A section missing from the file
// keeps the stock table.
type RuleSet struct {
	Avoidance    []collision.AvoidanceRule `yaml:"avoidance"`
	Coordination []coordination.Rule       `yaml:"coordination"`
}

// DefaultRuleSet returns the stock avoidance and coordination tables
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Avoidance:    collision.DefaultAvoidanceRules(),
		Coordination: coordination.DefaultRules(),
	}
}

// Validate checks every rule and rejects duplicate ids within a section
func (rs RuleSet) Validate() error {
	seen := make(map[string]bool, len(rs.Avoidance))
	for _, r := range rs.Avoidance {
		if r.ID == "" {
			return &models.ValidationError{Field: "avoidance.id", Message: "rule ID is required"}
		}
		if seen[r.ID] {
			return &models.ValidationError{Field: "avoidance.id", Message: fmt.Sprintf("duplicate rule %s", r.ID)}
		}
		seen[r.ID] = true
		if !r.Maneuver.Valid() {
			return &models.ValidationError{Field: "avoidance.maneuver", Message: fmt.Sprintf("rule %s: invalid %q maneuver", r.ID, r.Maneuver.Kind)}
		}
	}

	seen = make(map[string]bool, len(rs.Coordination))
	for _, r := range rs.Coordination {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return &models.ValidationError{Field: "coordination.id", Message: fmt.Sprintf("duplicate rule %s", r.ID)}
		}
		seen[r.ID] = true
	}
	return nil
}

// LoadRules reads and validates a rules file
func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes a rules document. Empty input is rejected so a file
// caught mid-write is never mistaken for "use the defaults".
func ParseRules(data []byte) (RuleSet, error) {
	if len(data) == 0 {
		return RuleSet{}, &models.ValidationError{Field: "rules", Message: "rules document is empty"}
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules: %w", err)
	}
	defaults := DefaultRuleSet()
	if rs.Avoidance == nil {
		rs.Avoidance = defaults.Avoidance
	}
	if rs.Coordination == nil {
		rs.Coordination = defaults.Coordination
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// RulesWatcher keeps the last valid RuleSet of a file and reports changes
type RulesWatcher struct {
	path   string
	logger logging.Logger

	mu        sync.RWMutex
	current   RuleSet
	callbacks []func(RuleSet)
}

// NewRulesWatcher loads path once. The file must be valid at startup.
func NewRulesWatcher(path string, logger logging.Logger) (*RulesWatcher, error) {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rules path: %w", err)
	}
	rs, err := LoadRules(abs)
	if err != nil {
		return nil, err
	}
	return &RulesWatcher{path: abs, logger: logger, current: rs}, nil
}

// Current returns the last valid rule set
func (w *RulesWatcher) Current() RuleSet {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback run on the watch goroutine after each
// successful reload
func (w *RulesWatcher) OnChange(callback func(RuleSet)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Watch blocks until ctx is done, reloading the file whenever it changes.
// The parent directory is watched so editors that replace the file by
// rename are seen too. Invalid content is logged and the last valid set kept.
func (w *RulesWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rules watcher error", logging.Err(err))
		}
	}
}

func (w *RulesWatcher) reload() {
	rs, err := LoadRules(w.path)
	if err != nil {
		w.logger.Warn("rules reload rejected", logging.String("path", w.path), logging.Err(err))
		return
	}

	w.mu.Lock()
	w.current = rs
	callbacks := append([]func(RuleSet){}, w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("rules reloaded",
		logging.String("path", w.path),
		logging.Int("avoidance", len(rs.Avoidance)),
		logging.Int("coordination", len(rs.Coordination)),
	)
	for _, cb := range callbacks {
		cb(rs)
	}
}
