// Package sigma evaluates Sigma detection rules against guest process and
// module events and records matches.
package sigma

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/vmtrace/guestmon/monitor"
)

// Detector manages Sigma rules and evaluates them against monitor events.
// Rules live in <rulesDir>/enabled_rules; the directory is watched and rules
// reload on change.
type Detector struct {
	log      *zap.Logger
	rulesDir string
	db       *sql.DB

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	watcher *fsnotify.Watcher
}

// MatchResult is one rule that matched an event.
type MatchResult struct {
	Rule         sigma.Rule
	MatchDetails []string
}

// fieldConfig maps the rule field names used by common Sigma process rules
// onto the monitor's event fields.
func fieldConfig() sigma.Config {
	return sigma.Config{
		Title: "Guest Monitor Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":        {TargetNames: []string{"Image"}},
			"Module":       {TargetNames: []string{"Module"}},
			"ProcessId":    {TargetNames: []string{"ProcessId"}},
			"AddressSpace": {TargetNames: []string{"AddressSpace"}},
		},
	}
}

// NewDetector creates a detector, loads rules from rulesDir/enabled_rules
// and starts watching the directory for changes. db may be nil; matches are
// then only logged.
func NewDetector(log *zap.Logger, rulesDir string, db *sql.DB) (*Detector, error) {
	if log == nil {
		log = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	d := &Detector{
		log:        log,
		rulesDir:   rulesDir,
		db:         db,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		watcher:    watcher,
	}

	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	if err := os.MkdirAll(enabledDir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create rules directory %s: %v", enabledDir, err)
	}

	if d.db != nil {
		if err := initMatchSchema(d.db); err != nil {
			watcher.Close()
			return nil, err
		}
	}

	if err := d.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}

	if err := d.watcher.Add(enabledDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %v", enabledDir, err)
	}
	go d.watchFileChanges()

	return d, nil
}

func initMatchSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sigma_matches (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp  DATETIME NOT NULL,
		rule_id    TEXT NOT NULL,
		rule_name  TEXT,
		severity   TEXT,
		event_type TEXT,
		pid        INTEGER,
		image      TEXT,
		details    TEXT,
		event_data TEXT
	);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sigma_matches table: %v", err)
	}
	return nil
}

func (d *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.log.Info("rule change detected, reloading", zap.String("file", event.Name))
				if err := d.LoadRules(); err != nil {
					d.log.Error("rule reload failed", zap.Error(err))
				}
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Error("file watcher error", zap.Error(err))
		}
	}
}

// LoadRules replaces the active rule set with the contents of
// rulesDir/enabled_rules.
func (d *Detector) LoadRules() error {
	enabledDir := filepath.Join(d.rulesDir, "enabled_rules")

	entries, err := os.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}

		rulePath := filepath.Join(enabledDir, entry.Name())
		rule, ev, err := loadRuleFile(rulePath)
		if err != nil {
			d.log.Warn("failed to load rule file", zap.String("file", rulePath), zap.Error(err))
			continue
		}

		evaluators[rule.ID] = ev
		d.log.Info("loaded rule", zap.String("title", rule.Title), zap.String("id", rule.ID))
		count++
	}

	d.mu.Lock()
	d.evaluators = evaluators
	d.mu.Unlock()

	d.log.Info("sigma rules loaded", zap.Int("count", count), zap.String("dir", enabledDir))
	return nil
}

func loadRuleFile(rulePath string) (sigma.Rule, *evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(rulePath)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return sigma.Rule{}, nil, fmt.Errorf("file is not a Sigma rule: %s", rulePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	ev := evaluator.ForRule(rule,
		evaluator.WithConfig(fieldConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}))

	return rule, ev, nil
}

// Attach subscribes the detector to process-load and module-load
// notifications.
func (d *Detector) Attach(m *monitor.Monitor) {
	m.OnProcessLoad.Connect(func(ev monitor.ProcessLoadEvent) {
		d.checkEvent(map[string]interface{}{
			"EventType":    "process_load",
			"Image":        ev.Name,
			"ProcessId":    int64(ev.Pid),
			"AddressSpace": int64(ev.AddressSpace),
		})
	})

	m.OnModuleLoad.Connect(func(ev monitor.ModuleLoadEvent) {
		d.checkEvent(map[string]interface{}{
			"EventType":    "module_load",
			"Image":        ev.Module.Path,
			"Module":       ev.Module.Name,
			"ProcessId":    int64(ev.Module.Pid),
			"AddressSpace": int64(ev.Module.AddressSpace),
		})
	})
}

// CheckEvent evaluates every loaded rule against the event and returns the
// matches.
func (d *Detector) CheckEvent(ctx context.Context, event map[string]interface{}) []MatchResult {
	d.mu.RLock()
	evaluators := make([]*evaluator.RuleEvaluator, 0, len(d.evaluators))
	for _, ev := range d.evaluators {
		evaluators = append(evaluators, ev)
	}
	d.mu.RUnlock()

	var results []MatchResult
	for _, ruleEvaluator := range evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			d.log.Warn("rule evaluation error",
				zap.String("rule", ruleEvaluator.Rule.ID), zap.Error(err))
			continue
		}
		if !result.Match {
			continue
		}

		var conditions []string
		for k, v := range result.SearchResults {
			if v {
				conditions = append(conditions, k)
			}
		}

		results = append(results, MatchResult{
			Rule:         ruleEvaluator.Rule,
			MatchDetails: []string{fmt.Sprintf("Matched conditions: %s", strings.Join(conditions, ", "))},
		})
	}
	return results
}

func (d *Detector) checkEvent(event map[string]interface{}) {
	matches := d.CheckEvent(context.Background(), event)
	for _, match := range matches {
		d.log.Warn("sigma rule matched",
			zap.String("rule", match.Rule.Title),
			zap.String("id", match.Rule.ID),
			zap.Any("event", event))

		if err := d.storeMatch(match, event); err != nil {
			d.log.Error("failed to store sigma match", zap.Error(err))
		}
	}
}

func (d *Detector) storeMatch(match MatchResult, event map[string]interface{}) error {
	if d.db == nil {
		return nil
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %v", err)
	}
	details, _ := json.Marshal(match.MatchDetails)

	severity := match.Rule.Level
	if severity == "" {
		severity = "medium"
	}

	var pid int64
	if id, ok := event["ProcessId"].(int64); ok {
		pid = id
	}
	eventType, _ := event["EventType"].(string)
	image, _ := event["Image"].(string)

	query := `
	INSERT INTO sigma_matches (
		timestamp, rule_id, rule_name, severity, event_type, pid, image, details, event_data
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.Exec(query,
		time.Now(), match.Rule.ID, match.Rule.Title, severity,
		eventType, pid, image, string(details), string(eventData))
	return err
}

// Close stops the file watcher.
func (d *Detector) Close() error {
	return d.watcher.Close()
}
