// pkg/report/report.go - session reporting.
//
// Reporter is the display/progress interface injected into every
// component; the CLI uses the logging implementation, tests use Noop.
// Report is the per-session audit record persisted at session end.

package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/micromdm/plist"

	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/utils"
)

// Reporter receives progress and diagnostic output from long-running
// operations.
type Reporter interface {
	Info(format string, a ...interface{})
	Detail(format string, a ...interface{})
	Warning(format string, a ...interface{})
	Error(format string, a ...interface{})
	Debug1(format string, a ...interface{})
	Debug2(format string, a ...interface{})
	MajorStatus(message string)
	MinorStatus(message string)
	Percent(percent int)
}

// Report is the audit record of one update-check session.
type Report struct {
	mu sync.Mutex

	StartTime        time.Time                `plist:"StartTime"`
	EndTime          time.Time                `plist:"EndTime"`
	ManifestName     string                   `plist:"ManifestName,omitempty"`
	MachineInfo      map[string]interface{}   `plist:"MachineInfo,omitempty"`
	ItemsToInstall   []map[string]interface{} `plist:"ItemsToInstall,omitempty"`
	ItemsToRemove    []map[string]interface{} `plist:"ItemsToRemove,omitempty"`
	ProblemItems     []map[string]interface{} `plist:"ProblemInstalls,omitempty"`
	Warnings         []string                 `plist:"Warnings,omitempty"`
	Errors           []string                 `plist:"Errors,omitempty"`
	ConditionalItems []string                 `plist:"ConditionalItemsApplied,omitempty"`
}

// NewReport starts a report for the current session.
func NewReport() *Report {
	return &Report{StartTime: time.Now()}
}

// RecordWarning appends to the session warning list.
func (r *Report) RecordWarning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, msg)
}

// RecordError appends to the session error list.
func (r *Report) RecordError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, msg)
}

// Save writes the report atomically as an XML plist.
func (r *Report) Save(path string) error {
	r.mu.Lock()
	r.EndTime = time.Now()
	r.mu.Unlock()

	data, err := plist.MarshalIndent(r, "\t")
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0644)
}

// LogReporter implements Reporter on top of the logging package, recording
// warnings and errors into the session Report when one is attached.
type LogReporter struct {
	Report *Report
}

// NewLogReporter returns a Reporter that writes through pkg/logging.
func NewLogReporter(rpt *Report) *LogReporter {
	return &LogReporter{Report: rpt}
}

func (l *LogReporter) Info(format string, a ...interface{}) {
	logging.Info(fmt.Sprintf(format, a...))
}

func (l *LogReporter) Detail(format string, a ...interface{}) {
	logging.Debug(fmt.Sprintf(format, a...))
}

func (l *LogReporter) Warning(format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	logging.Warn(msg)
	if l.Report != nil {
		l.Report.RecordWarning(msg)
	}
}

func (l *LogReporter) Error(format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	logging.Error(msg)
	if l.Report != nil {
		l.Report.RecordError(msg)
	}
}

func (l *LogReporter) Debug1(format string, a ...interface{}) {
	logging.Debug(fmt.Sprintf(format, a...))
}

func (l *LogReporter) Debug2(format string, a ...interface{}) {
	logging.Debug2(fmt.Sprintf(format, a...))
}

func (l *LogReporter) MajorStatus(message string) {
	logging.Info(message, "status", "major")
}

func (l *LogReporter) MinorStatus(message string) {
	logging.Debug(message, "status", "minor")
}

func (l *LogReporter) Percent(percent int) {
	logging.Debug2("progress", "percent", percent)
}

// Noop is a Reporter that discards everything. Useful in tests.
type Noop struct{}

func (Noop) Info(string, ...interface{})    {}
func (Noop) Detail(string, ...interface{})  {}
func (Noop) Warning(string, ...interface{}) {}
func (Noop) Error(string, ...interface{})   {}
func (Noop) Debug1(string, ...interface{})  {}
func (Noop) Debug2(string, ...interface{})  {}
func (Noop) MajorStatus(string)             {}
func (Noop) MinorStatus(string)             {}
func (Noop) Percent(int)                    {}
