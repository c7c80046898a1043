// pkg/logging/logging.go - structured logging for Capuchin.
//
// Log output goes to a session log directory under the ManagedInstalls
// logs directory, one timestamped subdirectory per run, with a plain
// text log plus a structured JSON event stream for external reporting
// tools. Old session directories are pruned on startup.

package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of the log message.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelDebug2
)

// String returns the string representation of the LogLevel.
func (ll LogLevel) String() string {
	switch ll {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelDebug2:
		return "DEBUG2"
	default:
		return "UNKNOWN"
	}
}

// Entry is one structured log record as written to the JSON stream.
type Entry struct {
	Time       int64                  `json:"time"`
	Timestamp  string                 `json:"timestamp"`
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	PID        int                    `json:"pid"`
	SessionID  string                 `json:"session_id"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Options configures the session logger.
type Options struct {
	BaseDir       string // base logging directory
	Level         LogLevel
	EnableConsole bool
	KeepRuns      int // session directories to retain (default 24)
}

// Logger writes leveled, structured log output for one session.
type Logger struct {
	mu        sync.Mutex
	level     LogLevel
	console   bool
	textLog   *log.Logger
	textFile  *os.File
	jsonFile  *os.File
	sessionID string
	logDir    string
}

var (
	instance *Logger
	once     sync.Once
)

// Init initializes the package-level logger. It must be called before any
// of the logging functions are used; calls before Init fall back to stderr.
func Init(opts Options) error {
	var initErr error
	once.Do(func() {
		instance, initErr = newLogger(opts)
	})
	return initErr
}

// SetLevel adjusts the level of the package logger after Init.
func SetLevel(level LogLevel) {
	if instance == nil {
		return
	}
	instance.mu.Lock()
	instance.level = level
	instance.mu.Unlock()
}

// Close flushes and closes the session log files.
func Close() {
	if instance == nil {
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	if instance.textFile != nil {
		instance.textFile.Close()
	}
	if instance.jsonFile != nil {
		instance.jsonFile.Close()
	}
}

// LogDir returns the current session log directory, or "" before Init.
func LogDir() string {
	if instance == nil {
		return ""
	}
	return instance.logDir
}

func newLogger(opts Options) (*Logger, error) {
	if opts.KeepRuns <= 0 {
		opts.KeepRuns = 24
	}
	sessionStart := time.Now()
	sessionID := fmt.Sprintf("capuchin-%d-%s", sessionStart.Unix(),
		sessionStart.Format("2006-01-02-150405"))

	l := &Logger{
		level:     opts.Level,
		console:   opts.EnableConsole,
		sessionID: sessionID,
	}

	if opts.BaseDir != "" {
		logDir := filepath.Join(opts.BaseDir, sessionStart.Format("2006-01-02-150405"))
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
		l.logDir = logDir

		textFile, err := os.OpenFile(filepath.Join(logDir, "ManagedSoftwareUpdate.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open session log: %w", err)
		}
		l.textFile = textFile
		l.textLog = log.New(textFile, "", 0)

		jsonFile, err := os.OpenFile(filepath.Join(logDir, "events.json"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			textFile.Close()
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		l.jsonFile = jsonFile

		pruneOldRuns(opts.BaseDir, opts.KeepRuns)
	}

	return l, nil
}

// pruneOldRuns removes session directories beyond the retention count.
func pruneOldRuns(baseDir string, keep int) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	if len(runs) <= keep {
		return
	}
	sort.Strings(runs) // timestamped names sort chronologically
	for _, name := range runs[:len(runs)-keep] {
		os.RemoveAll(filepath.Join(baseDir, name))
	}
}

func (l *Logger) log(level LogLevel, msg string, keysAndValues ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}

	now := time.Now()
	line := fmt.Sprintf("%s %-6s %s%s",
		now.Format("2006-01-02 15:04:05 -0700"), level.String(), msg,
		formatKVs(keysAndValues))

	if l.textLog != nil {
		l.textLog.Println(line)
	}
	if l.console {
		fmt.Fprintln(os.Stderr, line)
	}
	if l.jsonFile != nil {
		entry := Entry{
			Time:       now.Unix(),
			Timestamp:  now.Format(time.RFC3339),
			Level:      level.String(),
			Message:    msg,
			PID:        os.Getpid(),
			SessionID:  l.sessionID,
			Properties: kvsToMap(keysAndValues),
		}
		if data, err := json.Marshal(entry); err == nil {
			l.jsonFile.Write(append(data, '\n'))
		}
	}
}

func formatKVs(keysAndValues []interface{}) string {
	if len(keysAndValues) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	if len(keysAndValues)%2 != 0 {
		fmt.Fprintf(&b, " %v", keysAndValues[len(keysAndValues)-1])
	}
	return b.String()
}

func kvsToMap(keysAndValues []interface{}) map[string]interface{} {
	if len(keysAndValues) < 2 {
		return nil
	}
	props := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		props[fmt.Sprintf("%v", keysAndValues[i])] = keysAndValues[i+1]
	}
	return props
}

func dispatch(level LogLevel, msg string, keysAndValues ...interface{}) {
	if instance == nil {
		fmt.Fprintf(os.Stderr, "%s %s%s\n", level.String(), msg, formatKVs(keysAndValues))
		return
	}
	instance.log(level, msg, keysAndValues...)
}

// Error logs an error-level message with optional key/value pairs.
func Error(msg string, keysAndValues ...interface{}) {
	dispatch(LevelError, msg, keysAndValues...)
}

// Warn logs a warning-level message with optional key/value pairs.
func Warn(msg string, keysAndValues ...interface{}) {
	dispatch(LevelWarn, msg, keysAndValues...)
}

// Info logs an info-level message with optional key/value pairs.
func Info(msg string, keysAndValues ...interface{}) {
	dispatch(LevelInfo, msg, keysAndValues...)
}

// Debug logs a debug-level message with optional key/value pairs.
func Debug(msg string, keysAndValues ...interface{}) {
	dispatch(LevelDebug, msg, keysAndValues...)
}

// Debug2 logs a most-verbose debug message with optional key/value pairs.
func Debug2(msg string, keysAndValues ...interface{}) {
	dispatch(LevelDebug2, msg, keysAndValues...)
}
