// Package logx provides component-scoped logging with domain-filtered debug output.
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

type Logger struct {
	component string
	logger    *log.Logger
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled     bool
	FileLogging bool
	LogDir      string
	Domains     map[string]bool // nil = all domains
}

// Entry is a captured log line served by the HTTP log endpoint.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// ring keeps the most recent entries.
type ring struct {
	entries []Entry
	next    int
	full    bool
	mu      sync.Mutex
}

var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	outputMutex sync.RWMutex
	output      io.Writer = os.Stderr

	fileMutex sync.Mutex
	logFile   *os.File

	recent = &ring{entries: make([]Entry, 1000)}
)

func init() { //nolint:gochecknoinits // env-driven debug settings
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}
	if debugFile := os.Getenv("DEBUG_FILE"); debugFile == "1" || strings.EqualFold(debugFile, "true") {
		debugConfig.FileLogging = true
	}
	debugConfig.LogDir = os.Getenv("DEBUG_LOG_DIR")
	if debugConfig.LogDir == "" {
		debugConfig.LogDir = filepath.Join(".rlm", "logs")
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			set[d] = true
		}
	}
	return set
}

// NewLogger creates a logger that tags every line with component.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(writerProxy{}, "", 0),
	}
}

// writerProxy resolves the package output at write time so SetOutput
// affects loggers created earlier.
type writerProxy struct{}

func (writerProxy) Write(p []byte) (int, error) {
	outputMutex.RLock()
	w := output
	outputMutex.RUnlock()
	n, err := w.Write(p)

	fileMutex.Lock()
	if logFile != nil {
		_, _ = logFile.Write(p)
	}
	fileMutex.Unlock()
	return n, err
}

// SetOutput redirects all loggers. It returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outputMutex.Lock()
	defer outputMutex.Unlock()
	prev := output
	output = w
	return prev
}

// SetDebugConfig configures global debug logging settings.
func SetDebugConfig(enabled, fileLogging bool, logDir string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	debugConfig.FileLogging = fileLogging
	if logDir != "" {
		debugConfig.LogDir = logDir
	}
}

// SetDebugDomains restricts debug output to the given domains. Empty enables all.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Domains = parseDomains(domains)
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// InitializeLogFile mirrors all log output into <logDir>/rlm.log when file
// logging is enabled. Safe to call more than once.
func InitializeLogFile() error {
	debugMutex.RLock()
	enabled := debugConfig.FileLogging
	dir := debugConfig.LogDir
	debugMutex.RUnlock()

	if !enabled {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "rlm.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	fileMutex.Lock()
	defer fileMutex.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	return nil
}

// CloseLogFile stops file mirroring.
func CloseLogFile() error {
	fileMutex.Lock()
	defer fileMutex.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) last(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}

// RecentEntries returns up to n of the most recent log entries, oldest first.
// n <= 0 returns everything retained.
func RecentEntries(n int) []Entry {
	return recent.last(n)
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format(timestampFormat)
	message := fmt.Sprintf(format, args...)
	l.logger.Println(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.component, level, message))

	recent.add(Entry{
		Timestamp: timestamp,
		Component: l.component,
		Level:     string(level),
		Message:   message,
	})
}

// Debug logs only when DEBUG is on and the logger's root component is an enabled domain.
func (l *Logger) Debug(format string, args ...any) {
	domain, _, _ := strings.Cut(l.component, "/")
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Component returns the component tag.
func (l *Logger) Component() string {
	return l.component
}

// With returns a logger for a sub-component, e.g. "session/abc123".
func (l *Logger) With(sub string) *Logger {
	return &Logger{
		component: l.component + "/" + sub,
		logger:    l.logger,
	}
}

var defaultLogger = NewLogger("rlm")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	return logx.Errorf("load checkpoint %s: %w", id, err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns the wrapped error. Nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
