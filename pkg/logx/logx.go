// Package logx provides the component logger used across the pipeline.
//
// Every line has the shape "[timestamp] [component] LEVEL: message". Debug output is
// controlled by the DEBUG and DEBUG_DOMAINS environment variables, and recent entries are
// kept in an in-memory ring buffer so status surfaces can show them without tailing files.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

type contextKey string

const componentKey contextKey = "component"

// Logger writes leveled lines tagged with a component name.
type Logger struct {
	component string
}

// Entry is one buffered log line.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
}

//nolint:gochecknoglobals // process-wide logging configuration
var (
	outMu   sync.Mutex
	out     io.Writer = os.Stderr
	debugMu sync.RWMutex
	debug   bool
	domains map[string]bool // nil means every domain

	buffer = &ringBuffer{maxSize: 1000}
)

func init() { //nolint:gochecknoinits // env-driven debug switch
	configureFromEnv()
}

func configureFromEnv() {
	debugMu.Lock()
	defer debugMu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debug = true
	}
	if v := os.Getenv("DEBUG_DOMAINS"); v != "" {
		domains = make(map[string]bool)
		for _, d := range strings.Split(v, ",") {
			domains[strings.TrimSpace(d)] = true
		}
	}
}

// NewLogger returns a logger for the named component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetOutput redirects all loggers. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
}

// SetDebug toggles debug output and restricts it to the given domains (none = all).
func SetDebug(enabled bool, only ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debug = enabled
	if len(only) == 0 {
		domains = nil
		return
	}
	domains = make(map[string]bool, len(only))
	for _, d := range only {
		domains[strings.TrimSpace(d)] = true
	}
}

// IsDebugEnabledForDomain reports whether debug lines for domain are emitted.
func IsDebugEnabledForDomain(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debug {
		return false
	}
	if domains == nil {
		return true
	}
	return domains[domain]
}

func (l *Logger) write(level Level, domain, message string) {
	ts := time.Now().UTC().Format(timestampFormat)

	outMu.Lock()
	_, _ = fmt.Fprintf(out, "[%s] [%s] %s: %s\n", ts, l.component, level, message)
	outMu.Unlock()

	buffer.add(Entry{
		Timestamp: ts,
		Component: l.component,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})
}

// Debug logs when debug output is enabled.
func (l *Logger) Debug(format string, args ...any) {
	debugMu.RLock()
	enabled := debug
	debugMu.RUnlock()
	if !enabled {
		return
	}
	l.write(LevelDebug, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	l.write(LevelInfo, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	l.write(LevelWarn, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	l.write(LevelError, "", fmt.Sprintf(format, args...))
}

// Component returns the component tag.
func (l *Logger) Component() string {
	return l.component
}

// With returns a logger whose component is "<parent>/<sub>".
func (l *Logger) With(sub string) *Logger {
	return &Logger{component: l.component + "/" + sub}
}

// WithComponent stores a component tag for the package-level Debug.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// Debug logs a domain-filtered debug line, tagged with the component stored in ctx.
//
//	DEBUG=1                          # all domains
//	DEBUG=1 DEBUG_DOMAINS=orch,hmn   # only these
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component := "unknown"
	if ctx != nil {
		if c, ok := ctx.Value(componentKey).(string); ok {
			component = c
		}
	}
	NewLogger(component).write(LevelDebug, domain, fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...)))
}

func (b *ringBuffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// Recent returns buffered entries for component (empty = all), oldest first.
func Recent(component string, limit int) []Entry {
	buffer.mu.RLock()
	defer buffer.mu.RUnlock()

	result := make([]Entry, 0, len(buffer.entries))
	for i := range buffer.entries {
		if component != "" && buffer.entries[i].Component != component {
			continue
		}
		result = append(result, buffer.entries[i])
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

var defaultLogger = NewLogger("system") //nolint:gochecknoglobals

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns the wrapped error. Nil stays nil.
//
//	if err != nil { return logx.Wrap(err, "open checkpoint db") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
