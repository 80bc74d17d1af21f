// Package logging provides leveled structured logging for the data-access
// layer.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level defines log severity.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Format defines the output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Entry is a complete log record.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config holds logger configuration.
type Config struct {
	Level  Level
	Output io.Writer
	Format Format
}

// DefaultConfig returns an INFO-level text logger on stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:  INFO,
		Output: os.Stdout,
		Format: FormatText,
	}
}

// Logger provides structured logging with levels and fields.
type Logger struct {
	mu              sync.RWMutex
	level           Level
	output          io.Writer
	format          Format
	component       string
	contextFields   map[string]interface{}
	componentLevels map[string]Level
}

// New creates a logger from config; a nil config uses defaults.
func New(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		level:           config.Level,
		output:          out,
		format:          config.Format,
		contextFields:   make(map[string]interface{}),
		componentLevels: make(map[string]Level),
	}
}

// Nop returns a logger that discards everything, for tests.
func Nop() *Logger {
	return New(&Config{Level: ERROR, Output: io.Discard})
}

// WithComponent returns a child logger tagged with a component name.
// Component-specific level overrides apply to the child.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	child := &Logger{
		level:           l.level,
		output:          l.output,
		format:          l.format,
		component:       component,
		contextFields:   make(map[string]interface{}),
		componentLevels: l.componentLevels,
	}
	for k, v := range l.contextFields {
		child.contextFields[k] = v
	}
	return child
}

// WithField returns a child logger with a persistent field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	child := l.WithComponent(l.component)
	child.contextFields[key] = value
	return child
}

// SetLevel changes the minimum logged level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetComponentLevel overrides the level for one component.
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.componentLevels[component] = level
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.log(DEBUG, msg, fields)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.log(INFO, msg, fields)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.log(WARN, msg, fields)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.log(ERROR, msg, fields)
}

func (l *Logger) log(level Level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	threshold := l.level
	if override, ok := l.componentLevels[l.component]; ok {
		threshold = override
	}
	if level < threshold {
		l.mu.RUnlock()
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
	}
	if len(l.contextFields) > 0 || len(fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(l.contextFields)+len(fields))
		for k, v := range l.contextFields {
			entry.Fields[k] = v
		}
		for k, v := range fields {
			entry.Fields[k] = v
		}
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.format {
	case FormatJSON:
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
	default:
		fmt.Fprintln(l.output, formatText(entry))
	}
}

func formatText(entry Entry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteString(" [")
	b.WriteString(entry.Level)
	b.WriteString("]")
	if entry.Component != "" {
		b.WriteString(" (")
		b.WriteString(entry.Component)
		b.WriteString(")")
	}
	b.WriteString(" ")
	b.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, entry.Fields[k]))
		}
	}
	return b.String()
}
