package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// JSONLogEntry defines a single structured log line.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// String renders an entry to its JSON line form.
func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = "INFO"
	}
	out, err := json.Marshal(e)
	if err != nil {
		log.Printf("json.Marshal: %v", err)
	}
	return string(out)
}

type jsonLogger struct {
	out       io.Writer
	logLevel  LogLevel
	component string
	metadata  map[string]interface{}
	ts        *time.Time // for unit testing
}

var _ Logger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &jsonLogger{
		out:       c.out,
		logLevel:  c.logLevel,
		component: c.component,
		metadata:  metadata,
		ts:        c.ts,
	}
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	l := c.clone()
	for k, v := range metadata {
		l.metadata[k] = v
	}
	return l
}

// WithPrefix folds the prefix into the component field for JSON output.
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	if l.component == "" {
		l.component = prefix
	} else if !strings.Contains(l.component, prefix) {
		l.component = l.component + "/" + prefix
	}
	return l
}

func (c *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel
}

func (c *jsonLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	ts := time.Now()
	if c.ts != nil {
		ts = *c.ts
	}
	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Timestamp: ts,
		Message:   formatted,
		Severity:  level.String(),
		Component: c.component,
	}
	if len(c.metadata) > 0 {
		entry.Metadata = c.metadata
	}
	fmt.Fprintln(c.out, entry.String())
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, msg, args...)
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, msg, args...)
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, msg, args...)
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, msg, args...)
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
}

// NewJSONLogger returns a Logger that writes one JSON object per line to stdout.
func NewJSONLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{
		out:      os.Stdout,
		logLevel: level,
		metadata: map[string]interface{}{},
	}
}
