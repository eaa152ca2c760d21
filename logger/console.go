package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

var noColor = os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))

func color(val string) string {
	if isWindows || noColor {
		return ""
	}
	return val
}

const (
	reset      = "\033[0m"
	red        = "\033[31m"
	green      = "\033[32m"
	yellow     = "\033[33m"
	cyan       = "\033[36m"
	gray       = "\033[1;90m"
	redBold    = "\033[31;1m"
	yellowBold = "\033[33;1m"
)

type consoleLogger struct {
	out      io.Writer
	logLevel LogLevel
	prefixes []string
	metadata map[string]interface{}
}

var _ Logger = (*consoleLogger)(nil)

func (c *consoleLogger) clone() *consoleLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	prefixes := make([]string, len(c.prefixes))
	copy(prefixes, c.prefixes)
	return &consoleLogger{
		out:      c.out,
		logLevel: c.logLevel,
		prefixes: prefixes,
		metadata: metadata,
	}
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	l := c.clone()
	for k, v := range metadata {
		l.metadata[k] = v
	}
	return l
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	if !slices.Contains(l.prefixes, prefix) {
		l.prefixes = append(l.prefixes, prefix)
	}
	return l
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel
}

func (c *consoleLogger) metadataSuffix() string {
	if len(c.metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.metadata))
	for k := range c.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, c.metadata[k]))
	}
	return " " + color(gray) + strings.Join(pairs, " ") + color(reset)
}

func (c *consoleLogger) log(level LogLevel, levelColor, msgColor, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}
	if len(c.prefixes) > 0 {
		formatted = strings.Join(c.prefixes, " ") + " " + formatted
	}
	fmt.Fprintf(c.out, "%s %s[%-7s]%s %s%s%s%s\n",
		time.Now().Format("2006-01-02 15:04:05.000"),
		color(levelColor), level.String(), color(reset),
		color(msgColor), formatted, color(reset),
		c.metadataSuffix(),
	)
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, gray, gray, msg, args...)
}

func (c *consoleLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, cyan, "", msg, args...)
}

func (c *consoleLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, green, "", msg, args...)
}

func (c *consoleLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, yellowBold, yellow, msg, args...)
}

func (c *consoleLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, redBold, red, msg, args...)
}

// NewConsoleLogger returns a Logger that writes colorized lines to stdout.
func NewConsoleLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &consoleLogger{
		out:      os.Stdout,
		logLevel: level,
		metadata: map[string]interface{}{},
	}
}
