package logger

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
}

// TestLogger records every log call so tests can assert against them.
type TestLogger struct {
	metadata map[string]interface{}
	Logs     []TestLogEntry
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	return &TestLogger{metadata: kv, Logs: c.Logs}
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

func (c *TestLogger) record(level string, msg string, args ...interface{}) {
	c.Logs = append(c.Logs, TestLogEntry{level, msg, args})
}

func (c *TestLogger) Trace(msg string, args ...interface{}) {
	c.record("TRACE", msg, args...)
}

func (c *TestLogger) Debug(msg string, args ...interface{}) {
	c.record("DEBUG", msg, args...)
}

func (c *TestLogger) Info(msg string, args ...interface{}) {
	c.record("INFO", msg, args...)
}

func (c *TestLogger) Warn(msg string, args ...interface{}) {
	c.record("WARNING", msg, args...)
}

func (c *TestLogger) Error(msg string, args ...interface{}) {
	c.record("ERROR", msg, args...)
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{
		Logs: make([]TestLogEntry, 0),
	}
}
