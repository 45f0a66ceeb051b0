package logging

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Logger writes newline-delimited JSON events. Safe for concurrent use.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
}

type Event struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func New(out io.Writer) *Logger {
	return &Logger{out: out}
}

// Discard returns a logger that drops everything. Handy default for tests.
func Discard() *Logger {
	return &Logger{out: io.Discard}
}

func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.write("info", message, fields)
}

func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.write("warn", message, fields)
}

func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.write("error", message, fields)
}

func (l *Logger) write(level, message string, fields map[string]interface{}) {
	evt := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	payload, _ := json.Marshal(evt)
	payload = append(payload, '\n')
	l.mu.Lock()
	_, _ = l.out.Write(payload)
	l.mu.Unlock()
}
