// Package logger writes component-tagged log lines to a text stream and,
// optionally, JSON records to a file. Messages and fields pass through
// pkg/redaction before they are written.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kookgo/kookgo/pkg/redaction"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{DEBUG: "DEBUG", INFO: "INFO", WARN: "WARN", ERROR: "ERROR"}

func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel maps a level name such as "debug" or "WARN" to a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	name = strings.TrimSpace(name)
	for l, n := range levelNames {
		if strings.EqualFold(n, name) {
			return LogLevel(l), nil
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", name)
}

// record is one line of the JSON log file.
type record struct {
	Time      string         `json:"ts"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Msg       string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

var (
	mu       sync.Mutex
	level    = INFO
	out      io.Writer = os.Stderr
	jsonFile *os.File
	redact   = true
)

func SetLevel(l LogLevel) {
	mu.Lock()
	level = l
	mu.Unlock()
}

func GetLevel() LogLevel {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// SetOutput redirects the text stream. nil restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
}

// EnableFileLogging appends JSON records to path, replacing any file opened
// earlier.
func EnableFileLogging(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("logger: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logger: open log file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if jsonFile != nil {
		jsonFile.Close()
	}
	jsonFile = f
	return nil
}

func closeFile() {
	mu.Lock()
	defer mu.Unlock()
	if jsonFile != nil {
		jsonFile.Close()
		jsonFile = nil
	}
}

// SetRedactionEnabled turns secret scrubbing of messages and fields on or off.
func SetRedactionEnabled(enabled bool) {
	mu.Lock()
	redact = enabled
	mu.Unlock()
}

func ConfigureRedaction(cfg redaction.Config) {
	redaction.SetGlobalConfig(cfg)
}

func DebugCF(component, msg string, fields map[string]any) {
	write(DEBUG, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]any) {
	write(INFO, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]any) {
	write(WARN, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]any) {
	write(ERROR, component, msg, fields)
}

func write(l LogLevel, component, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}

	if redact {
		msg = redaction.Redact(msg)
		if len(fields) > 0 {
			fields = redaction.RedactFields(fields)
		}
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	line := fmt.Sprintf("[%s] [%s] %s: %s", ts, l, component, msg)
	if len(fields) > 0 {
		line += " " + formatFields(fields)
	}
	fmt.Fprintln(out, line)

	if jsonFile == nil {
		return
	}
	rec := record{Time: ts, Level: l.String(), Component: component, Msg: msg, Fields: fields}
	// write <- XxxCF <- caller
	if _, file, n, ok := runtime.Caller(2); ok {
		rec.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), n)
	}
	if data, err := json.Marshal(rec); err == nil {
		jsonFile.Write(append(data, '\n'))
	}
}

// formatFields renders fields sorted by key so log lines are stable.
func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", k, fields[k])
	}
	b.WriteByte('}')
	return b.String()
}
