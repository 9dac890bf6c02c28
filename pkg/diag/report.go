package diag

import (
	"fmt"
	"strings"
)

// Level grades a single report. Higher values are more severe; Stale ranks
// above Error so a silent source always dominates a merged status.
type Level byte

const (
	LevelOK Level = iota
	LevelWarn
	LevelError
	LevelStale
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelStale:
		return "stale"
	default:
		return fmt.Sprintf("level(%d)", byte(l))
	}
}

// ParseLevel maps a textual level (case-insensitive) back to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ok":
		return LevelOK, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "err":
		return LevelError, nil
	case "stale":
		return LevelStale, nil
	default:
		return LevelOK, fmt.Errorf("diag: unknown level %q", s)
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// KeyValue is one labeled detail attached to a report. Order is preserved and
// duplicate keys are allowed; consumers see exactly what the task appended.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Report is the status a task produces on one pass: a severity summary plus
// free-form key/value detail. The zero value is an OK report with no message.
type Report struct {
	Name       string     `json:"name"`
	HardwareID string     `json:"hardware_id,omitempty"`
	Level      Level      `json:"level"`
	Message    string     `json:"message"`
	Values     []KeyValue `json:"values,omitempty"`
}

// Summary replaces the report's level and message.
func (r *Report) Summary(level Level, message string) {
	r.Level = level
	r.Message = message
}

// Summaryf replaces the report's level and message with a formatted message.
func (r *Report) Summaryf(level Level, format string, args ...any) {
	r.Summary(level, fmt.Sprintf(format, args...))
}

// MergeSummary folds another summary into this one: the level becomes the
// maximum of the two, and a non-OK message is appended to the existing
// message with "; ". Messages carried at level OK are dropped.
func (r *Report) MergeSummary(level Level, message string) {
	if level > LevelOK && message != "" {
		if r.Message != "" {
			r.Message += "; "
		}
		r.Message += message
	}
	if level > r.Level {
		r.Level = level
	}
}

// ClearSummary resets the level to OK and empties the message. Values are
// untouched.
func (r *Report) ClearSummary() {
	r.Level = LevelOK
	r.Message = ""
}

// Add appends one key/value detail.
func (r *Report) Add(key, value string) {
	r.Values = append(r.Values, KeyValue{Key: key, Value: value})
}

// Addf appends one key/value detail with a formatted value.
func (r *Report) Addf(key, format string, args ...any) {
	r.Add(key, fmt.Sprintf(format, args...))
}
