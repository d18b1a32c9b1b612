package util

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's DefaultLogger.
// All output goes to stderr by default (pterm's default).

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// SetLevel sets the minimum level by name: trace, debug, info, warn or error.
func SetLevel(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		pterm.DefaultLogger.Level = pterm.LogLevelTrace
	case "debug":
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	case "", "info":
		pterm.DefaultLogger.Level = pterm.LogLevelInfo
	case "warn", "warning":
		pterm.DefaultLogger.Level = pterm.LogLevelWarn
	case "error":
		pterm.DefaultLogger.Level = pterm.LogLevelError
	default:
		return errors.Errorf("unknown log level %q", name)
	}
	return nil
}

// SetOutput redirects log output, e.g. to io.Discard in tests.
func SetOutput(w io.Writer) {
	pterm.DefaultLogger.Writer = w
}

// ---------------------------------------------------------------------------
// Structured entries
// ---------------------------------------------------------------------------

// Entry carries key/value fields that are rendered after the message.
// Entries are values; WithField returns a new entry and never mutates the receiver.
type Entry struct {
	args []any
}

// Log returns an entry without fields.
func Log() Entry { return Entry{} }

// WithField is a shorthand for Log().WithField.
func WithField(key string, value any) Entry { return Log().WithField(key, value) }

func WithFields(kv ...any) Entry { return Log().WithFields(kv...) }

func (e Entry) WithField(key string, value any) Entry {
	args := make([]any, 0, len(e.args)+2)
	args = append(args, e.args...)
	return Entry{args: append(args, key, value)}
}

// WithFields appends key/value pairs in order.
func (e Entry) WithFields(kv ...any) Entry {
	args := make([]any, 0, len(e.args)+len(kv))
	args = append(args, e.args...)
	return Entry{args: append(args, kv...)}
}

func (e Entry) WithError(err error) Entry {
	if err == nil {
		return e
	}
	return e.WithField("error", err.Error())
}

func (e Entry) fields() []pterm.LoggerArgument {
	if len(e.args) == 0 {
		return nil
	}
	return pterm.DefaultLogger.Args(e.args...)
}

func (e Entry) Debugf(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...), e.fields())
}

func (e Entry) Infof(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), e.fields())
}

func (e Entry) Warnf(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...), e.fields())
}

func (e Entry) Errorf(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...), e.fields())
}
