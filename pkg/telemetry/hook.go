package telemetry

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/apiguard/pkg/logging"
)

// fields that are either mapped onto LogContext or carry no call detail
var skippedFields = map[string]bool{
	logging.FieldEndpoint:      true,
	logging.FieldMethod:        true,
	logging.FieldStatusCode:    true,
	logging.FieldDurationMS:    true,
	logging.FieldError:         true,
	logging.FieldAttempt:       true,
	logging.FieldCorrelationID: true,
	logging.FieldComponent:     true,
	"service":                  true,
	"version":                  true,
	"duration":                 true,
	"stack_trace":              true,
}

// LogHook copies every logrus entry into the store's log ring.
type LogHook struct {
	store *Store
}

// NewLogHook returns a hook feeding store.
func NewLogHook(store *Store) *LogHook {
	return &LogHook{store: store}
}

// Levels implements logrus.Hook.
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.store.AddLog(LogEntry{
		Timestamp: entry.Time,
		Level:     levelOf(entry.Level),
		Message:   entry.Message,
		Context:   contextOf(entry.Data),
	})
	return nil
}

func levelOf(level logrus.Level) Level {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return LevelError
	case logrus.WarnLevel:
		return LevelWarn
	case logrus.InfoLevel:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func contextOf(data logrus.Fields) LogContext {
	var lc LogContext
	lc.Endpoint = stringField(data, logging.FieldEndpoint)
	lc.Method = stringField(data, logging.FieldMethod)
	lc.Error = stringField(data, logging.FieldError)
	lc.CorrelationID = stringField(data, logging.FieldCorrelationID)
	lc.Component = stringField(data, logging.FieldComponent)
	lc.StatusCode = int(intField(data, logging.FieldStatusCode))
	lc.Attempt = int(intField(data, logging.FieldAttempt))
	lc.DurationMS = intField(data, logging.FieldDurationMS)

	for k, v := range data {
		if skippedFields[k] {
			continue
		}
		if lc.Extra == nil {
			lc.Extra = make(map[string]string)
		}
		lc.Extra[k] = fmt.Sprint(v)
	}
	return lc
}

func stringField(data logrus.Fields, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(v)
}

func intField(data logrus.Fields, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
