package domain

import (
	"fmt"
	"strings"
	"time"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

// Log levels.
const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// LogCategory tags a log entry with the area that produced it.
type LogCategory string

// Log categories.
const (
	LogCategoryNone              LogCategory = "NONE"
	LogCategorySDKCall           LogCategory = "SDK_CALL"
	LogCategorySDKError          LogCategory = "SDK_ERROR"
	LogCategorySDKException      LogCategory = "SDK_EXCEPTION"
	LogCategoryAppLifecycleEvent LogCategory = "APP_LIFECYCLE_EVENT"
	LogCategoryPermissionEvent   LogCategory = "PERMISSION_EVENT"
)

// PurgeMarkerMessage is the message of the entry inserted when a log buffer
// discards entries to stay within capacity.
const PurgeMarkerMessage = "----- purged oldest logs -----"

// LogEntry is a single diagnostic line waiting to be delivered.
type LogEntry struct {
	Level     LogLevel     `json:"level"`
	Message   string       `json:"message"`
	Category  *LogCategory `json:"type,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// NewLogEntry creates a log entry. Newlines in the message are replaced with
// tabs so that every entry occupies a single line on disk.
func NewLogEntry(level LogLevel, message string, category *LogCategory, createdAt time.Time) LogEntry {
	return LogEntry{
		Level:     level,
		Message:   strings.ReplaceAll(message, "\n", "\t"),
		Category:  category,
		CreatedAt: createdAt,
	}
}

// NewPurgeMarker returns the marker entry recorded after a capacity purge.
func NewPurgeMarker(createdAt time.Time) LogEntry {
	return NewLogEntry(LogLevelDebug, PurgeMarkerMessage, nil, createdAt)
}

// IsPurgeMarker reports whether the entry was produced by NewPurgeMarker.
func (e LogEntry) IsPurgeMarker() bool {
	return e.Level == LogLevelDebug && e.Message == PurgeMarkerMessage && e.Category == nil
}

// ParseLogLevel converts a case-insensitive level name to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(s) {
	case "DEBUG", "D":
		return LogLevelDebug, nil
	case "INFO", "I":
		return LogLevelInfo, nil
	case "WARNING", "WARN", "W":
		return LogLevelWarning, nil
	case "ERROR", "E":
		return LogLevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// ParseLogCategory converts a category name to a LogCategory.
func ParseLogCategory(s string) (LogCategory, error) {
	c := LogCategory(strings.ToUpper(s))
	switch c {
	case LogCategoryNone, LogCategorySDKCall, LogCategorySDKError, LogCategorySDKException,
		LogCategoryAppLifecycleEvent, LogCategoryPermissionEvent:
		return c, nil
	default:
		return "", fmt.Errorf("unknown log category %q", s)
	}
}
