package proxy

import (
	"fmt"
	"log/slog"
	"strings"

	uuid "github.com/satori/go.uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InstanceLogger binds a *slog.Logger to a stable per-process instance
// identity, grounded on the teacher's own instance_logger.go. A proxy
// embedder typically runs several Proxy instances side by side (one per
// listen address); tagging every log line with instance_id/port makes
// them distinguishable in a shared log stream.
type InstanceLogger struct {
	InstanceID   string
	InstanceName string
	Port         string
	logger       *slog.Logger
}

// NewInstanceLogger binds instance identity to the global slog logger.
func NewInstanceLogger(addr, instanceName string) *InstanceLogger {
	return NewInstanceLoggerWithFile(addr, instanceName, "")
}

// NewInstanceLoggerWithFile is like NewInstanceLogger but, when
// logFilePath is non-empty, writes JSON log lines to a size- and
// age-rotated file via lumberjack rather than the global logger. The
// file rotates at 100 MiB and keeps up to 5 compressed backups for at
// most 28 days; these values are fixed in this function.
func NewInstanceLoggerWithFile(addr, instanceName, logFilePath string) *InstanceLogger {
	port := addr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		port = addr[idx+1:]
	}
	if instanceName == "" {
		instanceName = fmt.Sprintf("proxy-%s", port)
	}

	il := &InstanceLogger{
		InstanceID:   uuid.NewV4().String()[:8],
		InstanceName: instanceName,
		Port:         port,
	}

	var handler slog.Handler
	if logFilePath != "" {
		writer := &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{})
	} else {
		handler = slog.Default().Handler()
	}

	il.logger = slog.New(handler).With(
		"instance_id", il.InstanceID,
		"instance_name", il.InstanceName,
		"port", il.Port,
	)
	return il
}

// Logger returns the bound slog.Logger, suitable for passing to New.
func (il *InstanceLogger) Logger() *slog.Logger {
	return il.logger
}
