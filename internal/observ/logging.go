package observ

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetOutput redirects all event output (used by tests and by cmd to tee into a file).
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// SetDebug enables debug-level events.
func SetDebug(enabled bool) {
	if enabled {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

// Log emits a structured info event. Every operational decision (placement,
// rejection, fill, anomaly) goes through here so a trading day can be
// reconstructed from the log alone.
func Log(event string, kv map[string]any) {
	log.WithFields(logrus.Fields(kv)).Info(event)
}

// Debug emits a structured debug event.
func Debug(event string, kv map[string]any) {
	log.WithFields(logrus.Fields(kv)).Debug(event)
}

// Warn emits a structured warning event.
func Warn(event string, kv map[string]any) {
	log.WithFields(logrus.Fields(kv)).Warn(event)
}

// Error emits a structured error event.
func Error(event string, kv map[string]any) {
	log.WithFields(logrus.Fields(kv)).Error(event)
}
