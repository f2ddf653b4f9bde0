// Package logging provides the single shared logger used by every
// component of the bridge (SSDP, store, rule engine, HTTP server, light
// adapter) so log lines share one format and output stream.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the package-global logger instance.
var Log = logrus.New()

func init() {
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLevel parses and applies a textual log level (debug, info, warn, ...).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Log.SetLevel(lvl)
	return nil
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	Log.SetOutput(w)
}

// SetJSONFormat switches to structured JSON output, for deployments that
// ship logs to a collector instead of a terminal.
func SetJSONFormat() {
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithField returns an entry annotated with a single field.
func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

// WithFields returns an entry annotated with multiple fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// WithComponent tags a log entry with the subsystem that produced it.
func WithComponent(name string) *logrus.Entry {
	return Log.WithField("component", name)
}
