// Package logging builds the diagnostic logger. Logs never share a stream
// with archive output.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Log formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New creates a logger writing to out at the given level. An empty level
// means info.
func New(level, format string, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	switch format {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	if level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return logger, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	logger.SetLevel(lvl)
	return logger, nil
}

// WithBuild returns the entry every build log line goes through.
func WithBuild(logger *logrus.Logger, buildID string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "pkgchunk",
		"build_id":  buildID,
	})
}
