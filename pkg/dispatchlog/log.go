// Package dispatchlog wires a logrus.Logger into a context.Context as the
// dlog logger the rest of the dispatch core calls through, the same
// pattern the teacher uses in cmd/traffic/logger.go and
// pkg/client/logging/initcontext.go.
package dispatchlog

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// Init builds a logrus.Logger at the given level ("trace", "debug",
// "info", "warn", "error"), wraps it as a dlog logger, and returns a
// derived context carrying it. An unrecognized level falls back to Info
// and returns a wrapped error describing the rejected value, mirroring
// the teacher's tolerant-but-reported level parsing.
func Init(ctx context.Context, levelName string) (context.Context, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.0000",
	})

	var parseErr error
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
		parseErr = fmt.Errorf("dispatchlog: unrecognized level %q, defaulting to info: %w", levelName, err)
	}
	logger.SetLevel(level)

	dlogger := dlog.WrapLogrus(logger)
	dlog.SetFallbackLogger(dlogger)
	return dlog.WithLogger(ctx, dlogger), parseErr
}
