package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NullLogger discards everything. Used by tests that exercise noisy loops.
var NullLogger = &logrus.Logger{
	Out:       io.Discard,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.PanicLevel,
}

// NullEntry is a logrus.Entry backed by NullLogger.
func NullEntry() *logrus.Entry {
	return logrus.NewEntry(NullLogger)
}
