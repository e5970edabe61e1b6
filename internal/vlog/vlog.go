// Package vlog provides the structured loggers shared by every vaultfs
// subsystem. Each component gets its own tagged entry so a log line can be
// traced back to the chunk allocator, the journal, the VMAR, and so on,
// without parsing a stack trace.
package vlog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	base     *logrus.Logger
	baseOnce sync.Once
)

func root() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		base.SetLevel(logrus.InfoLevel)
	})
	return base
}

// SetLevel adjusts the verbosity of every component logger.
func SetLevel(level logrus.Level) {
	root().SetLevel(level)
}

// For returns the tagged entry for a named subsystem, e.g. For("chunk").
func For(component string) *logrus.Entry {
	return root().WithField("component", component)
}
