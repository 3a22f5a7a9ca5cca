// Package logger standardizes logging across shfsadm on top of
// sirupsen/logrus, the way the teacher's own logger package standardizes
// logging on top of the same library.
package logger

import (
	"os"

	log "github.com/sirupsen/logrus"
)

var base = log.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	base.SetLevel(log.WarnLevel)
}

// Verbosity levels mirror D_L0/D_L1 from the original tool: level 0 is
// the default (warnings and errors only), level 1 (-v once) enables
// operational tracing, level 2 (-v -v, the max) enables per-chunk detail.
const (
	LevelDefault = 0
	LevelTrace   = 1
	LevelDebug   = 2
	MaxVerbosity = LevelDebug
)

// SetVerbosity maps a -v count onto a logrus level.
func SetVerbosity(v int) {
	switch {
	case v >= LevelDebug:
		base.SetLevel(log.DebugLevel)
	case v >= LevelTrace:
		base.SetLevel(log.InfoLevel)
	default:
		base.SetLevel(log.WarnLevel)
	}
}

func Warnf(format string, args ...interface{})  { base.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { base.Errorf(format, args...) }
func Infof(format string, args ...interface{})  { base.Infof(format, args...) }
func Debugf(format string, args ...interface{}) { base.Debugf(format, args...) }

// Tracef logs at level only if the configured verbosity is at or above
// it, mirroring tools_common.h's dprintf(LEVEL, ...) macro.
func Tracef(level int, format string, args ...interface{}) {
	switch level {
	case LevelTrace:
		base.Infof(format, args...)
	case LevelDebug:
		base.Debugf(format, args...)
	default:
		base.Infof(format, args...)
	}
}
