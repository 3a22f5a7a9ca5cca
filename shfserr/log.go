package shfserr

import log "github.com/sirupsen/logrus"

// Warnf is a small indirection so this package doesn't need to import
// the logger package directly (which itself may want to report errors
// with shfserr.Kind attached) while still logging through logrus like
// the rest of the tool.
func Warnf(format string, a ...interface{}) {
	log.Warnf(format, a...)
}
