// Package logging tags progress logs with the severity vocabulary operators
// grep for: info, success, warning, error.
package logging

import "github.com/go-logr/logr"

const severityKey = "severity"

func Info(log logr.Logger, msg string, keysAndValues ...any) {
	log.Info(msg, append(keysAndValues, severityKey, "info")...)
}

func Success(log logr.Logger, msg string, keysAndValues ...any) {
	log.Info(msg, append(keysAndValues, severityKey, "success")...)
}

func Warning(log logr.Logger, msg string, keysAndValues ...any) {
	log.Info(msg, append(keysAndValues, severityKey, "warning")...)
}

func Error(log logr.Logger, err error, msg string, keysAndValues ...any) {
	log.Error(err, msg, append(keysAndValues, severityKey, "error")...)
}
