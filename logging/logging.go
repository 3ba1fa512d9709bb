// Package logging builds the leveled logger shared by every lanpair component.
package logging

import (
	"strings"

	"github.com/tryfix/log"
)

// DefaultLevel is used when no level is configured.
const DefaultLevel = "INFO"

// Logger is the subset of log.Logger the pairing components depend on.
type Logger interface {
	Error(message interface{}, params ...interface{})
	Warn(message interface{}, params ...interface{})
	Info(message interface{}, params ...interface{})
	Debug(message interface{}, params ...interface{})
}

// New returns a tryfix logger at the given level (ERROR, WARN, INFO, DEBUG, TRACE).
func New(level string, colors bool) log.Logger {
	return log.Constructor.Log(
		log.WithColors(colors),
		log.WithLevel(log.Level(NormalizeLevel(level))),
		log.WithFilePath(false),
	)
}

// NormalizeLevel upper-cases a level name and falls back to DefaultLevel.
func NormalizeLevel(level string) string {
	switch clean := strings.ToUpper(strings.TrimSpace(level)); clean {
	case "ERROR", "WARN", "INFO", "DEBUG", "TRACE":
		return clean
	default:
		return DefaultLevel
	}
}

type nop struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nop{}
}

func (nop) Error(interface{}, ...interface{}) {}
func (nop) Warn(interface{}, ...interface{})  {}
func (nop) Info(interface{}, ...interface{})  {}
func (nop) Debug(interface{}, ...interface{}) {}
