//go:generate go run golang.org/x/tools/cmd/stringer -type=Level -linecomment=true

package log

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Level parametrizes supported log verbosity levels.
type Level int

const (
	// Debug messages trace per-datagram behaviors.
	Debug Level = iota // DEBUG
	// Info messages convey general events, including the query log.
	Info // INFO
	// Warn messages describe dropped datagrams and other non-fatal divergences.
	Warn // WARN
	// Error messages indicate behavior that is not intended and should be corrected.
	Error // ERROR
)

// ParseLevel looks up a Level constant by its stringified (case-insensitive) representation.
func ParseLevel(level string) (Level, bool) {
	for _, knownLevel := range []Level{Debug, Info, Warn, Error} {
		if strings.EqualFold(level, knownLevel.String()) {
			return knownLevel, true
		}
	}

	return Error, false
}

// Enables indicates whether the current log level enables logging at another level.
//
// For example,
//
//	Debug enables Debug, Info, Warn, and Error
//	Info enables Info, Warn and Error, but not Debug
//	Error enables Error, but not Debug, Info, or Warn
func (l Level) Enables(other Level) bool {
	return l <= other
}

// logrus maps the level onto its logrus equivalent.
func (l Level) logrus() logrus.Level {
	switch l {
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	case Warn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}
