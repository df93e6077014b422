// Package logging wires structured logging for the supervisor: a
// logiface.Logger[*zerolog.Event] facade over a zerolog backend writing
// to syslog (or to stderr when no facility is given; a failed syslog
// connection is returned as an error), matching the
// ambient logging stack of the teacher's module tree.
package logging

import (
	"fmt"
	"io"
	"log/syslog"
	"os"

	"github.com/joeycumines/go-utilpkg/logiface"
	lfzerolog "github.com/joeycumines/go-utilpkg/logiface/zerolog"
	"github.com/rs/zerolog"
)

// Logger is the concrete logiface event type used throughout this
// module; every package that logs takes a *Logger rather than a
// concrete backend type.
type Logger = logiface.Logger[*lfzerolog.Event]

// New builds a Logger writing to facility (an rfc3164-style syslog
// facility name, e.g. "mail") tagged with tag, or to stderr if facility
// is empty (used for -D/no-daemon runs and tests).
func New(facility, tag string) (*Logger, error) {
	var w io.Writer = os.Stderr
	if facility != "" {
		sw, err := dialSyslog(facility, tag)
		if err != nil {
			return nil, fmt.Errorf("logging: dial syslog: %w", err)
		}
		w = sw
	}
	zl := zerolog.New(w).With().Timestamp().Str("component", tag).Logger()
	return logiface.New(lfzerolog.WithZerolog(zl)), nil
}

func dialSyslog(facility, tag string) (io.Writer, error) {
	prio, err := facilityPriority(facility)
	if err != nil {
		return nil, err
	}
	return syslog.New(prio|syslog.LOG_INFO, tag)
}

func facilityPriority(name string) (syslog.Priority, error) {
	switch name {
	case "daemon":
		return syslog.LOG_DAEMON, nil
	case "mail":
		return syslog.LOG_MAIL, nil
	case "user":
		return syslog.LOG_USER, nil
	case "local0":
		return syslog.LOG_LOCAL0, nil
	case "local1":
		return syslog.LOG_LOCAL1, nil
	case "local2":
		return syslog.LOG_LOCAL2, nil
	case "local3":
		return syslog.LOG_LOCAL3, nil
	case "local4":
		return syslog.LOG_LOCAL4, nil
	case "local5":
		return syslog.LOG_LOCAL5, nil
	case "local6":
		return syslog.LOG_LOCAL6, nil
	case "local7":
		return syslog.LOG_LOCAL7, nil
	default:
		return 0, fmt.Errorf("logging: unknown syslog facility %q", name)
	}
}

// Discard returns a Logger that drops everything, used by tests and any
// component that has not been handed a real logger yet.
func Discard() *Logger {
	return logiface.New(lfzerolog.WithZerolog(zerolog.Nop()))
}
