// Package logging wires the client's ambient structured logging. It uses
// github.com/rs/zerolog directly, the same library the teacher's logiface
// adapter wraps, rather than carrying logiface's generic Logger[E Event]
// abstraction for a single fixed backend (see DESIGN.md).
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns the root logger, writing leveled, field-structured output to
// w (os.Stderr if nil).
func New(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Component scopes logger with a "component" field, identifying which L1-L10
// layer emitted the record (e.g. "connmgr", "invocation", "reactor").
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// WithMember scopes logger with a "member_uuid" field.
func WithMember(logger zerolog.Logger, memberUUID string) zerolog.Logger {
	return logger.With().Str("member_uuid", memberUUID).Logger()
}

// WithConnection scopes logger with a "connection_id" field.
func WithConnection(logger zerolog.Logger, connectionID string) zerolog.Logger {
	return logger.With().Str("connection_id", connectionID).Logger()
}

// WithCorrelation scopes logger with a "correlation_id" field.
func WithCorrelation(logger zerolog.Logger, correlationID int64) zerolog.Logger {
	return logger.With().Int64("correlation_id", correlationID).Logger()
}
