package tileset

import (
	"errors"
	"log/slog"
)

// ErrorList collects the errors and warnings of one operation.
type ErrorList struct {
	Errors   []error
	Warnings []string
}

func (l *ErrorList) AddError(err error) {
	if err != nil {
		l.Errors = append(l.Errors, err)
	}
}

func (l *ErrorList) AddWarning(warning string) {
	l.Warnings = append(l.Warnings, warning)
}

func (l *ErrorList) Merge(other ErrorList) {
	l.Errors = append(l.Errors, other.Errors...)
	l.Warnings = append(l.Warnings, other.Warnings...)
}

func (l ErrorList) HasErrors() bool { return len(l.Errors) > 0 }

// Err joins the errors, or returns nil if there are none.
func (l ErrorList) Err() error { return errors.Join(l.Errors...) }

// Log writes errors at Error level and warnings at Warn level.
func (l ErrorList) Log(logger *slog.Logger, msg string, args ...any) {
	args = args[:len(args):len(args)]
	for _, err := range l.Errors {
		logger.Error(msg, append(args, "error", err)...)
	}
	for _, warning := range l.Warnings {
		logger.Warn(msg, append(args, "warning", warning)...)
	}
}
