package actions

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies the outcome of a remote commissioning call
type Code int

const (
	CodeOK Code = iota
	CodeBadArgument
	CodeFileNotFound
	CodeCountMismatch
	CodeConnectivity
	CodeUnknown
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeBadArgument:
		return "bad-argument"
	case CodeFileNotFound:
		return "file-not-found"
	case CodeCountMismatch:
		return "count-mismatch"
	case CodeConnectivity:
		return "connectivity"
	default:
		return "unknown"
	}
}

// Severity says how much a status affects the running operation
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	// SeverityFatal aborts the operation that produced the status
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	default:
		return "fatal"
	}
}

var templates = map[Code]struct {
	format   string
	severity Severity
}{
	CodeOK:            {"%s completed", SeverityInfo},
	CodeBadArgument:   {"bad argument for %s: %v", SeverityFatal},
	CodeFileNotFound:  {"file %s not found on %s", SeverityFatal},
	CodeCountMismatch: {"expected %d active nodes but found %d", SeverityWarning},
	CodeConnectivity:  {"unable to reach %s: %v", SeverityFatal},
	CodeUnknown:       {"unexpected failure: %v", SeverityFatal},
}

// Status is the structured result of a remote commissioning call. Non-OK
// statuses are returned as errors.
type Status struct {
	Code     Code
	Severity Severity
	Message  string
	cause    error
}

// NewStatus builds a status whose message is rendered from the code's
// template and params
func NewStatus(code Code, params ...any) *Status {
	tpl, ok := templates[code]
	if !ok {
		tpl = templates[CodeUnknown]
	}
	s := &Status{
		Code:     code,
		Severity: tpl.severity,
		Message:  fmt.Sprintf(tpl.format, params...),
	}
	for _, p := range params {
		if err, ok := p.(error); ok {
			s.cause = err
		}
	}
	return s
}

func (s *Status) Error() string {
	return fmt.Sprintf("%s (%s): %s", s.Code, s.Severity, s.Message)
}

func (s *Status) Unwrap() error {
	return s.cause
}

// Retryable returns true for transient mismatches worth polling again
func (s *Status) Retryable() bool {
	return s.Code == CodeCountMismatch
}

// AsStatus translates any error into a Status. Transport errors that did not
// come from the remote side become connectivity failures.
func AsStatus(err error, target string) *Status {
	if err == nil {
		return nil
	}
	var status *Status
	if errors.As(err, &status) {
		return status
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewStatus(CodeConnectivity, target, err)
	}
	return NewStatus(CodeUnknown, err)
}

// IsRetryable reports whether err is a retryable status
func IsRetryable(err error) bool {
	var status *Status
	return errors.As(err, &status) && status.Retryable()
}
