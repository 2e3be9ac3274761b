package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ErrorLabel is the machine-readable name of an ExecError, stable across process boundaries.
type ErrorLabel string

const (
	LabelAlreadyExecuting        ErrorLabel = "AlreadyExecuting"
	LabelConflictingExecution    ErrorLabel = "ConflictingExecution"
	LabelNoAgentAvailable        ErrorLabel = "NoAgentAvailable"
	LabelShuttingDown            ErrorLabel = "ShuttingDown"
	LabelNotPending              ErrorLabel = "NotPending"
	LabelNoSuchInstance          ErrorLabel = "NoSuchInstance"
	LabelDownstreamException     ErrorLabel = "DownstreamException"
	LabelUnknownStep             ErrorLabel = "UnknownStep"
	LabelUnknownStepDependencies ErrorLabel = "UnknownStepDependencies"
	LabelCircularStepDependency  ErrorLabel = "CircularStepDependency"
	LabelValidationFailed        ErrorLabel = "ValidationFailed"
	LabelInternal                ErrorLabel = "InternalError"
)

// ErrAgentTimeout marks an orchestrator→agent call that did not answer in time.
var ErrAgentTimeout = errors.New("agent call timed out")

// ExecError is a labelled error carrying an HTTP-like status code and optional parameters.
// A DownstreamException keeps the decoded remote error in Inner.
type ExecError struct {
	StatusCode int
	Label      ErrorLabel
	Message    string
	Params     []any
	Inner      *ExecError
}

func (e *ExecError) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Inner.Error())
	}
	return e.Message
}

func (e *ExecError) Unwrap() error {
	if e.Inner == nil {
		return nil
	}
	return e.Inner
}

// ErrorCode returns the label as a string.
func (e *ExecError) ErrorCode() string {
	return string(e.Label)
}

// AsExecError returns the outermost ExecError in err's chain.
func AsExecError(err error) (*ExecError, bool) {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasLabel reports whether the outermost ExecError in err's chain carries label.
func HasLabel(err error, label ErrorLabel) bool {
	ee, ok := AsExecError(err)
	return ok && ee.Label == label
}

// DownstreamLabel returns the label of the remote error wrapped by a DownstreamException.
func DownstreamLabel(err error) (ErrorLabel, bool) {
	ee, ok := AsExecError(err)
	if !ok || ee.Label != LabelDownstreamException || ee.Inner == nil {
		return "", false
	}
	return ee.Inner.Label, true
}

// ExecutionRef extracts the (kind, instance id) pair carried by AlreadyExecuting
// and ConflictingExecution errors, including ones decoded from the wire.
func (e *ExecError) ExecutionRef() (ExecutionKind, uuid.UUID, bool) {
	if len(e.Params) < 2 {
		return "", uuid.Nil, false
	}
	kind, ok := e.Params[0].(string)
	if !ok {
		if k, isKind := e.Params[0].(ExecutionKind); isKind {
			kind, ok = string(k), true
		}
	}
	if !ok {
		return "", uuid.Nil, false
	}
	var id uuid.UUID
	switch v := e.Params[1].(type) {
	case uuid.UUID:
		id = v
	case string:
		parsed, err := uuid.Parse(v)
		if err != nil {
			return "", uuid.Nil, false
		}
		id = parsed
	default:
		return "", uuid.Nil, false
	}
	return ExecutionKind(kind), id, true
}

func AlreadyExecuting(kind ExecutionKind, id uuid.UUID) *ExecError {
	return &ExecError{
		StatusCode: http.StatusConflict,
		Label:      LabelAlreadyExecuting,
		Message:    fmt.Sprintf("already executing %s %s", kind, id),
		Params:     []any{string(kind), id.String()},
	}
}

func ConflictingExecution(kind ExecutionKind, id uuid.UUID) *ExecError {
	return &ExecError{
		StatusCode: http.StatusConflict,
		Label:      LabelConflictingExecution,
		Message:    fmt.Sprintf("conflicting %s %s", kind, id),
		Params:     []any{string(kind), id.String()},
	}
}

func NoAgentAvailable() *ExecError {
	return &ExecError{
		StatusCode: http.StatusConflict,
		Label:      LabelNoAgentAvailable,
		Message:    "no agent available",
	}
}

func ShuttingDown() *ExecError {
	return &ExecError{
		StatusCode: http.StatusServiceUnavailable,
		Label:      LabelShuttingDown,
		Message:    "agent is shutting down",
	}
}

func NotPending(id uuid.UUID) *ExecError {
	return &ExecError{
		StatusCode: http.StatusConflict,
		Label:      LabelNotPending,
		Message:    fmt.Sprintf("instance %s is not pending", id),
		Params:     []any{id.String()},
	}
}

func NoSuchInstance(id uuid.UUID) *ExecError {
	return &ExecError{
		StatusCode: http.StatusNotFound,
		Label:      LabelNoSuchInstance,
		Message:    fmt.Sprintf("no such instance %s", id),
		Params:     []any{id.String()},
	}
}

// DownstreamException wraps an error returned by a remote agent. inner may be nil
// when the remote body could not be decoded.
func DownstreamException(remoteStatus int, inner *ExecError, message string) *ExecError {
	if message == "" {
		message = fmt.Sprintf("downstream call failed with status %d", remoteStatus)
	}
	return &ExecError{
		StatusCode: http.StatusBadGateway,
		Label:      LabelDownstreamException,
		Message:    message,
		Params:     []any{remoteStatus},
		Inner:      inner,
	}
}

func UnknownStep(scope Scope, name string) *ExecError {
	return &ExecError{
		StatusCode: http.StatusBadRequest,
		Label:      LabelUnknownStep,
		Message:    fmt.Sprintf("unknown %s step %q", scope, name),
		Params:     []any{string(scope), name},
	}
}

func UnknownStepDependencies(names []string) *ExecError {
	params := make([]any, len(names))
	for i, n := range names {
		params[i] = n
	}
	return &ExecError{
		StatusCode: http.StatusInternalServerError,
		Label:      LabelUnknownStepDependencies,
		Message:    fmt.Sprintf("unknown step dependencies: %s", strings.Join(names, ", ")),
		Params:     params,
	}
}

func CircularStepDependency(path []string) *ExecError {
	return &ExecError{
		StatusCode: http.StatusInternalServerError,
		Label:      LabelCircularStepDependency,
		Message:    fmt.Sprintf("circular step dependency: %s", strings.Join(path, " -> ")),
	}
}

// ValidationFailed is the error steps return when their input is rejected.
func ValidationFailed(format string, args ...any) *ExecError {
	return &ExecError{
		StatusCode: http.StatusBadRequest,
		Label:      LabelValidationFailed,
		Message:    fmt.Sprintf(format, args...),
	}
}
