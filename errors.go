package molecule

import (
	"context"
	"errors"
	"fmt"

	"github.com/raskyld/molecule/pkg/packet"
)

var (
	ErrInvalidCfg       = errors.New("broker: invalid options")
	ErrBrokerClosed     = errors.New("broker: broker is stopped")
	ErrBrokerStarted    = errors.New("broker: broker is already started")
	ErrServiceInvalid   = errors.New("broker: invalid service definition")
	ErrServiceDuplicate = errors.New("broker: service already registered")
	ErrHandlerPanic     = errors.New("broker: handler panicked")

	ErrNoTransporter = errors.New("transit: no transporter configured")
	ErrTransitClosed = errors.New("transit: disconnected")
	ErrInvalidPacket = errors.New("transit: invalid packet")

	ErrNodeUnknown = errors.New("registry: unknown node")

	ErrSchedulerStopped = errors.New("scheduler: stopped")
)

// Names of the call errors. They travel on the wire, so they are stable.
const (
	NameError                    = "MoleculerError"
	NameRetryableError           = "MoleculerRetryableError"
	NameClientError              = "MoleculerClientError"
	NameRequestTimeoutError      = "RequestTimeoutError"
	NameServiceNotAvailableError = "ServiceNotAvailableError"
	NameServiceNotFoundError     = "ServiceNotFoundError"
	NameQueueIsFullError         = "QueueIsFullError"
	NameBrokerDisconnectedError  = "BrokerDisconnectedError"
	NameRequestRejectedError     = "RequestRejectedError"
	NameRequestCanceledError     = "RequestCanceledError"
	NameValidationError          = "ValidationError"
	NameMaxCallLevelError        = "MaxCallLevelError"
)

// Sentinels to match call errors with `errors.Is`, whatever their message
// or data.
var (
	ErrRequestTimeout      = &Error{Name: NameRequestTimeoutError}
	ErrServiceNotAvailable = &Error{Name: NameServiceNotAvailableError}
	ErrServiceNotFound     = &Error{Name: NameServiceNotFoundError}
	ErrQueueIsFull         = &Error{Name: NameQueueIsFullError}
	ErrBrokerDisconnected  = &Error{Name: NameBrokerDisconnectedError}
	ErrRequestRejected     = &Error{Name: NameRequestRejectedError}
	ErrRequestCanceled     = &Error{Name: NameRequestCanceledError}
	ErrValidation          = &Error{Name: NameValidationError}
	ErrMaxCallLevel        = &Error{Name: NameMaxCallLevelError}
)

// Error is the error returned to callers of actions. Every failure a
// caller can observe carries a code, a type, optional data and whether
// retrying it makes sense, so callers never have to match on strings.
type Error struct {
	Name      string
	Message   string
	Code      int
	Type      string
	Data      any
	Retryable bool
	NodeID    string

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by name so sentinels work across node boundaries.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Name == e.Name
}

// WithCause records the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// Payload is the wire shape of the error.
func (e *Error) Payload() *packet.Error {
	return &packet.Error{
		Name:      e.Name,
		Message:   e.Message,
		Code:      e.Code,
		Type:      e.Type,
		Data:      e.Data,
		Retryable: e.Retryable,
		NodeID:    e.NodeID,
	}
}

// ErrorFromPayload rebuilds an error received from another node.
func ErrorFromPayload(p *packet.Error) *Error {
	if p == nil {
		return NewError("unknown remote error", 500, "", nil)
	}
	name := p.Name
	if name == "" {
		name = NameError
	}
	return &Error{
		Name:      name,
		Message:   p.Message,
		Code:      p.Code,
		Type:      p.Type,
		Data:      p.Data,
		Retryable: p.Retryable,
		NodeID:    p.NodeID,
	}
}

// AsError converts any error into an *Error, keeping the original as
// cause. Unknown errors become non-retryable 500s.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var merr *Error
	if errors.As(err, &merr) {
		return merr
	}
	return NewError(err.Error(), 500, "", nil).WithCause(err)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var merr *Error
	if errors.As(err, &merr) {
		return merr.Retryable
	}
	return false
}

func NewError(msg string, code int, typ string, data any) *Error {
	if code == 0 {
		code = 500
	}
	return &Error{Name: NameError, Message: msg, Code: code, Type: typ, Data: data}
}

func NewRetryableError(msg string, code int, typ string, data any) *Error {
	e := NewError(msg, code, typ, data)
	e.Name = NameRetryableError
	e.Retryable = true
	return e
}

func NewClientError(msg string, code int, typ string, data any) *Error {
	if code == 0 {
		code = 400
	}
	e := NewError(msg, code, typ, data)
	e.Name = NameClientError
	return e
}

func NewValidationError(msg string, typ string, data any) *Error {
	if typ == "" {
		typ = "VALIDATION_ERROR"
	}
	e := NewClientError(msg, 422, typ, data)
	e.Name = NameValidationError
	return e
}

func NewRequestTimeoutError(action, nodeID string) *Error {
	return &Error{
		Name:      NameRequestTimeoutError,
		Message:   fmt.Sprintf("Request is timed out when call %q action on %q node.", action, nodeID),
		Code:      504,
		Type:      "REQUEST_TIMEOUT",
		Data:      map[string]any{"action": action, "nodeID": nodeID},
		Retryable: true,
		NodeID:    nodeID,
	}
}

func NewServiceNotAvailableError(action, nodeID string) *Error {
	msg := fmt.Sprintf("Service %q is not available.", action)
	if nodeID != "" {
		msg = fmt.Sprintf("Service %q is not available on %q node.", action, nodeID)
	}
	return &Error{
		Name:      NameServiceNotAvailableError,
		Message:   msg,
		Code:      404,
		Type:      "SERVICE_NOT_AVAILABLE",
		Data:      map[string]any{"action": action, "nodeID": nodeID},
		Retryable: true,
	}
}

func NewServiceNotFoundError(action, nodeID string) *Error {
	msg := fmt.Sprintf("Service %q is not found.", action)
	if nodeID != "" {
		msg = fmt.Sprintf("Service %q is not found on %q node.", action, nodeID)
	}
	return &Error{
		Name:      NameServiceNotFoundError,
		Message:   msg,
		Code:      404,
		Type:      "SERVICE_NOT_FOUND",
		Data:      map[string]any{"action": action, "nodeID": nodeID},
		Retryable: true,
	}
}

func NewQueueIsFullError(action, nodeID string, size, limit int) *Error {
	return &Error{
		Name:      NameQueueIsFullError,
		Message:   fmt.Sprintf("Queue is full. Request %q action on %q node is rejected.", action, nodeID),
		Code:      429,
		Type:      "QUEUE_FULL",
		Data:      map[string]any{"action": action, "nodeID": nodeID, "size": size, "limit": limit},
		Retryable: true,
		NodeID:    nodeID,
	}
}

func NewBrokerDisconnectedError() *Error {
	return &Error{
		Name:      NameBrokerDisconnectedError,
		Message:   "The broker's transporter has disconnected. Please try again when a connection is reestablished.",
		Code:      502,
		Type:      "BAD_GATEWAY",
		Retryable: true,
	}
}

func NewRequestRejectedError(action, nodeID string) *Error {
	return &Error{
		Name:      NameRequestRejectedError,
		Message:   fmt.Sprintf("Request is rejected when call %q action on %q node.", action, nodeID),
		Code:      503,
		Type:      "REQUEST_REJECTED",
		Data:      map[string]any{"action": action, "nodeID": nodeID},
		Retryable: true,
		NodeID:    nodeID,
	}
}

// NewRequestCanceledError is returned when the caller gave up on the call.
// It is a client error: the endpoint is not to blame.
func NewRequestCanceledError(action, nodeID string) *Error {
	return &Error{
		Name:    NameRequestCanceledError,
		Message: fmt.Sprintf("Request is canceled when call %q action on %q node.", action, nodeID),
		Code:    499,
		Type:    "REQUEST_CANCELED",
		Data:    map[string]any{"action": action, "nodeID": nodeID},
		NodeID:  nodeID,
	}
}

// callError gives bare context errors the shape of a call error, keeping
// them as cause. Other errors are returned unchanged.
func callError(err error, action, nodeID string) error {
	var merr *Error
	switch {
	case err == nil || errors.As(err, &merr):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return NewRequestTimeoutError(action, nodeID).WithCause(err)
	case errors.Is(err, context.Canceled):
		return NewRequestCanceledError(action, nodeID).WithCause(err)
	}
	return err
}

func isContextError(err error) bool {
	var merr *Error
	if err == nil || errors.As(err, &merr) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func NewMaxCallLevelError(nodeID string, level int) *Error {
	return &Error{
		Name:    NameMaxCallLevelError,
		Message: fmt.Sprintf("Request level is reached the limit (%d) on %q node.", level, nodeID),
		Code:    500,
		Type:    "MAX_CALL_LEVEL",
		Data:    map[string]any{"nodeID": nodeID, "level": level},
		NodeID:  nodeID,
	}
}
