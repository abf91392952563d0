package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the taxonomy of command failures
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindBackoff
	KindServerTimeout
	KindProtocol
	KindApplication
	KindClientTimeout
	KindQueueFull
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindBackoff:
		return "backoff"
	case KindServerTimeout:
		return "server timeout"
	case KindProtocol:
		return "protocol"
	case KindApplication:
		return "application"
	case KindClientTimeout:
		return "client timeout"
	case KindQueueFull:
		return "queue full"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. They match any Error of the same kind.
var (
	ErrNetwork       = &Error{Kind: KindNetwork}
	ErrBackoff       = &Error{Kind: KindBackoff}
	ErrServerTimeout = &Error{Kind: KindServerTimeout}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrApplication   = &Error{Kind: KindApplication}
	ErrClientTimeout = &Error{Kind: KindClientTimeout}
	ErrQueueFull     = &Error{Kind: KindQueueFull}
)

// Error is a terminal or retryable command failure
type Error struct {
	Kind    ErrorKind
	Code    ResultCode
	Message string

	// enrichment, filled in before the error reaches the caller
	Node      string
	Iteration int
	InDoubt   bool
	Policy    *BasePolicy

	Cause error
}

// NewError creates an error of the given kind
func NewError(kind ErrorKind, code ResultCode, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewResultCodeError creates an error for a nonzero server result code
func NewResultCodeError(code ResultCode) *Error {
	return &Error{Kind: KindForResultCode(code), Code: code, Message: ResultCodeString(code)}
}

// NewNetworkError wraps a socket level failure
func NewNetworkError(cause error) *Error {
	return &Error{Kind: KindNetwork, Code: NetworkError, Message: "network error", Cause: cause}
}

// NewProtocolError reports a malformed frame
func NewProtocolError(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Code: ParseError, Message: fmt.Sprintf(format, args...)}
}

// NewClientTimeoutError reports an exhausted deadline
func NewClientTimeoutError(total bool) *Error {
	msg := "socket timeout"
	if total {
		msg = "total timeout"
	}
	return &Error{Kind: KindClientTimeout, Code: Timeout, Message: "client " + msg}
}

// AsError converts any error into an *Error, wrapping foreign errors as
// application errors with CommonError
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindApplication, Code: CommonError, Message: err.Error(), Cause: err}
}

// Retryable reports whether the command loop may try again
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindBackoff, KindServerTimeout:
		return true
	default:
		return false
	}
}

// Is matches sentinels of the same kind. A sentinel with a code also
// requires the code to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	sb.WriteString(" error")
	if e.Code != 0 {
		fmt.Fprintf(&sb, " %d", int(e.Code))
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Node != "" {
		fmt.Fprintf(&sb, ", node=%s", e.Node)
	}
	if e.Iteration > 0 {
		fmt.Fprintf(&sb, ", iteration=%d", e.Iteration)
	}
	if e.InDoubt {
		sb.WriteString(", inDoubt=true")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Enrich copies the error and attaches node, iteration, in-doubt status and
// a snapshot of the policy
func (e *Error) Enrich(node string, iteration int, inDoubt bool, policy *BasePolicy) *Error {
	c := *e
	if node != "" {
		c.Node = node
	}
	c.Iteration = iteration
	c.InDoubt = inDoubt
	if policy != nil {
		snapshot := *policy
		snapshot.Txn = nil
		c.Policy = &snapshot
	}
	return &c
}
