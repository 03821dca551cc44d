package ocr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode classifies a failed engine call.
type ErrorCode string

const (
	CodeTimeout        ErrorCode = "timeout"
	CodeRemoteRejected ErrorCode = "remote_rejected"
	CodeUnauthorized   ErrorCode = "unauthorized"
	CodeUnknown        ErrorCode = "unknown"
)

// EngineError is returned by every Engine operation that fails.
type EngineError struct {
	Code         ErrorCode
	Engine       string
	Op           string
	ProviderCode int // provider error_code, 0 when the failure was not reported by the provider
	Message      string
	Err          error
}

func (e *EngineError) Error() string {
	prefix := "ocr"
	if e.Engine != "" {
		prefix = e.Engine
	}
	if e.Op != "" {
		prefix += " " + e.Op
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ProviderCode != 0 {
		return fmt.Sprintf("%s: %s (code %d, %s)", prefix, msg, e.ProviderCode, e.Code)
	}
	return fmt.Sprintf("%s: %s (%s)", prefix, msg, e.Code)
}

func (e *EngineError) Unwrap() error { return e.Err }

// WithOp stamps engine and operation names on err when it is an *EngineError
// that does not carry them yet.
func WithOp(err error, engine, op string) error {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return err
	}
	if ee.Engine == "" {
		ee.Engine = engine
	}
	if ee.Op == "" {
		ee.Op = op
	}
	return err
}

// TransportError wraps a failure that happened before a provider payload was decoded.
func TransportError(err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	code := CodeUnknown
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.As(err, &ne) && ne.Timeout():
		code = CodeTimeout
	}
	return &EngineError{Code: code, Message: err.Error(), Err: err}
}

// CodeOf returns the classification of err, CodeUnknown for foreign errors.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeUnknown
}

// Provider codes that mean the credentials or the access token are not accepted.
var authCodes = map[int]struct{}{
	6:   {}, // no permission to access data
	14:  {}, // IAM certification failed
	110: {}, // access token invalid or no longer valid
	111: {}, // access token expired
}

func isAuthCode(code int) bool {
	_, ok := authCodes[code]
	return ok
}

// IsTokenExpired reports provider codes after which a fresh access token may succeed.
func IsTokenExpired(code int) bool {
	return code == 110 || code == 111
}
