package iothub

import (
	"errors"
	"fmt"
)

const (
	CanceledError = iota

	DisposedError

	InvalidOperationError

	ArgumentError

	TimedOutError

	NetworkError

	CommunicationError

	ServerBusyError

	ThrottlingError

	UnauthorizedError

	DeviceNotFoundError

	DeviceDisabledError

	QuotaExceededError

	MessageTooLargeError

	LockLostError

	ProtocolError

	NotSupportedError

	UnknownError
)

// Error is the typed error returned by every pipeline operation.
type Error struct {
	Code    int
	Message string
	Err     error
}

func (err *Error) Error() string {
	if err == nil {
		return ""
	}
	name := errorName(err.Code)
	switch {
	case err.Message != "" && err.Err != nil:
		return fmt.Sprintf("%s: %s: %v", name, err.Message, err.Err)
	case err.Message != "":
		return fmt.Sprintf("%s: %s", name, err.Message)
	case err.Err != nil:
		return fmt.Sprintf("%s: %v", name, err.Err)
	}
	return name
}

// Unwrap returns the underlying cause.
func (err *Error) Unwrap() error {
	if err == nil {
		return nil
	}
	return err.Err
}

func errorName(errorCode int) string {
	switch errorCode {
	case CanceledError:
		return "CanceledError"
	case DisposedError:
		return "DisposedError"
	case InvalidOperationError:
		return "InvalidOperationError"
	case ArgumentError:
		return "ArgumentError"
	case TimedOutError:
		return "TimedOutError"
	case NetworkError:
		return "NetworkError"
	case CommunicationError:
		return "CommunicationError"
	case ServerBusyError:
		return "ServerBusyError"
	case ThrottlingError:
		return "ThrottlingError"
	case UnauthorizedError:
		return "UnauthorizedError"
	case DeviceNotFoundError:
		return "DeviceNotFoundError"
	case DeviceDisabledError:
		return "DeviceDisabledError"
	case QuotaExceededError:
		return "QuotaExceededError"
	case MessageTooLargeError:
		return "MessageTooLargeError"
	case LockLostError:
		return "LockLostError"
	case ProtocolError:
		return "ProtocolError"
	case NotSupportedError:
		return "NotSupportedError"
	default:
		return "UnknownError"
	}
}

// NewError returns an *Error with the given code and optional message.
func NewError(errorCode int, message ...interface{}) error {
	result := &Error{Code: errorCode}
	if len(message) > 0 {
		result.Message = fmt.Sprint(message[0])
	}
	return result
}

// WrapError returns an *Error with the given code wrapping err.
func WrapError(errorCode int, err error, message ...interface{}) error {
	result := &Error{Code: errorCode, Err: err}
	if len(message) > 0 {
		result.Message = fmt.Sprint(message[0])
	}
	return result
}

// ErrorCode returns the code of the outermost *Error in err's chain, or -1.
func ErrorCode(err error) int {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return -1
}

// IsTransient reports whether err is expected to go away when the operation is repeated.
func IsTransient(err error) bool {
	switch ErrorCode(err) {
	case TimedOutError, NetworkError, CommunicationError, ServerBusyError, ThrottlingError:
		return true
	}
	return false
}

// IsCanceled reports whether err is a canceled-operation error.
func IsCanceled(err error) bool {
	return ErrorCode(err) == CanceledError
}

// IsDisposed reports whether err is a disposed-state error.
func IsDisposed(err error) bool {
	return ErrorCode(err) == DisposedError
}

// IsDeviceDisabled reports whether the hub no longer knows or accepts the device.
func IsDeviceDisabled(err error) bool {
	code := ErrorCode(err)
	return code == DeviceNotFoundError || code == DeviceDisabledError
}

func statusCodeToError(statusCode int, reason string) error {
	code := UnknownError

	switch {
	case statusCode == 400:
		code = ProtocolError
	case statusCode == 401 || statusCode == 403:
		code = UnauthorizedError
	case statusCode == 404:
		code = DeviceNotFoundError
	case statusCode == 412:
		code = LockLostError
	case statusCode == 413:
		code = MessageTooLargeError
	case statusCode == 429:
		code = ThrottlingError
	case statusCode == 503:
		code = ServerBusyError
	case statusCode >= 500:
		code = CommunicationError
	}

	return NewError(code, fmt.Sprintf("status %d: %s", statusCode, reason))
}
