// Package errors provides structured errors for the capture pipeline.
// Codes map onto gRPC status codes so they survive the analysis service boundary.
package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies a failure.
type Code string

const (
	Unknown           Code = "UNKNOWN"
	Internal          Code = "INTERNAL"
	Unavailable       Code = "UNAVAILABLE"
	Timeout           Code = "TIMEOUT"
	Cancelled         Code = "CANCELLED"
	DeviceUnavailable Code = "DEVICE_UNAVAILABLE"
	DeviceRead        Code = "DEVICE_READ"
	AnalysisFailed    Code = "ANALYSIS_FAILED"
	QueueProtocol     Code = "QUEUE_PROTOCOL"
	StopWithoutStart  Code = "STOP_WITHOUT_START"
	AlreadyRunning    Code = "ALREADY_RUNNING"
	StorageFailed     Code = "STORAGE_FAILED"
	ConfigInvalid     Code = "CONFIG_INVALID"
	NotFound          Code = "NOT_FOUND"
)

var grpcCodeMap = map[Code]codes.Code{
	Unknown:           codes.Unknown,
	Internal:          codes.Internal,
	Unavailable:       codes.Unavailable,
	Timeout:           codes.DeadlineExceeded,
	Cancelled:         codes.Canceled,
	DeviceUnavailable: codes.Unavailable,
	DeviceRead:        codes.Internal,
	AnalysisFailed:    codes.Internal,
	QueueProtocol:     codes.Internal,
	StopWithoutStart:  codes.FailedPrecondition,
	AlreadyRunning:    codes.FailedPrecondition,
	StorageFailed:     codes.Internal,
	ConfigInvalid:     codes.InvalidArgument,
	NotFound:          codes.NotFound,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// Is matches another AppError by code, so sentinel AppErrors work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// GRPCStatus lets status.FromError recognise an AppError returned by a handler.
func (e *AppError) GRPCStatus() *status.Status {
	return status.New(e.GRPCCode(), e.Error())
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError converts a gRPC error into an AppError, keeping the status code
// in the "grpc_code" metadata.
func FromGRPCError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: Unknown, Message: err.Error(), Cause: err}
	}
	e := &AppError{Code: fromGRPCCode(st.Code()), Message: st.Message(), Cause: err}
	return e.WithMetadata("grpc_code", st.Code().String())
}

func fromGRPCCode(c codes.Code) Code {
	switch c {
	case codes.Unavailable:
		return Unavailable
	case codes.DeadlineExceeded:
		return Timeout
	case codes.Canceled:
		return Cancelled
	case codes.Internal:
		return Internal
	case codes.InvalidArgument:
		return ConfigInvalid
	case codes.FailedPrecondition:
		return StopWithoutStart
	case codes.NotFound:
		return NotFound
	default:
		return Unknown
	}
}

// CodeOf returns the code of the first AppError in err's chain, or Unknown.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return Unknown
}

// IsCode checks if an error chain carries a specific error code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	return IsCode(err, Unavailable) || IsCode(err, Timeout)
}
