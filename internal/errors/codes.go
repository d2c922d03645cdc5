package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeOfflineUncached ErrorCode = 1002
	ErrCodeChecksumFailed  ErrorCode = 1003
	ErrCodeAlreadyExists   ErrorCode = 1004

	// Envelope validation errors
	ErrCodeInvalidToken          ErrorCode = 1100
	ErrCodeTokenExpired          ErrorCode = 1101
	ErrCodeEstablishmentMismatch ErrorCode = 1102
	ErrCodeMalformedPackage      ErrorCode = 1103
	ErrCodeKeyMismatch           ErrorCode = 1104
	ErrCodeHashMismatch          ErrorCode = 1105
	ErrCodeStalePackage          ErrorCode = 1106
	ErrCodeInvalidNonce          ErrorCode = 1107

	// Server errors (5xx equivalent)
	ErrCodeInternal     ErrorCode = 2000
	ErrCodeUnavailable  ErrorCode = 2001
	ErrCodeStorage      ErrorCode = 2002
	ErrCodeTransport    ErrorCode = 2003
	ErrCodeSyncInFlight ErrorCode = 2004

	// Startup errors
	ErrCodeCircularDependency ErrorCode = 3000
	ErrCodeMissingDependency  ErrorCode = 3001
	ErrCodeServiceInit        ErrorCode = 3002
)

// reasons are stable strings reported alongside rejected packages
var reasons = map[ErrorCode]string{
	ErrCodeInvalidToken:          "invalid_token",
	ErrCodeTokenExpired:          "token_expired",
	ErrCodeEstablishmentMismatch: "establishment_mismatch",
	ErrCodeMalformedPackage:      "malformed_package",
	ErrCodeKeyMismatch:           "key_mismatch",
	ErrCodeHashMismatch:          "hash_mismatch",
	ErrCodeStalePackage:          "stale_package",
	ErrCodeInvalidNonce:          "invalid_nonce",
}

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is matches two SyncErrors by code so sentinel comparisons work with errors.Is
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Reason returns the short machine-readable reason for envelope rejections,
// falling back to the message for other codes.
func (e *SyncError) Reason() string {
	if r, ok := reasons[e.Code]; ok {
		return r
	}
	return e.Message
}

// ToGRPCStatus converts SyncError to gRPC status
func (e *SyncError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *SyncError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeMalformedPackage, ErrCodeInvalidNonce:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeAlreadyExists:
		return codes.AlreadyExists
	case ErrCodeInvalidToken, ErrCodeTokenExpired, ErrCodeKeyMismatch:
		return codes.Unauthenticated
	case ErrCodeEstablishmentMismatch:
		return codes.PermissionDenied
	case ErrCodeHashMismatch, ErrCodeChecksumFailed:
		return codes.DataLoss
	case ErrCodeStalePackage:
		return codes.FailedPrecondition
	case ErrCodeOfflineUncached, ErrCodeUnavailable, ErrCodeTransport:
		return codes.Unavailable
	case ErrCodeSyncInFlight:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error code to an HTTP status for the operator API
func (e *SyncError) HTTPStatus() int {
	switch e.toGRPCCode() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.DataLoss:
		return http.StatusUnprocessableEntity
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is checks. Compare by code only.
var (
	ErrNotFound              = &SyncError{Code: ErrCodeNotFound, Message: "not found"}
	ErrOfflineUncached       = &SyncError{Code: ErrCodeOfflineUncached, Message: "offline and uncached"}
	ErrSyncInFlight          = &SyncError{Code: ErrCodeSyncInFlight, Message: "sync cycle already in flight"}
	ErrCircularDependency    = &SyncError{Code: ErrCodeCircularDependency, Message: "circular dependency"}
	ErrMissingDependency     = &SyncError{Code: ErrCodeMissingDependency, Message: "missing dependency"}
	ErrHashMismatch          = &SyncError{Code: ErrCodeHashMismatch, Message: "hash mismatch"}
	ErrStalePackage          = &SyncError{Code: ErrCodeStalePackage, Message: "stale package"}
	ErrInvalidToken          = &SyncError{Code: ErrCodeInvalidToken, Message: "invalid token"}
	ErrTokenExpired          = &SyncError{Code: ErrCodeTokenExpired, Message: "token expired"}
	ErrEstablishmentMismatch = &SyncError{Code: ErrCodeEstablishmentMismatch, Message: "establishment mismatch"}
	ErrKeyMismatch           = &SyncError{Code: ErrCodeKeyMismatch, Message: "key mismatch"}
	ErrInvalidNonce          = &SyncError{Code: ErrCodeInvalidNonce, Message: "invalid nonce"}
	ErrMalformedPackage      = &SyncError{Code: ErrCodeMalformedPackage, Message: "malformed package"}
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(kind, id string) *SyncError {
	return NewSyncError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

func AlreadyExists(kind, id string) *SyncError {
	return NewSyncError(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists: %s", kind, id), nil).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

func OfflineUncached(key string) *SyncError {
	return NewSyncError(ErrCodeOfflineUncached, fmt.Sprintf("offline and uncached: %s", key), nil).
		WithDetail("key", key)
}

func ChecksumFailed(expected, actual uint32) *SyncError {
	return NewSyncError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func StorageFailed(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeStorage, message, cause)
}

func TransportFailed(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeTransport, message, cause)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeUnavailable, message, cause)
}

// Rejected builds an envelope validation error for one of the envelope codes
func Rejected(code ErrorCode, message string, cause error) *SyncError {
	return NewSyncError(code, message, cause)
}

func CircularDependency(path []string) *SyncError {
	return NewSyncError(ErrCodeCircularDependency, fmt.Sprintf("circular dependency detected: %v", path), nil).
		WithDetail("path", path)
}

func MissingDependency(service, dependency string) *SyncError {
	return NewSyncError(ErrCodeMissingDependency,
		fmt.Sprintf("service %q depends on unregistered service %q", service, dependency), nil).
		WithDetail("service", service).
		WithDetail("dependency", dependency)
}

func ServiceInitFailed(service string, cause error) *SyncError {
	return NewSyncError(ErrCodeServiceInit, fmt.Sprintf("failed to initialize service %q", service), cause).
		WithDetail("service", service)
}

// IsSyncError checks if an error is a SyncError
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// ReasonOf returns the rejection reason of err, or its message
func ReasonOf(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Reason()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
