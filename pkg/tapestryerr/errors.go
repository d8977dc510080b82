// Package tapestryerr defines the local (non-wire) error codes shared across
// the lifecycle, registration, and type-resolution components, following the
// code-as-classification convention of the teacher's pkg/kernel error
// vocabulary.
package tapestryerr

import "fmt"

// Code is a local error classification. It is not transmitted over the RPC
// wire — see pkg/rpc.ErrorCode for that vocabulary.
type Code string

const (
	DependencyNotFound          Code = "DEPENDENCY_NOT_FOUND"
	DependencyNotValidated      Code = "DEPENDENCY_NOT_VALIDATED"
	TypeImportNotRequiredDep    Code = "TYPE_IMPORT_NOT_REQUIRED_DEPENDENCY"
	TargetDoesNotExportTypes    Code = "TARGET_DOES_NOT_EXPORT_TYPES"
	TypeExportFileNotFound      Code = "TYPE_EXPORT_FILE_NOT_FOUND"
	TypeExportFileTooLarge      Code = "TYPE_EXPORT_FILE_TOO_LARGE"
	AmbientDeclarationForbidden Code = "AMBIENT_DECLARATION_FORBIDDEN"
	DependencyCycleDetected     Code = "DEPENDENCY_CYCLE_DETECTED"
	DuplicateExtensionID        Code = "DUPLICATE_EXTENSION_ID"
	UndeclaredTypeImport        Code = "UNDECLARED_TYPE_IMPORT"
	RuntimeImportForbidden      Code = "RUNTIME_IMPORT_FORBIDDEN"
	InvalidTapestryNamespace    Code = "INVALID_TAPESTRY_NAMESPACE"
	DependencyNotReady          Code = "DEPENDENCY_NOT_READY"
	RegistryFrozen              Code = "REGISTRY_FROZEN"
	UndeclaredCapability        Code = "UNDECLARED_CAPABILITY"
	DuplicateRegistration       Code = "DUPLICATE_REGISTRATION"
	PhaseOrderingViolation      Code = "PHASE_ORDERING_VIOLATION"
	SchemaVersionMismatch       Code = "SCHEMA_VERSION_MISMATCH"
	PerformanceLimitExceeded    Code = "PERFORMANCE_LIMIT_EXCEEDED"
	UnknownExtension            Code = "UNKNOWN_EXTENSION"
	InvalidStateTransition      Code = "INVALID_STATE_TRANSITION"
)

// Error is the concrete local error type. It wraps an optional underlying
// cause so callers can still use errors.Is/As against both the Code and the
// cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error carrying cause as the wrapped error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func CodeOf(err error) (code Code, ok bool) {
	var e *Error
	if asError(err, &e) {
		return e.Code, true
	}
	return "", false
}

// asError is a tiny local errors.As to avoid importing "errors" just for
// this one call site from multiple files; kept here for single ownership.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, match := err.(*Error); match {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
