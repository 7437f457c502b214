package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrConflict         = fmt.Errorf("conflict")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("access denied")
	ErrPathTraversal    = fmt.Errorf("path traversal detected")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("external tool error")
)

// Sentinel errors for the domain layer.
var (
	ErrToolNotFound = fmt.Errorf("tool not found")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
)

// Subsystem identifiers used with NewSubSystemError.
const (
	SubSystemSession   = "session"
	SubSystemProject   = "project"
	SubSystemRun       = "run"
	SubSystemTest      = "test"
	SubSystemSimulator = "simulator"
	SubSystemCommand   = "command"
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "SessionManager.Create")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier; used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category reported to tool callers.
type ErrorCode string

const (
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeToolNotFound  ErrorCode = "TOOL_NOT_FOUND"
	CodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	CodeEncryption    ErrorCode = "ENCRYPTION"
	CodeDecryption    ErrorCode = "DECRYPTION"
	CodePathTraversal ErrorCode = "PATH_TRAVERSAL"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLimit     ErrorCode = "SESSION_LIMIT"
	CodeProjectNotFound  ErrorCode = "PROJECT_NOT_FOUND"
	CodeProjectInvalid   ErrorCode = "PROJECT_INVALID"
	CodeAccessDenied     ErrorCode = "ACCESS_DENIED"
	CodeRunAlreadyActive ErrorCode = "RUN_ALREADY_ACTIVE"
	CodeRunNotActive     ErrorCode = "RUN_NOT_ACTIVE"
	CodeTestRefNotFound  ErrorCode = "TEST_REFERENCE_NOT_FOUND"
	CodeSimulatorFailure ErrorCode = "SIMULATOR_FAILURE"
	CodeCommandTimeout   ErrorCode = "COMMAND_TIMEOUT"
	CodeCommandFailure   ErrorCode = "COMMAND_FAILURE"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrConflict:         CodeConflict,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrPathTraversal:    CodePathTraversal,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrToolNotFound: CodeToolNotFound,
	ErrConfigLoad:   CodeConfigLoad,
	ErrDecryption:   CodeDecryption,
	ErrEncryption:   CodeEncryption,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		SubSystemSession: CodeSessionNotFound,
		SubSystemProject: CodeProjectNotFound,
		SubSystemRun:     CodeRunNotActive,
		SubSystemTest:    CodeTestRefNotFound,
	},
	ErrLimitReached: {
		SubSystemSession: CodeSessionLimit,
	},
	ErrConflict: {
		SubSystemRun: CodeRunAlreadyActive,
	},
	ErrPermissionDenied: {
		SubSystemProject: CodeAccessDenied,
	},
	ErrInvalidInput: {
		SubSystemProject: CodeProjectInvalid,
	},
	ErrTimeout: {
		SubSystemCommand: CodeCommandTimeout,
	},
	ErrProviderError: {
		SubSystemSimulator: CodeSimulatorFailure,
		SubSystemCommand:   CodeCommandFailure,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(e.Err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
