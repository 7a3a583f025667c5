// Package sberrors defines the stable error taxonomy shared by the control
// plane, the router and the client. Codes are the contract; HTTP status is
// only the carrier.
package sberrors

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"syscall"
)

// Code identifies an error class. Codes are stable across releases.
type Code string

const (
	// Filesystem
	FileNotFound     Code = "FILE_NOT_FOUND"
	PermissionDenied Code = "PERMISSION_DENIED"
	FileExists       Code = "FILE_EXISTS"
	IsDirectory      Code = "IS_DIRECTORY"
	NotDirectory     Code = "NOT_DIRECTORY"
	NoSpace          Code = "NO_SPACE"
	FilesystemError  Code = "FILESYSTEM_ERROR"

	// Command / session
	CommandNotFound             Code = "COMMAND_NOT_FOUND"
	CommandExecutionError       Code = "COMMAND_EXECUTION_ERROR"
	CommandTimeout              Code = "COMMAND_TIMEOUT"
	ShellSpawnFailed            Code = "SHELL_SPAWN_FAILED"
	ShellNotAlive               Code = "SHELL_NOT_ALIVE"
	ShellTerminatedUnexpectedly Code = "SHELL_TERMINATED_UNEXPECTEDLY"
	SessionTerminated           Code = "SESSION_TERMINATED"
	IPCReadError                Code = "IPC_READ_ERROR"

	// Background processes
	ProcessNotFound    Code = "PROCESS_NOT_FOUND"
	ProcessIDInUse     Code = "PROCESS_ID_IN_USE"
	ProcessSpawnFailed Code = "PROCESS_SPAWN_FAILED"
	ProcessError       Code = "PROCESS_ERROR"

	// Ports
	PortAlreadyExposed    Code = "PORT_ALREADY_EXPOSED"
	PortNotExposed        Code = "PORT_NOT_EXPOSED"
	InvalidPort           Code = "INVALID_PORT"
	PortReserved          Code = "PORT_RESERVED"
	ServiceNotResponding  Code = "SERVICE_NOT_RESPONDING"
	PortInUse             Code = "PORT_IN_USE"
	CustomDomainRequired  Code = "CUSTOM_DOMAIN_REQUIRED"

	// Git
	GitRepositoryNotFound Code = "GIT_REPOSITORY_NOT_FOUND"
	GitAuthFailed         Code = "GIT_AUTH_FAILED"
	GitBranchNotFound     Code = "GIT_BRANCH_NOT_FOUND"
	GitNetworkError       Code = "GIT_NETWORK_ERROR"
	GitCloneFailed        Code = "GIT_CLONE_FAILED"
	GitCheckoutFailed     Code = "GIT_CHECKOUT_FAILED"
	InvalidGitURL         Code = "INVALID_GIT_URL"

	// Interpreter
	InvalidLanguage     Code = "INVALID_LANGUAGE"
	ContextNotFound     Code = "CONTEXT_NOT_FOUND"
	InterpreterNotReady Code = "INTERPRETER_NOT_READY"
	CodeExecutionError  Code = "CODE_EXECUTION_ERROR"
	InvalidJSONResponse Code = "INVALID_JSON_RESPONSE"

	// Container lifecycle
	ContainerNotReady  Code = "CONTAINER_NOT_READY"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"

	// Catch-all
	InvalidRequest Code = "INVALID_REQUEST"
	InternalError  Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	FileNotFound:     http.StatusNotFound,
	PermissionDenied: http.StatusForbidden,
	FileExists:       http.StatusConflict,
	IsDirectory:      http.StatusBadRequest,
	NotDirectory:     http.StatusBadRequest,
	NoSpace:          http.StatusInsufficientStorage,
	FilesystemError:  http.StatusInternalServerError,

	CommandNotFound:             http.StatusNotFound,
	CommandExecutionError:       http.StatusBadRequest,
	CommandTimeout:              http.StatusGatewayTimeout,
	ShellSpawnFailed:            http.StatusInternalServerError,
	ShellNotAlive:               http.StatusInternalServerError,
	ShellTerminatedUnexpectedly: http.StatusInternalServerError,
	SessionTerminated:           http.StatusGone,
	IPCReadError:                http.StatusInternalServerError,

	ProcessNotFound:    http.StatusNotFound,
	ProcessIDInUse:     http.StatusConflict,
	ProcessSpawnFailed: http.StatusInternalServerError,
	ProcessError:       http.StatusInternalServerError,

	PortAlreadyExposed:   http.StatusConflict,
	PortNotExposed:       http.StatusNotFound,
	InvalidPort:          http.StatusBadRequest,
	PortReserved:         http.StatusBadRequest,
	ServiceNotResponding: http.StatusServiceUnavailable,
	PortInUse:            http.StatusConflict,
	CustomDomainRequired: http.StatusBadRequest,

	GitRepositoryNotFound: http.StatusNotFound,
	GitAuthFailed:         http.StatusUnauthorized,
	GitBranchNotFound:     http.StatusNotFound,
	GitNetworkError:       http.StatusBadGateway,
	GitCloneFailed:        http.StatusInternalServerError,
	GitCheckoutFailed:     http.StatusInternalServerError,
	InvalidGitURL:         http.StatusBadRequest,

	InvalidLanguage:     http.StatusBadRequest,
	ContextNotFound:     http.StatusNotFound,
	InterpreterNotReady: http.StatusServiceUnavailable,
	CodeExecutionError:  http.StatusOK, // rides inside a 200 payload
	InvalidJSONResponse: http.StatusInternalServerError,

	ContainerNotReady:  http.StatusServiceUnavailable,
	ServiceUnavailable: http.StatusServiceUnavailable,

	InvalidRequest: http.StatusBadRequest,
	InternalError:  http.StatusInternalServerError,
}

// Error is the canonical operational error carried between components.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the carrier status for the error's code.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithDetail attaches a key/value hint (path, port, branch, ...) that clients
// extract for specialized handling.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// E builds a new taxonomy error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a taxonomy error that preserves its cause for errors.Is/As.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the taxonomy code from err, or InternalError for anything
// unclassified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// AsError normalizes any error into a taxonomy *Error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(InternalError, err, "%s", err.Error())
}

// Retryable reports whether a client may retry the failed call.
func Retryable(code Code) bool {
	switch code {
	case InterpreterNotReady, ContainerNotReady, ServiceUnavailable:
		return true
	}
	return false
}

// FromFSError classifies a filesystem error against the taxonomy.
func FromFSError(err error, path string) *Error {
	var code Code
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = FileNotFound
	case errors.Is(err, fs.ErrPermission):
		code = PermissionDenied
	case errors.Is(err, fs.ErrExist):
		code = FileExists
	case errors.Is(err, syscall.EISDIR):
		code = IsDirectory
	case errors.Is(err, syscall.ENOTDIR):
		code = NotDirectory
	case errors.Is(err, syscall.ENOSPC):
		code = NoSpace
	default:
		code = FilesystemError
	}
	var msg string
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		msg = fmt.Sprintf("%s: %s", pathErr.Op, pathErr.Err)
	} else {
		msg = err.Error()
	}
	return Wrap(code, err, "%s", msg).WithDetail("path", path)
}
