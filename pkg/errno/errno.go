package errno

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// Error 是带上下文的错误，errors.Is 可以同时匹配到 Kind 与 Cause
type Error struct {
	Kind   Errno
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Kind.Message
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Wrap 用 kind 包装 cause，detail 用于补充诊断信息
func Wrap(kind Errno, detail string, cause error) error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// Newf 返回不带 cause 的错误
func Newf(kind Errno, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// HTTPError 对应非 2xx 响应，原样保留状态码与响应体
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error occurred: status = %d\nError details: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrHTTP
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind.Code, err.Error()
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return ErrHTTP.Code, err.Error()
	}
	var plain Errno
	if errors.As(err, &plain) {
		return plain.Code, plain.Message
	}
	return InternalServerError.Code, err.Error()
}

// IsTemporary 判断错误是否可以通过重试恢复 (超时类网络错误)
func IsTemporary(err error) bool {
	if err == nil || !errors.Is(err, ErrNetwork) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ExitCode 将错误映射为进程退出码
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	for _, c := range exitCodes {
		if errors.Is(err, c.kind) {
			return c.code
		}
	}
	return 1
}

var exitCodes = []struct {
	kind Errno
	code int
}{
	{ErrConfig, 2},
	{ErrBuild, 3},
	{ErrSigning, 4},
	{ErrHTTP, 5},
	{ErrNetwork, 6},
	{ErrIncompleteSignature, 7},
	{ErrAssembly, 8},
	{ErrMalformedResponse, 9},
	{ErrStore, 10},
	{ErrRunNotFound, 10},
	{ErrRunTerminal, 11},
	{ErrRunLocked, 12},
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request"}
	ErrConfig           = Errno{Code: 10005, Message: "Invalid configuration"}
	ErrStore            = Errno{Code: 10006, Message: "Run store error"}
)

// Co-signing Errors (30000+)
var (
	ErrBuild               = Errno{Code: 30001, Message: "transaction message build failed"}
	ErrSigning             = Errno{Code: 30002, Message: "request signing failed"}
	ErrHTTP                = Errno{Code: 30003, Message: "vault API returned an error status"}
	ErrNetwork             = Errno{Code: 30004, Message: "network error occurred"}
	ErrIncompleteSignature = Errno{Code: 30005, Message: "vault did not produce a usable signature"}
	ErrAssembly            = Errno{Code: 30006, Message: "signature assembly failed"}
	ErrMalformedResponse   = Errno{Code: 30007, Message: "malformed vault response"}
	ErrRunNotFound         = Errno{Code: 30101, Message: "co-sign run not found"}
	ErrRunTerminal         = Errno{Code: 30102, Message: "co-sign run already finished"}
	ErrRunLocked           = Errno{Code: 30103, Message: "co-sign run is held by another process"}
)
