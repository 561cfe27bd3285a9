package push

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrInvalidDevice is returned when device details are incomplete.
var ErrInvalidDevice = errors.New("invalid device details")

// Error codes carried by ErrorInfo.
const (
	CodeBadRequest        = 40000
	CodeUnauthorized      = 40100
	CodeForbidden         = 40300
	CodeNotFound          = 40400
	CodeInternal          = 50000
	CodeTimeout           = 50003
	CodePersistenceFailed = 50010
	CodeUnreachable       = 80000
)

// ErrorInfo is the single error value surfaced to delegates and hooks.
type ErrorInfo struct {
	Code       int    `json:"code"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message"`
}

// NewErrorInfo creates an ErrorInfo.
func NewErrorInfo(code, statusCode int, message string) *ErrorInfo {
	return &ErrorInfo{Code: code, StatusCode: statusCode, Message: message}
}

func (e *ErrorInfo) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (code %d, status %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// ErrorInfoFrom converts any error into an ErrorInfo. It returns nil for nil.
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}

	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorInfo(CodeTimeout, http.StatusGatewayTimeout, err.Error())
	}
	if errors.Is(err, ErrInvalidDevice) {
		return NewErrorInfo(CodeBadRequest, http.StatusBadRequest, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewErrorInfo(CodeTimeout, http.StatusGatewayTimeout, err.Error())
		}
		return NewErrorInfo(CodeUnreachable, 0, err.Error())
	}

	return NewErrorInfo(CodeInternal, http.StatusInternalServerError, err.Error())
}

// CodeForStatus maps an HTTP status to an ErrorInfo code.
func CodeForStatus(status int) int {
	switch {
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return CodeTimeout
	case status >= 400 && status < 500:
		return CodeBadRequest
	default:
		return CodeInternal
	}
}
