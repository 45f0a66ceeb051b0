package api

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a failure reported by the agent service.
type Error struct {
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Soft codes mark failures where the request may still complete server-side.
const (
	CodeTimeout         = "timeout"
	CodeGatewayTimeout  = "gateway_timeout"
	CodeStillProcessing = "still_processing"
	CodeFetchFailed     = "fetch_failed"
)

func (e *Error) Soft() bool {
	switch e.Code {
	case CodeTimeout, CodeGatewayTimeout, CodeStillProcessing, CodeFetchFailed:
		return true
	}
	if e.Status == 504 {
		return true
	}
	return false
}

// Substrings matched against untyped errors. Message matching is fragile but
// kept for errors that arrive without a structured code.
var softErrorFragments = []string{
	"failed to fetch",
	"fetch failed",
	"networkerror",
	"network error",
	"timeout",
	"timed out",
	"gateway time-out",
	"gateway timeout",
	"still processing",
	"context deadline exceeded",
}

// IsSoft reports whether err is a transient send failure that should not be
// surfaced to the user. Structured codes win; message matching is a fallback.
func IsSoft(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Soft()
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range softErrorFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
