// Package apierr provides the gateway's structured error envelope and a set
// of stable error codes, written once to the fasthttp response.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeForbidden       Code = "FORBIDDEN"
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeValidationError Code = "VALIDATION_ERROR"
	CodeBlockedHost     Code = "BLOCKED_HOST"
	CodeUpstreamTimeout Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamUnreach Code = "UPSTREAM_UNREACHABLE"
	CodeUpstreamError   Code = "UPSTREAM_ERROR"
	CodeUpstreamBadStat Code = "UPSTREAM_BAD_STATUS"
	CodeInternalError   Code = "INTERNAL_ERROR"
)

// defaultStatus maps a Code to its fixed HTTP status.
// UPSTREAM_BAD_STATUS has no fixed status — callers pass the upstream's
// actual 4xx/5xx through WriteStatus.
var defaultStatus = map[Code]int{
	CodeUnauthorized:    fasthttp.StatusUnauthorized,
	CodeNotFound:        fasthttp.StatusNotFound,
	CodeForbidden:       fasthttp.StatusForbidden,
	CodePayloadTooLarge: fasthttp.StatusRequestEntityTooLarge,
	CodeRateLimited:     fasthttp.StatusTooManyRequests,
	CodeValidationError: fasthttp.StatusBadRequest,
	CodeBlockedHost:     fasthttp.StatusBadRequest,
	CodeUpstreamTimeout: fasthttp.StatusGatewayTimeout,
	CodeUpstreamUnreach: fasthttp.StatusBadGateway,
	CodeUpstreamError:   fasthttp.StatusBadGateway,
	CodeInternalError:   fasthttp.StatusInternalServerError,
}

type (
	errorBody struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	}

	meta struct {
		RequestID string `json:"requestId"`
		TraceID   string `json:"traceId"`
	}

	envelope struct {
		Success bool      `json:"success"`
		Error   errorBody `json:"error"`
		Meta    meta      `json:"meta"`
	}
)

// Write serializes the error envelope to ctx using code's default HTTP
// status. Use WriteStatus when the status must be something other than the
// code's default (e.g. UPSTREAM_BAD_STATUS passing through the upstream's
// own 4xx/5xx).
func Write(ctx *fasthttp.RequestCtx, code Code, message, requestID, traceID string) {
	status, ok := defaultStatus[code]
	if !ok {
		status = fasthttp.StatusBadGateway
	}
	WriteStatus(ctx, status, code, message, requestID, traceID)
}

// WriteStatus serializes the error envelope with an explicit HTTP status.
func WriteStatus(ctx *fasthttp.RequestCtx, status int, code Code, message, requestID, traceID string) {
	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{
		Success: false,
		Error:   errorBody{Code: code, Message: message},
		Meta:    meta{RequestID: requestID, TraceID: traceID},
	})
	ctx.SetBody(body)
}
