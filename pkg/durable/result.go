package durable

import (
	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
)

// Response is the envelope every external call returns.
// Failures carry a machine-readable code and a caller-safe message, never
// an underlying error or stack trace.
type Response struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`

	// Error is the failure code, e.g. "NotFound".
	Error   string       `json:"error,omitempty"`
	Code    derrors.Code `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Envelope wraps a result or error in a Response.
func Envelope(data map[string]any, err error) Response {
	if err != nil {
		code := derrors.CodeOf(err)
		return Response{
			Error:   string(code),
			Code:    code,
			Message: derrors.MessageOf(err),
		}
	}
	if data == nil {
		data = map[string]any{}
	}
	return Response{Success: true, Data: data}
}

// Err converts a failed Response back into an error.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	return derrors.New(r.Code, "", "", r.Message)
}
