// Copyright 2025 The a2a-proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package a2a

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// ERROR CODES
// JSON-RPC standard codes plus the proxy's reserved range. Values are wire
// protocol and must not change.
// ============================================================================

const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeTaskNotFound         = -32001
	CodeAgentUnavailable     = -32002
	CodeTimeout              = -32003
	CodeUnsupportedOperation = -32004
)

// ============================================================================
// PROXY ERROR
// ============================================================================

// ProxyError is the taxonomy every user-visible failure maps into. It binds
// a JSON-RPC code, an HTTP status for the REST boundary, and optional
// structured data for the error envelope.
type ProxyError struct {
	Code       int
	Message    string
	Data       map[string]any
	httpStatus int
}

func (e *ProxyError) Error() string {
	return e.Message
}

// HTTPStatus returns the status the REST boundary should answer with.
func (e *ProxyError) HTTPStatus() int {
	if e.httpStatus != 0 {
		return e.httpStatus
	}
	switch e.Code {
	case CodeParseError, CodeInvalidRequest, CodeInvalidParams:
		return http.StatusBadRequest
	case CodeMethodNotFound, CodeTaskNotFound:
		return http.StatusNotFound
	case CodeAgentUnavailable:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnsupportedOperation:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// NewParseError signals a malformed request body.
func NewParseError(message string) *ProxyError {
	return &ProxyError{Code: CodeParseError, Message: message}
}

// NewInvalidRequest signals a schema violation.
func NewInvalidRequest(message string) *ProxyError {
	return &ProxyError{Code: CodeInvalidRequest, Message: message}
}

// NewMethodNotFound signals an unknown RPC method.
func NewMethodNotFound(method string) *ProxyError {
	return &ProxyError{
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("method %q not found", method),
	}
}

// NewInvalidParams signals bad parameters or a validation failure.
func NewInvalidParams(message string) *ProxyError {
	return &ProxyError{Code: CodeInvalidParams, Message: message}
}

// NewInternalError wraps an unclassified failure.
func NewInternalError(message string) *ProxyError {
	return &ProxyError{Code: CodeInternalError, Message: message}
}

// NewTaskNotFound signals an unknown task id.
func NewTaskNotFound(taskID string) *ProxyError {
	return &ProxyError{
		Code:    CodeTaskNotFound,
		Message: fmt.Sprintf("task %q not found", taskID),
		Data:    map[string]any{"taskId": taskID},
	}
}

// NewAgentNotFound signals an agent missing from the registry. Same wire
// code as unavailable, but the REST boundary answers 404.
func NewAgentNotFound(agentID string) *ProxyError {
	return &ProxyError{
		Code:       CodeAgentUnavailable,
		Message:    fmt.Sprintf("agent %q not found", agentID),
		Data:       map[string]any{"agentId": agentID},
		httpStatus: http.StatusNotFound,
	}
}

// NewAgentUnavailable signals a reachable-but-failing or unreachable agent.
func NewAgentUnavailable(agentID string, detail string) *ProxyError {
	return &ProxyError{
		Code:    CodeAgentUnavailable,
		Message: fmt.Sprintf("agent %q unavailable: %s", agentID, detail),
		Data:    map[string]any{"agentId": agentID},
	}
}

// NewTimeout signals an expired pending request or publish failure.
func NewTimeout(operation string, seconds float64) *ProxyError {
	return &ProxyError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("operation %q timed out after %g seconds", operation, seconds),
		Data:    map[string]any{"operation": operation},
	}
}

// NewUnsupportedOperation signals a feature disabled in this proxy.
func NewUnsupportedOperation(message string) *ProxyError {
	return &ProxyError{Code: CodeUnsupportedOperation, Message: message}
}

// AsProxyError extracts a ProxyError from an error chain. Unclassified
// errors come back wrapped as InternalError.
func AsProxyError(err error) *ProxyError {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return NewInternalError(err.Error())
}

// ============================================================================
// JSON-RPC ERROR ENVELOPE
// The only body shape for protocol failures on the HTTP surface.
// ============================================================================

// JSONRPCError is the error member of a JSON-RPC response.
type JSONRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// JSONRPCErrorResponse is the full error envelope.
type JSONRPCErrorResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Error   *JSONRPCError `json:"error"`
	ID      any           `json:"id"`
}

// NewJSONRPCErrorResponse wraps any error into the wire envelope.
func NewJSONRPCErrorResponse(err error) *JSONRPCErrorResponse {
	pe := AsProxyError(err)
	return &JSONRPCErrorResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    pe.Code,
			Message: pe.Message,
			Data:    pe.Data,
		},
		ID: nil,
	}
}
