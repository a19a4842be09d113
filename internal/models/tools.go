// Package models defines tool names, provider error codes and the tool result contract.
package models

import (
	"encoding/json"
	"strings"
)

// ToolName identifies a side-effecting integration a stage action can invoke.
type ToolName string

// Known tool names. Flows referencing any other name are rejected at load.
const (
	ToolRegisterUser           ToolName = "register_user"
	ToolCreatePaymentGateway   ToolName = "create_payment_gateway"
	ToolLookupBusinessRegistry ToolName = "lookup_business_registry"
	ToolSendVerificationCode   ToolName = "send_verification_code"
	ToolVerifyCode             ToolName = "verify_code"
	ToolGenerateQuote          ToolName = "generate_quote"
	ToolSubmitApplication      ToolName = "submit_application"
	ToolNotifyAgent            ToolName = "notify_agent"
)

var knownTools = map[ToolName]struct{}{
	ToolRegisterUser:           {},
	ToolCreatePaymentGateway:   {},
	ToolLookupBusinessRegistry: {},
	ToolSendVerificationCode:   {},
	ToolVerifyCode:             {},
	ToolGenerateQuote:          {},
	ToolSubmitApplication:      {},
	ToolNotifyAgent:            {},
}

// IsKnown reports whether the tool name is part of the closed set.
func (t ToolName) IsKnown() bool {
	_, ok := knownTools[t]
	return ok
}

// ErrorCode is a provider error code carried by a failed ToolResult.
type ErrorCode string

// Known error codes. Anything else parses to ErrorCodeUnknown.
const (
	ErrorCodeUnknown              ErrorCode = "UNKNOWN"
	ErrorCodeUserAlreadyExists    ErrorCode = "USER_ALREADY_EXISTS"
	ErrorCodeInvalidBusinessID    ErrorCode = "INVALID_BUSINESS_ID"
	ErrorCodeBusinessNotFound     ErrorCode = "BUSINESS_NOT_FOUND"
	ErrorCodeInvalidEmail         ErrorCode = "INVALID_EMAIL"
	ErrorCodeInvalidPhone         ErrorCode = "INVALID_PHONE"
	ErrorCodeVerificationFailed   ErrorCode = "VERIFICATION_FAILED"
	ErrorCodeGatewayUnavailable   ErrorCode = "GATEWAY_UNAVAILABLE"
	ErrorCodeGatewayAlreadyExists ErrorCode = "GATEWAY_ALREADY_EXISTS"
	ErrorCodeRateLimited          ErrorCode = "RATE_LIMITED"
	ErrorCodeTimeout              ErrorCode = "TIMEOUT"
	ErrorCodeToolNotFound         ErrorCode = "TOOL_NOT_FOUND"
	ErrorCodeInternal             ErrorCode = "INTERNAL"
)

var knownErrorCodes = map[ErrorCode]struct{}{
	ErrorCodeUnknown:              {},
	ErrorCodeUserAlreadyExists:    {},
	ErrorCodeInvalidBusinessID:    {},
	ErrorCodeBusinessNotFound:     {},
	ErrorCodeInvalidEmail:         {},
	ErrorCodeInvalidPhone:         {},
	ErrorCodeVerificationFailed:   {},
	ErrorCodeGatewayUnavailable:   {},
	ErrorCodeGatewayAlreadyExists: {},
	ErrorCodeRateLimited:          {},
	ErrorCodeTimeout:              {},
	ErrorCodeToolNotFound:         {},
	ErrorCodeInternal:             {},
}

// IsKnown reports whether the code is part of the closed set.
func (c ErrorCode) IsKnown() bool {
	_, ok := knownErrorCodes[c]
	return ok
}

// ParseErrorCode maps a provider string onto the closed set.
func ParseErrorCode(s string) ErrorCode {
	c := ErrorCode(strings.ToUpper(strings.TrimSpace(s)))
	if c == "" {
		return ""
	}
	if c.IsKnown() {
		return c
	}
	return ErrorCodeUnknown
}

// UnmarshalJSON folds unrecognized provider codes into ErrorCodeUnknown.
func (c *ErrorCode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = ParseErrorCode(s)
	return nil
}

// ToolResult is the sole contract between the core and any external integration.
type ToolResult struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode ErrorCode      `json:"errorCode,omitempty"`
}

// ToolContext identifies the conversation a tool call belongs to.
type ToolContext struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	FlowSlug       string `json:"flow,omitempty"`
	Stage          string `json:"stage,omitempty"`
}

// Failure builds a failed ToolResult.
func Failure(code ErrorCode, msg string) ToolResult {
	return ToolResult{Success: false, Error: msg, ErrorCode: code}
}
