package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// ErrorCategory is the bounded failure taxonomy used for retry and fallback decisions.
type ErrorCategory string

const (
	CategoryNetwork       ErrorCategory = "network"
	CategoryRateLimit     ErrorCategory = "rate_limit"
	CategoryServerError   ErrorCategory = "server_error"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryUnknown       ErrorCategory = "unknown"
)

// ErrorClassification is the disposition of one failure. Produced fresh per
// failure and never mutated.
type ErrorClassification struct {
	Category       ErrorCategory
	IsRetryable    bool
	ShouldFallback bool
	Message        string
	StatusCode     int
	Err            error
}

// Error returns the classification message.
func (c ErrorClassification) Error() string {
	return c.Message
}

// Classify maps an arbitrary error to a category and disposition. It never panics.
func Classify(err error) (c ErrorClassification) {
	if err == nil {
		return newClassification(CategoryUnknown, nil, 0, "unknown error")
	}
	// some SDK errors format fields that may be nil
	defer func() {
		if r := recover(); r != nil {
			c = newClassification(CategoryUnknown, err, 0, fmt.Sprintf("unclassifiable error: %v", r))
		}
	}()
	msg := err.Error()

	// abort without an explicit user cancel (the orchestrator filters those out first)
	if errors.Is(err, context.Canceled) {
		return newClassification(CategoryNetwork, err, 0, msg)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newClassification(CategoryTimeout, err, 0, msg)
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return newClassification(CategoryTimeout, err, 0, msg)
	}

	if status := statusCode(err); status > 0 {
		if category, ok := categoryForStatus(status); ok {
			return newClassification(category, err, status, msg)
		}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return newClassification(CategoryNetwork, err, 0, msg)
	}

	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrInvalidModel) || errors.Is(err, ErrUnknownProvider) {
		return newClassification(CategoryConfiguration, err, 0, msg)
	}

	return newClassification(ClassifyMessage(msg), err, 0, msg)
}

func newClassification(category ErrorCategory, err error, status int, msg string) ErrorClassification {
	retryable, fallback := Disposition(category)
	return ErrorClassification{
		Category:       category,
		IsRetryable:    retryable,
		ShouldFallback: fallback,
		Message:        msg,
		StatusCode:     status,
		Err:            err,
	}
}

// Disposition returns whether a category is retryable and fallback eligible.
// Configuration errors are neither; unknown errors only fall back.
func Disposition(category ErrorCategory) (retryable, fallback bool) {
	switch category {
	case CategoryNetwork, CategoryRateLimit, CategoryServerError, CategoryTimeout:
		return true, true
	case CategoryConfiguration:
		return false, false
	default:
		return false, true
	}
}

// statusCode extracts an HTTP status from the typed errors of the supported SDKs.
func statusCode(err error) int {
	var provErr *ProviderError
	if errors.As(err, &provErr) && provErr.StatusCode > 0 {
		return provErr.StatusCode
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return reqErr.HTTPStatusCode
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) && antErr.StatusCode > 0 {
		return antErr.StatusCode
	}
	return 0
}

func categoryForStatus(status int) (ErrorCategory, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit, true
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CategoryTimeout, true
	case status >= 500:
		// includes Anthropic's 529 overloaded
		return CategoryServerError, true
	case status == http.StatusBadRequest, status == http.StatusUnauthorized,
		status == http.StatusForbidden, status == http.StatusNotFound,
		status == http.StatusUnprocessableEntity:
		return CategoryConfiguration, true
	}
	return "", false
}

// ClassifyMessage categorizes an error from its message alone.
func ClassifyMessage(msg string) ErrorCategory {
	if msg == "" {
		return CategoryUnknown
	}
	// order matters: "invalid api key" must not be read as a timeout etc.
	if IsRateLimitMessage(msg) {
		return CategoryRateLimit
	}
	if IsAuthMessage(msg) || IsInvalidModelMessage(msg) {
		return CategoryConfiguration
	}
	if IsServerErrorMessage(msg) {
		return CategoryServerError
	}
	if IsTimeoutMessage(msg) {
		return CategoryTimeout
	}
	if IsNetworkMessage(msg) {
		return CategoryNetwork
	}
	return CategoryUnknown
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// IsRateLimitMessage checks if a message indicates rate limiting.
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return containsAny(lower,
		"429",
		"rate_limit",
		"rate limit",
		"too many requests",
		"exceeded your current quota",
		"quota exceeded",
		"resource_exhausted",
		"requests per minute",
	)
}

// IsAuthMessage checks if a message indicates missing or invalid credentials.
func IsAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return containsAny(lower,
		"401",
		"403",
		"invalid api key",
		"invalid_api_key",
		"incorrect api key",
		"unauthorized",
		"forbidden",
		"authentication",
		"no api key",
		"api key not found",
		"invalid credentials",
	)
}

// IsInvalidModelMessage checks if a message indicates an unknown model or malformed request.
func IsInvalidModelMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return containsAny(lower,
		"model_not_found",
		"model not found",
		"does not exist",
		"invalid model",
		"unknown model",
		"invalid_request_error",
		"malformed",
	)
}

// IsServerErrorMessage checks if a message indicates a provider-side failure.
func IsServerErrorMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return containsAny(lower,
		"internal server error",
		"internal error",
		"overloaded",
		"server is busy",
		"service unavailable",
		"temporarily unavailable",
		"bad gateway",
		"api_error",
	)
}

// IsTimeoutMessage checks if a message indicates a timeout.
func IsTimeoutMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return containsAny(lower,
		"timed out",
		"timeout",
		"deadline exceeded",
	)
}

// IsNetworkMessage checks if a message indicates a connection-level failure.
func IsNetworkMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return containsAny(lower,
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"broken pipe",
		"eof",
		"fetch failed",
		"network error",
	)
}

// UserMessage returns a short user-facing description of a classified failure.
func UserMessage(c ErrorClassification) string {
	switch c.Category {
	case CategoryNetwork:
		return "Connection problem while talking to the AI provider."
	case CategoryRateLimit:
		return "Rate limited - too many requests. Please wait a moment and try again."
	case CategoryServerError:
		return "The AI service is having problems right now. Please try again in a moment."
	case CategoryTimeout:
		return "The response timed out."
	case CategoryConfiguration:
		return "The AI provider is not configured correctly."
	default:
		if c.Message == "" {
			return "Something went wrong."
		}
		return fmt.Sprintf("LLM error: %s", c.Message)
	}
}

// SuggestedFixes returns up to three user-facing fixes for a failure.
func SuggestedFixes(c ErrorClassification, provider string) []string {
	var fixes []string
	switch c.Category {
	case CategoryNetwork:
		fixes = []string{
			"Check your internet connection",
			"Retry the message",
			"Switch to a local provider such as ollama",
		}
	case CategoryRateLimit:
		fixes = []string{
			"Wait a minute before retrying",
			fmt.Sprintf("Check the usage limits of your %s plan", providerLabel(provider)),
			"Switch to another provider",
		}
	case CategoryServerError:
		fixes = []string{
			"Retry the message",
			fmt.Sprintf("Check the %s status page", providerLabel(provider)),
			"Switch to another provider",
		}
	case CategoryTimeout:
		fixes = []string{
			"Retry the message",
			"Try a shorter prompt",
			"Switch to a faster model",
		}
	case CategoryConfiguration:
		fixes = []string{
			fmt.Sprintf("Check the API key for %s", providerLabel(provider)),
			"Check that the selected model exists",
			"Select a different provider",
		}
	default:
		fixes = []string{
			"Retry the message",
			"Switch to another provider",
		}
	}
	if len(fixes) > 3 {
		fixes = fixes[:3]
	}
	return fixes
}

func providerLabel(provider string) string {
	if provider == "" {
		return "provider"
	}
	return provider
}
