package utils

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ShouldRetry reports whether a provider error looks transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var openAIErr *openai.APIError
	if errors.As(err, &openAIErr) {
		return openAIErr.HTTPStatusCode >= 500 || openAIErr.HTTPStatusCode == 429
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == 429
	}

	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit",
		"429",
		"500 internal server error",
		"502 bad gateway",
		"503 service unavailable",
		"504 gateway timeout",
		"overloaded",
		"resource_exhausted",
		"unavailable",
		"timeout",
		"connection reset by peer",
		"context deadline exceeded", // may indicate temporary overload upstream
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}
