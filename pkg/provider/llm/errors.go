package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ProviderError is returned by gateways that fail with an HTTP status. Detail
// carries the provider-supplied message verbatim.
type ProviderError struct {
	Provider   string
	StatusCode int
	Detail     string
	Err        error
}

// Error implements error.
func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Detail)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Detail)
}

// Unwrap returns the underlying SDK error, if any.
func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the status indicates a transient failure.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// toolsUnsupportedPhrases are fragments gateways use when a model rejects the
// tools field.
var toolsUnsupportedPhrases = []string{
	"does not support tools",
	"does not support tool",
	"tool use is not supported",
	"tools are not supported",
	"tool calling is not supported",
	"function calling is not supported",
	"does not support function calling",
	"no endpoints found that support tool use",
	"tool_use is not supported",
}

// IsToolsUnsupported reports whether err indicates that the active model
// cannot accept tool definitions.
func IsToolsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	var msg string
	if errors.As(err, &pe) {
		switch pe.StatusCode {
		case 0, http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		default:
			return false
		}
		msg = pe.Detail
	} else {
		msg = err.Error()
	}
	msg = strings.ToLower(msg)
	for _, p := range toolsUnsupportedPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
