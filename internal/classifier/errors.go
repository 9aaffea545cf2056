package classifier

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

var throttleSignatures = []string{"429", "rate limit", "quota"}

// IsThrottled reports whether err looks like rate limiting or quota exhaustion.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range throttleSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
