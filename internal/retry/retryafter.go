package retry

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// retryInfo is the structured error body some providers attach to 429
// responses, carrying an explicit retry delay.
type retryInfo struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Details []struct {
			Type       string            `json:"@type"`
			Reason     string            `json:"reason"`
			Metadata   map[string]string `json:"metadata"`
			RetryDelay string            `json:"retryDelay"` // e.g. "3.5s"
		} `json:"details"`
	} `json:"error"`
}

// ParseRetryDelay extracts a retry duration hint from a throttled
// response. It checks the standard Retry-After header first, then the
// provider's structured JSON body. Returns 0 when no hint is present.
// The body is restored after reading so callers can still log it.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	var bodyBytes []byte
	if resp.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(resp.Body)
		if err != nil {
			bodyBytes = nil
		}
		resp.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))
	}
	return RetryDelayFrom(resp.Header, bodyBytes)
}

// RetryDelayFrom is ParseRetryDelay for callers that already consumed
// the response body, such as provider clients building an error from
// a drained non-2xx response.
func RetryDelayFrom(header http.Header, body []byte) time.Duration {
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	var info retryInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return 0
	}
	for _, detail := range info.Error.Details {
		if detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
		if delay, ok := detail.Metadata["retryDelay"]; ok {
			if d, err := time.ParseDuration(delay); err == nil {
				return d
			}
		}
	}
	return 0
}
