// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// RateLimitReason classifies a 429/5xx response for diagnostics. It is
// metadata only — it never changes the dispatcher's retry/switch/wait/fatal
// decision, which is driven purely by status code and reset time.
type RateLimitReason string

const (
	RateLimitReasonRateLimitExceeded      RateLimitReason = "RATE_LIMIT_EXCEEDED"
	RateLimitReasonQuotaExhausted         RateLimitReason = "QUOTA_EXHAUSTED"
	RateLimitReasonModelCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	RateLimitReasonServerError            RateLimitReason = "SERVER_ERROR"
	RateLimitReasonUnknown                RateLimitReason = "UNKNOWN"
)

var (
	quotaDelayRegex     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRegex = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRegex   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMsRegex        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRegex  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRegex       = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoTimestampRegex   = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// ParseResetTime parses the reset delay from response headers or the error
// body. Returns milliseconds, or -1 if no reset hint was found.
func ParseResetTime(headers http.Header, errorText string) int64 {
	var resetMs int64 = -1

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			resetMs = int64(seconds) * 1000
		} else if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			if d := t.Sub(time.Now()).Milliseconds(); d > 0 {
				resetMs = d
			}
		}
	}

	if resetMs < 0 {
		if reset := headers.Get("x-ratelimit-reset"); reset != "" {
			if ts, err := strconv.ParseInt(reset, 10, 64); err == nil {
				if d := ts*1000 - time.Now().UnixMilli(); d > 0 {
					resetMs = d
				}
			}
		}
	}

	if resetMs < 0 {
		if resetAfter := headers.Get("x-ratelimit-reset-after"); resetAfter != "" {
			if seconds, err := strconv.Atoi(resetAfter); err == nil && seconds > 0 {
				resetMs = int64(seconds) * 1000
			}
		}
	}

	if resetMs < 0 && errorText != "" {
		resetMs = parseResetTimeFromBody(errorText)
	}

	if resetMs >= 0 {
		if resetMs <= 0 {
			resetMs = 500
		} else if resetMs < 500 {
			resetMs += 200
		}
	}

	return resetMs
}

func parseResetTimeFromBody(msg string) int64 {
	if match := quotaDelayRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		if strings.ToLower(match[2]) == "s" {
			return int64(value * 1000)
		}
		return int64(value)
	}

	if match := quotaTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			return t.Sub(time.Now()).Milliseconds()
		}
	}

	if match := retrySecondsRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		return int64(value * 1000)
	}

	if match := retryMsRegex.FindStringSubmatch(msg); match != nil {
		ms, _ := strconv.ParseInt(match[1], 10, 64)
		return ms
	}

	if match := retryAfterSecRegex.FindStringSubmatch(msg); match != nil {
		seconds, _ := strconv.ParseInt(match[1], 10, 64)
		return seconds * 1000
	}

	if match := durationRegex.FindStringSubmatch(msg); match != nil {
		var total int64
		switch {
		case match[1] != "":
			h, _ := strconv.Atoi(match[1])
			m, _ := strconv.Atoi(match[2])
			s, _ := strconv.Atoi(match[3])
			total = int64((h*3600 + m*60 + s) * 1000)
		case match[4] != "":
			m, _ := strconv.Atoi(match[4])
			s, _ := strconv.Atoi(match[5])
			total = int64((m*60 + s) * 1000)
		case match[6] != "":
			s, _ := strconv.Atoi(match[6])
			total = int64(s * 1000)
		}
		if total > 0 {
			utils.Debug("[cloudcode] parsed duration from body: %s", utils.FormatDuration(total))
		}
		return total
	}

	if match := isoTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			if d := t.Sub(time.Now()).Milliseconds(); d > 0 {
				return d
			}
		}
	}

	return -1
}

// ParseRateLimitReason classifies a 429/5xx error for metadata/logging.
func ParseRateLimitReason(errorText string, status int) RateLimitReason {
	if status == 529 || status == 503 {
		return RateLimitReasonModelCapacityExhausted
	}
	if status == 500 {
		return RateLimitReasonServerError
	}

	lower := strings.ToLower(errorText)

	switch {
	case strings.Contains(lower, "quota_exhausted"),
		strings.Contains(lower, "quotaresetdelay"),
		strings.Contains(lower, "quotaresettimestamp"),
		strings.Contains(lower, "resource_exhausted"),
		strings.Contains(lower, "daily limit"),
		strings.Contains(lower, "quota exceeded"):
		return RateLimitReasonQuotaExhausted

	case strings.Contains(lower, "model_capacity_exhausted"),
		strings.Contains(lower, "capacity_exhausted"),
		strings.Contains(lower, "model is currently overloaded"),
		strings.Contains(lower, "service temporarily unavailable"):
		return RateLimitReasonModelCapacityExhausted

	case strings.Contains(lower, "rate_limit_exceeded"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "throttl"):
		return RateLimitReasonRateLimitExceeded

	case strings.Contains(lower, "internal server error"),
		strings.Contains(lower, "server error"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "502"),
		strings.Contains(lower, "504"):
		return RateLimitReasonServerError

	default:
		return RateLimitReasonUnknown
	}
}

// IsPermanentAuthFailure reports whether a 401 body indicates a revoked or
// otherwise permanently invalid credential, versus a transient auth hiccup.
func IsPermanentAuthFailure(errorText string) bool {
	lower := strings.ToLower(errorText)
	return strings.Contains(lower, "invalid_grant") ||
		strings.Contains(lower, "token has been expired or revoked") ||
		strings.Contains(lower, "invalid credentials") ||
		strings.Contains(lower, "unauthorized_client")
}

// IsModelCapacityExhausted reports whether errorText indicates temporary
// model-level overload rather than a per-account quota or rate limit.
func IsModelCapacityExhausted(errorText string) bool {
	return ParseRateLimitReason(errorText, 0) == RateLimitReasonModelCapacityExhausted
}
