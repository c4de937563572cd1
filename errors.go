package substrate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter parses an HTTP Retry-After header value: either delay
// seconds ("30") or an HTTP date. Returns 0 when absent or unparsable.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrorClass partitions failures into the classes the runtime reasons
// about: retry, cooldown, compaction, or surfacing to the user.
type ErrorClass string

const (
	ClassRateLimit       ErrorClass = "rate_limit"
	ClassAuthError       ErrorClass = "auth_error"
	ClassBilling         ErrorClass = "billing"
	ClassTimeout         ErrorClass = "timeout"
	ClassContextOverflow ErrorClass = "context_overflow"
	ClassContentFilter   ErrorClass = "content_filter"
	ClassServerError     ErrorClass = "server_error"
	ClassFormatError     ErrorClass = "format_error"
	ClassNetworkError    ErrorClass = "network_error"
	ClassToolDenied      ErrorClass = "tool_denied"
	ClassToolError       ErrorClass = "tool_execution_error"
	ClassUnknown         ErrorClass = "unknown"
)

// Retryable reports whether the class warrants backoff and another attempt
// against the same provider.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassTimeout, ClassServerError, ClassNetworkError:
		return true
	}
	return false
}

type ErrLLM struct {
	Provider string
	Class    ErrorClass
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Class, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Loop control sentinels.
var (
	// ErrInterrupted is returned when the interrupt flag was observed and
	// the loop saved resumable state before exiting.
	ErrInterrupted = errors.New("interrupted")
	// ErrMaxRounds is returned when the round budget is exhausted.
	ErrMaxRounds = errors.New("max rounds reached")
	// ErrNoProvider is returned when every provider in a fallback chain
	// failed or was in cooldown.
	ErrNoProvider = errors.New("no provider available")
	// ErrEmptyMessage is returned when a run is started with a blank user
	// message. Empty messages never reach a provider.
	ErrEmptyMessage = errors.New("empty user message")
)

// classifyStatus maps an HTTP status code to an error class, or ClassUnknown
// when the status alone is not decisive.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ClassRateLimit
	case status == 401 || status == 403:
		return ClassAuthError
	case status == 402:
		return ClassBilling
	case status == 408:
		return ClassTimeout
	case status >= 500:
		return ClassServerError
	}
	return ClassUnknown
}

// errCodePatterns are OS / transport error code strings checked before the
// looser textual patterns.
var errCodePatterns = map[string]ErrorClass{
	"ETIMEDOUT":            ClassTimeout,
	"context deadline":     ClassTimeout,
	"ECONNRESET":           ClassNetworkError,
	"ECONNREFUSED":         ClassNetworkError,
	"EHOSTUNREACH":         ClassNetworkError,
	"no such host":         ClassNetworkError,
	"connection refused":   ClassNetworkError,
	"connection reset":     ClassNetworkError,
	"broken pipe":          ClassNetworkError,
}

// textPatterns are substring matches against the full error text, checked
// in order. First match wins.
var textPatterns = []struct {
	substr string
	class  ErrorClass
}{
	{"context length", ClassContextOverflow},
	{"context window", ClassContextOverflow},
	{"too long", ClassContextOverflow},
	{"maximum context", ClassContextOverflow},
	{"max_tokens", ClassContextOverflow},
	{"content filter", ClassContentFilter},
	{"content_filter", ClassContentFilter},
	{"blocked", ClassContentFilter},
	{"rate limit", ClassRateLimit},
	{"rate_limit", ClassRateLimit},
	{"quota", ClassBilling},
	{"payment", ClassBilling},
	{"billing", ClassBilling},
	{"timed out", ClassTimeout},
	{"timeout", ClassTimeout},
	{"thought_signature", ClassFormatError},
	{"invalid schema", ClassFormatError},
	{"invalid_request_error", ClassFormatError},
	{"tool_use_id", ClassFormatError},
}

// Classify assigns an ErrorClass to err. Inspection order: structured HTTP
// status, then transport error code strings, then textual patterns. A nil
// err has no class; callers must not pass one.
func Classify(err error) ErrorClass {
	var le *ErrLLM
	if errors.As(err, &le) && le.Class != "" {
		return le.Class
	}

	text := err.Error()
	lower := strings.ToLower(text)

	var he *ErrHTTP
	if errors.As(err, &he) {
		// 400 with no more specific textual signal is a malformed request.
		if c := classifyStatus(he.Status); c != ClassUnknown {
			return c
		}
		for _, p := range textPatterns {
			if strings.Contains(lower, p.substr) {
				return p.class
			}
		}
		if he.Status == 400 {
			return ClassFormatError
		}
		return ClassUnknown
	}

	for code, class := range errCodePatterns {
		if strings.Contains(text, code) || strings.Contains(lower, strings.ToLower(code)) {
			return class
		}
	}
	for _, p := range textPatterns {
		if strings.Contains(lower, p.substr) {
			return p.class
		}
	}
	return ClassUnknown
}
