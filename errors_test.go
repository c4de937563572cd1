package substrate

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"llm class wins", &ErrLLM{Provider: "x", Class: ClassRateLimit, Message: "whatever"}, ClassRateLimit},
		{"http 429", &ErrHTTP{Status: 429, Body: "slow down"}, ClassRateLimit},
		{"http 401", &ErrHTTP{Status: 401, Body: "bad key"}, ClassAuthError},
		{"http 403", &ErrHTTP{Status: 403, Body: "forbidden"}, ClassAuthError},
		{"http 402", &ErrHTTP{Status: 402, Body: "pay up"}, ClassBilling},
		{"http 408", &ErrHTTP{Status: 408, Body: "slow"}, ClassTimeout},
		{"http 500", &ErrHTTP{Status: 500, Body: "oops"}, ClassServerError},
		{"http 503", &ErrHTTP{Status: 503, Body: "overloaded"}, ClassServerError},
		{"http 400 overflow text", &ErrHTTP{Status: 400, Body: "prompt exceeds maximum context"}, ClassContextOverflow},
		{"http 400 plain", &ErrHTTP{Status: 400, Body: "something else entirely"}, ClassFormatError},
		{"wrapped http", fmt.Errorf("call failed: %w", &ErrHTTP{Status: 429}), ClassRateLimit},
		{"transport refused", errors.New("dial tcp: connection refused"), ClassNetworkError},
		{"transport reset", errors.New("read: ECONNRESET"), ClassNetworkError},
		{"deadline", errors.New("context deadline exceeded"), ClassTimeout},
		{"context length", errors.New("this model's maximum context length is 8192 tokens"), ClassContextOverflow},
		{"content filter", errors.New("response blocked by content filter"), ClassContentFilter},
		{"rate limit text", errors.New("Rate limit reached for requests"), ClassRateLimit},
		{"quota", errors.New("you have exceeded your quota"), ClassBilling},
		{"timeout text", errors.New("request timed out"), ClassTimeout},
		{"thought signature", errors.New("missing thought_signature in part"), ClassFormatError},
		{"tool use id", errors.New("unexpected tool_use_id in message"), ClassFormatError},
		{"unknown", errors.New("something odd happened"), ClassUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []ErrorClass{ClassRateLimit, ClassTimeout, ClassServerError, ClassNetworkError}
	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%s.Retryable() = false", c)
		}
	}
	terminal := []ErrorClass{
		ClassAuthError, ClassBilling, ClassContextOverflow,
		ClassContentFilter, ClassFormatError, ClassUnknown,
	}
	for _, c := range terminal {
		if c.Retryable() {
			t.Errorf("%s.Retryable() = true", c)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("30"); got != 30*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := ParseRetryAfter("not a delay"); got != 0 {
		t.Errorf("garbage = %v", got)
	}
	future := time.Now().Add(90 * time.Second).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(future); got < 80*time.Second || got > 90*time.Second {
		t.Errorf("http date = %v", got)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("past date = %v", got)
	}
}
