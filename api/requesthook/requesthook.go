// Package requesthook contains what both sides of the bridge know about
// request hooks: their descriptor, the events they receive and the host-side
// interface a test run drives them through.
package requesthook

import (
	"context"

	"github.com/bmatcuk/doublestar/v4"
)

// Hook event names.
const (
	EventOnRequest  = "onRequest"
	EventOnResponse = "onResponse"
)

// Descriptor is the transmission-safe shape of a request hook. The worker-side
// hook and its host-side proxy are linked only by ID.
type Descriptor struct {
	ID    string   `json:"id"`
	Rules []string `json:"rules,omitempty"`
}

// Matches reports whether url is filtered in by the descriptor rules. A hook
// without rules matches every request.
func (d Descriptor) Matches(url string) bool {
	if len(d.Rules) == 0 {
		return true
	}
	for _, rule := range d.Rules {
		if ok, err := doublestar.Match(rule, url); err == nil && ok {
			return true
		}
	}
	return false
}

// RequestEvent is passed to a hook before a request is sent.
type RequestEvent struct {
	TestRunID string            `json:"testRunId,omitempty"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// ResponseEvent is passed to a hook after a response is received.
type ResponseEvent struct {
	TestRunID  string            `json:"testRunId,omitempty"`
	URL        string            `json:"url"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Hook is a request hook as a host-side test run sees it.
type Hook interface {
	Descriptor() Descriptor
	OnRequest(ctx context.Context, event *RequestEvent) error
	OnResponse(ctx context.Context, event *ResponseEvent) error
}
