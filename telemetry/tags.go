// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for request tags holder.
const requestTagsKey contextKey = "request_tags"

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit         CacheResult = "hit"
	CacheNegativeHit CacheResult = "negative_hit"
	CacheMiss        CacheResult = "miss"
	CacheError       CacheResult = "error"
	CacheBypass      CacheResult = "bypass"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Repository string
	Endpoint   string
	Virtual    bool
	User       string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetRepository records the repository a request addressed.
func SetRepository(r *http.Request, repository string, virtual bool) {
	if tags := GetTags(r); tags != nil {
		tags.Repository = repository
		tags.Virtual = virtual
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetUser records the authenticated user.
func SetUser(r *http.Request, user string) {
	if tags := GetTags(r); tags != nil {
		tags.User = user
	}
}
