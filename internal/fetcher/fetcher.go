// Package fetcher downloads source pages and API payloads with per-host
// spacing, concurrency caps, retry, and circuit breaking.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
)

// Fetcher retrieves one URL. Implementations must honour ctx and must not
// issue a request once it is done.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// Request is a single GET (or other method) against a source.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
}

// Response is a fully read 2xx response. Body is decoded to UTF-8 when the
// server declared another charset.
type Response struct {
	FinalURL   string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}
