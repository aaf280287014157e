// Package workspace is the HTTP client for the remote workspace
// service. All resilience for the remote boundary lives here: rate
// limiting, circuit breaking, bounded retries with backoff. The rest
// of the application consumes plain pages and blocks.
package workspace

import (
	"fmt"
	"time"
)

// Page is one workspace page.
type Page struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	URL            string            `json:"url,omitempty"`
	CreatedTime    time.Time         `json:"created_time"`
	LastEditedTime time.Time         `json:"last_edited_time"`
	Properties     map[string]string `json:"properties,omitempty"`
	Archived       bool              `json:"archived,omitempty"`
}

// Block is one content block within a page.
type Block struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Language    string `json:"language,omitempty"`
	HasChildren bool   `json:"has_children,omitempty"`
}

// BlockPage is one page of a block listing.
type BlockPage struct {
	Blocks     []Block `json:"results"`
	NextCursor string  `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
}

// SearchPage is one page of search results.
type SearchPage struct {
	Pages      []Page `json:"results"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

// APIError is a non-2xx response from the workspace service.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("workspace: api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("workspace: api error %d", e.Status)
}

// Transient reports whether the failure is worth retrying. Rate
// limits and server-side errors are; client errors are not.
func (e *APIError) Transient() bool {
	return e.Status == 429 || e.Status >= 500
}
