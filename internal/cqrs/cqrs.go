// Package cqrs layers a command/query bus on top of the control
// plane's publish/subscribe surface. Commands are fire-and-forget
// with lifecycle events; queries are request/response with a
// local-handler fast path and a correlated distributed fallback.
package cqrs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel names for command and query traffic.
const (
	ChannelCommands         = "commands"
	ChannelCommandStarted   = "command.started"
	ChannelCommandCompleted = "command.completed"
	ChannelCommandFailed    = "command.failed"
	ChannelQueries          = "queries"
	ChannelQueryResponses   = "query-responses"
	ChannelQueryStarted     = "query.started"
	ChannelQueryCompleted   = "query.completed"
	ChannelQueryFailed      = "query.failed"
)

// Command requests an action and expects at most one handler.
type Command struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Payload   json.RawMessage   `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewCommand builds a command of the given type with a JSON-encoded
// payload.
func NewCommand(commandType string, payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("cqrs: marshal payload for command %q: %w", commandType, err)
	}
	return Command{
		ID:        uuid.NewString(),
		Type:      commandType,
		Payload:   data,
		Timestamp: time.Now(),
	}, nil
}

// Query carries an expected result; its ID doubles as the
// correlation id for the distributed path.
type Query struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Payload   json.RawMessage   `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewQuery builds a query of the given type with a JSON-encoded
// payload.
func NewQuery(queryType string, payload any) (Query, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Query{}, fmt.Errorf("cqrs: marshal payload for query %q: %w", queryType, err)
	}
	return Query{
		ID:        uuid.NewString(),
		Type:      queryType,
		Payload:   data,
		Timestamp: time.Now(),
	}, nil
}

// Event is the lifecycle notification published around command and
// query handling.
type Event struct {
	CommandID   string    `json:"commandId,omitempty"`
	CommandType string    `json:"commandType,omitempty"`
	QueryID     string    `json:"queryId,omitempty"`
	QueryType   string    `json:"queryType,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	DurationMs  int64     `json:"durationMs,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Response is the distributed query reply, correlated by QueryID.
type Response struct {
	QueryID string          `json:"queryId"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// QueryTimeoutError is returned when no correlated response arrives
// in time.
type QueryTimeoutError struct {
	QueryType string
	Timeout   time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("cqrs: query %s timed out after %s", e.QueryType, e.Timeout)
}
