package models

import "time"

// State represents where a browser session is in its lifecycle
type State string

const (
	StateCreating State = "creating"
	StateActive   State = "active"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
	StateFailed   State = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Session is the public view of a browser session
type Session struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId,omitempty"`
	State     State     `json:"state"`
	Backend   string    `json:"backend"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Timeout   int       `json:"timeout"`
	LastError string    `json:"lastError,omitempty"`
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	ProjectID string `json:"projectId,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
	Backend   string `json:"backend,omitempty"`
}

// CreateSessionResponse is returned once the engine is ready
type CreateSessionResponse struct {
	SessionID string  `json:"sessionId"`
	Session   Session `json:"session"`
}

// SessionStatusResponse answers lookups and deletes
type SessionStatusResponse struct {
	Status  string   `json:"status"`
	Session *Session `json:"session,omitempty"`
}

// CommandRequest is the payload for executing a command against a session
type CommandRequest struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// CommandResponse carries the result fields of a successful command
type CommandResponse struct {
	Status string                 `json:"status"`
	Result map[string]interface{} `json:"result,omitempty"`
}

// ErrorResponse is the body written for every failed request
type ErrorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Status values used in responses
const (
	StatusActive   = "active"
	StatusNotFound = "not_found"
	StatusDeleted  = "deleted"
	StatusSuccess  = "success"
	StatusError    = "error"
)
