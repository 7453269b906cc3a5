package models

import (
	"encoding/json"
	"time"
)

// CommandStatus is the lifecycle state of a command
type CommandStatus string

// Status constants
const (
	StatusPending    CommandStatus = "pending"
	StatusProcessing CommandStatus = "processing"
	StatusCompleted  CommandStatus = "completed"
	StatusFailed     CommandStatus = "failed"
)

// Valid reports whether s is a known command status.
func (s CommandStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected from s.
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority of a command
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for dispatch: high=3, medium=2, low=1.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Command is a unit of work relayed from a producer to a consumer
type Command struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	Priority    Priority        `json:"priority"`
	Source      string          `json:"source"`
	Status      CommandStatus   `json:"status"`
	SubmittedAt time.Time       `json:"submittedAt"`
	ClaimedBy   string          `json:"claimedBy,omitempty"`
	ClaimedAt   *time.Time      `json:"claimedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Data = cloneRaw(c.Data)
	cp.Result = cloneRaw(c.Result)
	if c.ClaimedAt != nil {
		t := *c.ClaimedAt
		cp.ClaimedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// ClientStatus is the liveness state of a consumer
type ClientStatus string

const (
	ClientActive   ClientStatus = "active"
	ClientInactive ClientStatus = "inactive"
)

// Client is a registered consumer
type Client struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	WebhookURL   string       `json:"webhookUrl,omitempty"`
	Capabilities []string     `json:"capabilities"`
	Status       ClientStatus `json:"status"`
	RegisteredAt time.Time    `json:"registeredAt"`
	LastSeen     time.Time    `json:"lastSeen"`
}

// Clone returns a deep copy of the client.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Capabilities = append([]string{}, c.Capabilities...)
	return &cp
}

// Public strips fields that are internal to notification delivery.
func (c *Client) Public() PublicClient {
	return PublicClient{
		ID:           c.ID,
		Name:         c.Name,
		Status:       c.Status,
		LastSeen:     c.LastSeen,
		Capabilities: append([]string{}, c.Capabilities...),
	}
}

// PublicClient is the externally listed view of a client
type PublicClient struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Status       ClientStatus `json:"status"`
	LastSeen     time.Time    `json:"lastSeen"`
	Capabilities []string     `json:"capabilities"`
}

// SubmitRequest represents a command submission
type SubmitRequest struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Priority Priority        `json:"priority,omitempty"`
	Source   string          `json:"source,omitempty"`
}

// StatusReport is sent by a consumer when it finishes (or gives up on) a command
type StatusReport struct {
	Status CommandStatus   `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RegisterRequest represents a client registration
type RegisterRequest struct {
	Name         string   `json:"name"`
	WebhookURL   string   `json:"webhookUrl,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// CommandCounts holds command totals by status
type CommandCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Add counts one command in the given status.
func (c *CommandCounts) Add(s CommandStatus) { c.AddN(s, 1) }

// AddN counts n commands in the given status.
func (c *CommandCounts) AddN(s CommandStatus, n int) {
	c.Total += n
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusProcessing:
		c.Processing += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	}
}

// ClientCounts holds client totals by status
type ClientCounts struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage{}, r...)
}
