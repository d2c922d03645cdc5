package model

import (
	"encoding/json"
	"time"
)

// OperationType separates reads from writes captured while offline
type OperationType string

const (
	OperationTypeRead  OperationType = "READ"
	OperationTypeWrite OperationType = "WRITE"
)

// OperationStatus is the replay state of an offline operation
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
)

// OfflineOperation is a client action captured while disconnected
type OfflineOperation struct {
	ID         string          `json:"id"`
	Type       OperationType   `json:"type"`
	Resource   string          `json:"resource"`
	Operation  string          `json:"operation"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Status     OperationStatus `json:"status"`
	Response   json.RawMessage `json:"response,omitempty"`
	LastError  *string         `json:"last_error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Retryable reports whether another replay attempt is allowed
func (o *OfflineOperation) Retryable() bool {
	return o.Status == OperationStatusPending && o.RetryCount < o.MaxRetries
}

// ReplayResult summarizes one backlog flush
type ReplayResult struct {
	Attempted int `json:"attempted"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
}
