package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of change captured by a SyncEvent
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ParseOperation parses an operation name case-insensitively
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// ChangePayload is the serialized snapshot of one change, tagged by the
// table and operation that produced it. CREATE and UPDATE carry a JSON
// object snapshot; DELETE carries none.
type ChangePayload struct {
	Table     string          `json:"table"`
	Operation Operation       `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewChangePayload serializes v as the snapshot for (table, op)
func NewChangePayload(table string, op Operation, v interface{}) (ChangePayload, error) {
	p := ChangePayload{Table: table, Operation: op}
	if v != nil {
		switch raw := v.(type) {
		case json.RawMessage:
			p.Data = raw
		case []byte:
			p.Data = json.RawMessage(raw)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return ChangePayload{}, fmt.Errorf("failed to marshal %s %s payload: %w", table, op, err)
			}
			p.Data = data
		}
	}
	if err := p.Validate(); err != nil {
		return ChangePayload{}, err
	}
	return p, nil
}

// Validate checks that the snapshot matches its tag
func (p ChangePayload) Validate() error {
	if p.Table == "" {
		return fmt.Errorf("payload table is required")
	}
	switch p.Operation {
	case OperationCreate, OperationUpdate:
		trimmed := bytes.TrimSpace(p.Data)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return fmt.Errorf("%s payload for %s must be a JSON object", p.Operation, p.Table)
		}
		if !json.Valid(trimmed) {
			return fmt.Errorf("%s payload for %s is not valid JSON", p.Operation, p.Table)
		}
	case OperationDelete:
		if len(bytes.TrimSpace(p.Data)) > 0 && !json.Valid(p.Data) {
			return fmt.Errorf("DELETE payload for %s is not valid JSON", p.Table)
		}
	default:
		return fmt.Errorf("unknown operation %q", p.Operation)
	}
	return nil
}

// Decode unmarshals the snapshot into v
func (p ChangePayload) Decode(v interface{}) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%s %s payload has no snapshot", p.Table, p.Operation)
	}
	return json.Unmarshal(p.Data, v)
}

// SyncEvent is one change that must propagate to the central system
type SyncEvent struct {
	ID              string        `json:"id"`
	TableName       string        `json:"table_name"`
	Operation       Operation     `json:"operation"`
	RecordID        string        `json:"record_id"`
	EstablishmentID string        `json:"establishment_id"`
	Payload         ChangePayload `json:"payload"`
	Timestamp       time.Time     `json:"timestamp"`
	Synced          bool          `json:"synced"`
	SyncedAt        *time.Time    `json:"synced_at,omitempty"`
	RetryCount      int           `json:"retry_count"`
	LastError       *string       `json:"last_error,omitempty"`
}

// SyncEventStatus filters event listings
type SyncEventStatus string

const (
	SyncEventPending SyncEventStatus = "pending"
	SyncEventSynced  SyncEventStatus = "synced"
	SyncEventFailed  SyncEventStatus = "failed"
)

// SyncEventFilter selects sync events for operator listings
type SyncEventFilter struct {
	Status SyncEventStatus
	Limit  int
	Offset int
}

// SyncState is the phase of the replication cycle
type SyncState string

const (
	SyncStateIdle         SyncState = "idle"
	SyncStateDraining     SyncState = "draining"
	SyncStateTransmitting SyncState = "transmitting"
	SyncStateReconciling  SyncState = "reconciling"
)

// SyncStats is the observability snapshot of the replication engine
type SyncStats struct {
	Pending    int64      `json:"pending"`
	Synced     int64      `json:"synced"`
	Failed     int64      `json:"failed"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	State      SyncState  `json:"state"`
	Online     bool       `json:"online"`
}

// SyncCycleResult describes the outcome of one replication cycle
type SyncCycleResult struct {
	Skipped   bool          `json:"skipped"`
	Drained   int           `json:"drained"`
	Synced    int           `json:"synced"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}
