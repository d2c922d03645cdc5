package model

import "time"

// SecureSyncPackage is the wire wrapper for one replication batch
type SecureSyncPackage struct {
	Token     string    `json:"token"`
	Data      string    `json:"data"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncPayload is the plaintext carried inside SecureSyncPackage.Data
type SyncPayload struct {
	Events          []*SyncEvent `json:"events"`
	EstablishmentID string       `json:"establishment_id"`
	Timestamp       time.Time    `json:"timestamp"`
	Nonce           string       `json:"nonce"`
}

// Conflict is a central-side resolution reported for one event
type Conflict struct {
	EventID      string `json:"eventId"`
	ConflictType string `json:"conflictType"`
	Resolution   string `json:"resolution"`
}

// SyncResponse is the central answer to POST /sync/events
type SyncResponse struct {
	Success      bool       `json:"success"`
	SyncedEvents []string   `json:"syncedEvents"`
	Conflicts    []Conflict `json:"conflicts,omitempty"`
	Error        string     `json:"error,omitempty"`
}
