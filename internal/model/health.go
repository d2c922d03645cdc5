package model

import "time"

// NodeStatus defines the operational status of a node or service
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// ServiceStatus is the orchestrator's report for one registered service
type ServiceStatus struct {
	Name          string     `json:"name"`
	Dependencies  []string   `json:"dependencies"`
	Initialized   bool       `json:"initialized"`
	Healthy       bool       `json:"healthy"`
	HealthError   string     `json:"health_error,omitempty"`
	ShutdownError string     `json:"shutdown_error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}

// PeerStatus is the gossip metadata an edge node shares with its peers
type PeerStatus struct {
	NodeID          string    `json:"node_id"`
	EstablishmentID string    `json:"establishment_id"`
	Address         string    `json:"address,omitempty"`
	Online          bool      `json:"online"`
	PendingEvents   int64     `json:"pending_events"`
	UpdatedAt       time.Time `json:"updated_at"`
}
