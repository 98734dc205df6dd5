package domain

import "time"

// AlertType classifies operator alerts.
type AlertType string

const (
	AlertSync      AlertType = "SYNC"
	AlertMigration AlertType = "MIGRATION"
	AlertHA        AlertType = "HA"
	AlertExpunge   AlertType = "EXPUNGE"
)

// Alert is an operator notification raised by the orchestrator or the
// reconciler.
type Alert struct {
	ID           string    `json:"id"`
	Type         AlertType `json:"type"`
	DataCenterID int64     `json:"data_center_id"`
	PodID        *int64    `json:"pod_id,omitempty"`
	VMID         *int64    `json:"vm_id,omitempty"`
	Subject      string    `json:"subject"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}
