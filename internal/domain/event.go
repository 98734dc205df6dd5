package domain

import "encoding/json"

// Event drives a state machine transition.
type Event string

const (
	EventStartRequested            Event = "StartRequested"
	EventOperationSucceeded        Event = "OperationSucceeded"
	EventOperationFailed           Event = "OperationFailed"
	EventOperationFailedToError    Event = "OperationFailedToError"
	EventOperationRetry            Event = "OperationRetry"
	EventStopRequested             Event = "StopRequested"
	EventMigrationRequested        Event = "MigrationRequested"
	EventStorageMigrationRequested Event = "StorageMigrationRequested"
	EventAgentReportRunning        Event = "AgentReportRunning"
	EventAgentReportStopped        Event = "AgentReportStopped"
	EventAgentReportShutdowned     Event = "AgentReportShutdowned"
	EventAgentReportMigrated       Event = "AgentReportMigrated"
	EventFollowAgentPowerOnReport  Event = "FollowAgentPowerOnReport"
	EventFollowAgentPowerOffReport Event = "FollowAgentPowerOffReport"
	EventDestroyRequested          Event = "DestroyRequested"
	EventRecoveryRequested         Event = "RecoveryRequested"
	EventExpungeOperation          Event = "ExpungeOperation"
)

// AllEvents lists every event.
var AllEvents = []Event{
	EventStartRequested, EventOperationSucceeded, EventOperationFailed,
	EventOperationFailedToError, EventOperationRetry, EventStopRequested,
	EventMigrationRequested, EventStorageMigrationRequested,
	EventAgentReportRunning, EventAgentReportStopped, EventAgentReportShutdowned,
	EventAgentReportMigrated, EventFollowAgentPowerOnReport,
	EventFollowAgentPowerOffReport, EventDestroyRequested,
	EventRecoveryRequested, EventExpungeOperation,
}

// Bus topics. Topic names are valid Postgres LISTEN channel identifiers.
const (
	TopicPowerState = "vm_power_state"
	TopicJobDone    = "vm_work_job_done"
)

// PowerStateChanged is published when a VM's reported power state changed
// (or a deferred report was re-armed).
type PowerStateChanged struct {
	VMID int64 `json:"vm_id"`
}

// JobDone is published when a work job reaches a terminal status.
type JobDone struct {
	JobID string `json:"job_id"`
	VMID  int64  `json:"vm_id"`
}

// Encode marshals a bus payload.
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
