// Copyright 2025 James Ross
package queue

import "encoding/json"

// MachineStatus is a machine's position in its lifecycle.
type MachineStatus string

const (
	MachineStarting MachineStatus = "starting"
	MachineReady    MachineStatus = "ready"
	MachineDegraded MachineStatus = "degraded"
	MachineShutdown MachineStatus = "shutdown"
)

// ServiceHealth is the per-service slice of a machine snapshot.
type ServiceHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// WorkerSummary is the per-worker slice of a machine snapshot.
type WorkerSummary struct {
	WorkerID string       `json:"worker_id"`
	Status   WorkerStatus `json:"status"`
	JobCount int          `json:"job_count"`
}

// MachineSnapshot is the compact, published fleet-state record for one
// machine. Cadence is change-driven with a periodic floor.
type MachineSnapshot struct {
	MachineID string          `json:"machine_id"`
	Status    MachineStatus   `json:"status"`
	Workers   []WorkerSummary `json:"workers"`
	Services  []ServiceHealth `json:"services"`
	UptimeMs  int64           `json:"uptime_ms"`
	Timestamp int64           `json:"timestamp"`
}

// Marshal serializes the snapshot for storage/publication.
func (m MachineSnapshot) Marshal() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalMachineSnapshot deserializes a snapshot written by Marshal.
func UnmarshalMachineSnapshot(s string) (MachineSnapshot, error) {
	var m MachineSnapshot
	err := json.Unmarshal([]byte(s), &m)
	return m, err
}
