// Copyright 2025 James Ross
package redisstore

import "fmt"

// Keys centralizes the shared state store's key layout. Every component
// that touches Redis directly goes through these instead of formatting
// strings inline, so the layout only needs to change in one place.
type Keys struct {
	PendingQueue      string
	JobPrefix         string
	WorkerPrefix      string
	WorkerPresence    string
	RunningJobsPrefix string
	MachinePrefix     string
	ProgressPrefix    string
	WorkerEventsChan  string
	ClientEventsChan  string
	MachineChanPrefix string
	AllJobsIndex      string
}

func NewKeys(pendingQueue, jobPrefix, workerPrefix, runningJobsPrefix string) Keys {
	return Keys{
		PendingQueue:      pendingQueue,
		JobPrefix:         jobPrefix,
		WorkerPrefix:      workerPrefix,
		WorkerPresence:    workerPrefix + "presence:",
		RunningJobsPrefix: runningJobsPrefix,
		MachinePrefix:     "jobqueue:machine:",
		ProgressPrefix:    "jobqueue:progress:",
		WorkerEventsChan:  "jobqueue:events:workers",
		ClientEventsChan:  "jobqueue:events:clients",
		MachineChanPrefix: "jobqueue:events:machine:",
		AllJobsIndex:      "jobqueue:jobs:index",
	}
}

func (k Keys) Job(jobID string) string { return k.JobPrefix + jobID }

func (k Keys) Worker(workerID string) string { return k.WorkerPrefix + workerID }

func (k Keys) WorkerPresenceKey(workerID string) string { return k.WorkerPresence + workerID }

func (k Keys) RunningJobs(workerID string) string { return k.RunningJobsPrefix + workerID }

func (k Keys) Machine(machineID string) string { return k.MachinePrefix + machineID }

func (k Keys) Progress(jobID string) string { return k.ProgressPrefix + jobID }

func (k Keys) MachineChannel(machineID string) string {
	return fmt.Sprintf("%s%s", k.MachineChanPrefix, machineID)
}
