// Copyright 2025 James Ross
// Package tenant holds the customer-isolation rules: strict requires an
// exact customer match, loose requires the worker's access list to include
// the job's customer, none passes unconditionally. The Matcher's Lua script
// (internal/matcher) enforces this filter inline for the hot claim path;
// Registry and Allowed exist for the submission boundary and listing paths
// that need the same decisions outside the script without duplicating the
// rule.
package tenant

import "github.com/stakeordie/emp-job-queue-sub016/internal/queue"

// Registry tracks which customer IDs are known, so the API façade can
// reject submissions for a customer nobody has provisioned access for.
// It does not gate matching itself; that stays the Matcher's job.
type Registry struct {
	known map[string]struct{}
}

// NewRegistry builds a Registry seeded with the given customer IDs.
func NewRegistry(customerIDs ...string) *Registry {
	r := &Registry{known: make(map[string]struct{}, len(customerIDs))}
	for _, id := range customerIDs {
		r.known[id] = struct{}{}
	}
	return r
}

// Add registers a customer ID.
func (r *Registry) Add(customerID string) {
	r.known[customerID] = struct{}{}
}

// Known reports whether customerID has been registered. An empty registry
// treats every customer as known, so tenant provisioning is opt-in.
func (r *Registry) Known(customerID string) bool {
	if len(r.known) == 0 || customerID == "" {
		return true
	}
	_, ok := r.known[customerID]
	return ok
}

// Allowed implements the same decision the Matcher's Lua script makes for
// requirements.customer_isolation, for callers outside the claim path.
func Allowed(job queue.Job, workerCustomerID string, workerAccess []string) bool {
	switch job.Requirements.CustomerIsolation {
	case queue.IsolationStrict:
		return job.CustomerID == workerCustomerID
	case queue.IsolationLoose:
		for _, c := range workerAccess {
			if c == job.CustomerID {
				return true
			}
		}
		return false
	default:
		return true
	}
}
