// Copyright 2025 James Ross
// Package servicetags expands worker types into accepted service tag sets:
// a configuration document maps worker *types* to the full set of service
// tags they accept. Expansion happens once, at registration; the Matcher
// itself only ever compares already-expanded sets.
package servicetags

import "github.com/stakeordie/emp-job-queue-sub016/internal/config"

// Expander resolves a worker type to its accepted tag set.
type Expander struct {
	mapping config.ServiceTagMapping
}

// New builds an Expander from the configured mapping.
func New(mapping config.ServiceTagMapping) *Expander {
	if mapping == nil {
		mapping = config.ServiceTagMapping{}
	}
	return &Expander{mapping: mapping}
}

// Expand returns the accepted tag set for workerType, union'd with any
// explicitly advertised extra tags. A worker type absent from the mapping
// falls back to accepting only its own name as a tag, so an unconfigured
// worker type still matches jobs that request it literally.
func (e *Expander) Expand(workerType string, extra []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(tag string) {
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}

	if tags, ok := e.mapping[workerType]; ok {
		for _, t := range tags {
			add(t)
		}
	} else {
		add(workerType)
	}
	for _, t := range extra {
		add(t)
	}
	return out
}
