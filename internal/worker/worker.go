// Package worker models the execution targets jobs are placed on and the
// read-only registry the router and scheduler consult.  Registries are
// fed by a collaborator (static configuration, etcd, a heartbeat
// endpoint); the core never mutates worker capacity itself.
package worker

import (
	"slices"
	"time"
)

// Resources is a quantity per dimension.  Units: CPU in cores, Memory and
// Disk in MB, Network in Mbps.
type Resources struct {
	CPU     float64 `json:"cpu" yaml:"cpu"`
	Memory  float64 `json:"memory" yaml:"memory_mb"`
	Disk    float64 `json:"disk" yaml:"disk_mb"`
	Network float64 `json:"network" yaml:"network_mbps"`
}

// Worker is a snapshot of one execution target.
type Worker struct {
	ID           string    `json:"id" yaml:"id"`
	Labels       []string  `json:"labels,omitempty" yaml:"labels"`
	Capabilities []string  `json:"capabilities,omitempty" yaml:"capabilities"`
	Capacity     Resources `json:"capacity" yaml:"capacity"`

	// Load is the reported utilization in [0, 1].
	Load          float64   `json:"load" yaml:"load"`
	Healthy       bool      `json:"healthy" yaml:"healthy"`
	LastHeartbeat time.Time `json:"lastHeartbeat" yaml:"-"`

	// MaxJobs caps concurrently dispatched jobs; zero means unlimited.
	MaxJobs int      `json:"maxJobs,omitempty" yaml:"max_jobs"`
	Network string   `json:"network,omitempty" yaml:"network"`
	Volumes []string `json:"volumes,omitempty" yaml:"volumes"`
}

// HasAll reports whether the worker offers every label and capability in
// want.  Labels and capabilities are matched from a single pool.
func (w Worker) HasAll(want []string) bool {
	for _, v := range want {
		if !slices.Contains(w.Labels, v) && !slices.Contains(w.Capabilities, v) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (w Worker) Clone() Worker {
	w.Labels = slices.Clone(w.Labels)
	w.Capabilities = slices.Clone(w.Capabilities)
	w.Volumes = slices.Clone(w.Volumes)
	return w
}

// Registry is the read-only query surface over the current worker set.
type Registry interface {
	// Workers returns a snapshot of every known worker, sorted by id.
	Workers() []Worker

	// Get returns a snapshot of one worker.
	Get(id string) (Worker, bool)
}
