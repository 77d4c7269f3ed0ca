// Package job defines the data model shared by every stage of the job
// distribution engine: the immutable Request submitted by a job source,
// the mutable Execution record owned by the executor, and the error
// taxonomy used to decide whether a failed stage is retried.
package job

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Priority
// ---------------------------------------------------------------------------

// Priority orders jobs for the weighted load-balancing strategy.  Higher
// values are served first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// ParsePriority converts a lowercase priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler so priorities appear as
// names in JSON and YAML.  An unset priority encodes as the empty string.
func (p Priority) MarshalText() ([]byte, error) {
	if p == 0 {
		return []byte{}, nil
	}
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = 0
		return nil
	}
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ---------------------------------------------------------------------------
// Resources
// ---------------------------------------------------------------------------

// Range is a per-dimension resource request.  The scheduler reserves
// Preferred when it can and clips down toward Min otherwise.  Max is
// informational; zero means unbounded.
type Range struct {
	Min       float64 `json:"min" yaml:"min"`
	Max       float64 `json:"max,omitempty" yaml:"max"`
	Preferred float64 `json:"preferred" yaml:"preferred"`
}

// Want returns the amount the scheduler should try to reserve first.
// A zero Preferred falls back to Min.
func (r Range) Want() float64 {
	if r.Preferred > 0 {
		return r.Preferred
	}
	return r.Min
}

func (r Range) validate(dim string) error {
	if r.Min < 0 || r.Max < 0 || r.Preferred < 0 {
		return fmt.Errorf("%s: negative quantity", dim)
	}
	if r.Preferred > 0 && r.Min > r.Preferred {
		return fmt.Errorf("%s: min (%g) > preferred (%g)", dim, r.Min, r.Preferred)
	}
	if r.Max > 0 && r.Want() > r.Max {
		return fmt.Errorf("%s: preferred (%g) > max (%g)", dim, r.Want(), r.Max)
	}
	return nil
}

// ResourceRequirements describes what a job needs from a worker.  Units:
// CPU in cores, Memory and Disk in MB, Network in Mbps.
type ResourceRequirements struct {
	CPU     Range `json:"cpu" yaml:"cpu"`
	Memory  Range `json:"memory" yaml:"memory"`
	Disk    Range `json:"disk" yaml:"disk"`
	Network Range `json:"network" yaml:"network"`

	// Specialized lists capabilities the worker must offer, e.g.
	// "docker-in-docker" or "gpu".
	Specialized []string `json:"specialized,omitempty" yaml:"specialized"`
}

// ---------------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------------

// AffinityRule expresses a preference (or, when Required, a hard rule) to
// co-locate with, or stay away from, jobs matching Selector.  Selector is
// compared against a running job's id, workflow id and tags.
type AffinityRule struct {
	Selector string  `json:"selector" yaml:"selector"`
	Required bool    `json:"required,omitempty" yaml:"required"`
	Weight   float64 `json:"weight,omitempty" yaml:"weight"`
}

// Constraints are hard placement limits.
type Constraints struct {
	AllowedWorkers       []string `json:"allowedWorkers,omitempty" yaml:"allowed_workers"`
	BlockedWorkers       []string `json:"blockedWorkers,omitempty" yaml:"blocked_workers"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty" yaml:"required_capabilities"`
	SecurityLevel        string   `json:"securityLevel,omitempty" yaml:"security_level"`
}

// Preferences are soft placement hints that only influence scoring.
type Preferences struct {
	PreferredWorkers   []string       `json:"preferredWorkers,omitempty" yaml:"preferred_workers"`
	AffinityRules      []AffinityRule `json:"affinityRules,omitempty" yaml:"affinity_rules"`
	AntiAffinityRules  []AffinityRule `json:"antiAffinityRules,omitempty" yaml:"anti_affinity_rules"`
	PerformanceProfile string         `json:"performanceProfile,omitempty" yaml:"performance_profile"`
}

// Metadata carries scheduling hints that are not strictly resources.
type Metadata struct {
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty" yaml:"estimated_duration"`
	JobType           string        `json:"jobType,omitempty" yaml:"job_type"`
	WorkflowType      string        `json:"workflowType,omitempty" yaml:"workflow_type"`
	Criticality       string        `json:"criticality,omitempty" yaml:"criticality"`
	Tags              []string      `json:"tags,omitempty" yaml:"tags"`

	// DependsOn lists job ids within the same batch that must complete
	// before this job may be admitted.
	DependsOn []string `json:"dependsOn,omitempty" yaml:"depends_on"`

	Constraints Constraints `json:"constraints" yaml:"constraints"`
	Preferences Preferences `json:"preferences" yaml:"preferences"`
}

// ---------------------------------------------------------------------------
// Request
// ---------------------------------------------------------------------------

// Request is one unit of CI work.  It is immutable once submitted; the
// executor keeps its own copy.
type Request struct {
	JobID       string               `json:"jobId" yaml:"job_id"`
	WorkflowID  string               `json:"workflowId" yaml:"workflow_id"`
	Repository  string               `json:"repository" yaml:"repository"`
	CommitSHA   string               `json:"commitSha" yaml:"commit_sha"`
	Ref         string               `json:"ref" yaml:"ref"`
	Labels      []string             `json:"labels,omitempty" yaml:"labels"`
	Environment map[string]string    `json:"environment,omitempty" yaml:"environment"`
	Resources   ResourceRequirements `json:"resourceRequirements" yaml:"resources"`
	Priority    Priority             `json:"priority" yaml:"priority"`
	Timeout     time.Duration        `json:"timeout,omitempty" yaml:"timeout"`
	Metadata    Metadata             `json:"metadata" yaml:"metadata"`
}

// Validate checks that the request is well formed.  The returned error is
// always a non-retryable ValidationError.
func (r *Request) Validate() error {
	if r == nil {
		return NewError(KindValidation, "job request is nil", nil)
	}
	if strings.TrimSpace(r.JobID) == "" {
		return NewError(KindValidation, "jobId is required", nil)
	}
	if r.Priority != 0 && !r.Priority.Valid() {
		return NewError(KindValidation, fmt.Sprintf("job %s: invalid priority %d", r.JobID, int(r.Priority)), nil)
	}
	if r.Timeout < 0 {
		return NewError(KindValidation, fmt.Sprintf("job %s: negative timeout", r.JobID), nil)
	}
	for dim, rg := range map[string]Range{
		"cpu":     r.Resources.CPU,
		"memory":  r.Resources.Memory,
		"disk":    r.Resources.Disk,
		"network": r.Resources.Network,
	} {
		if err := rg.validate(dim); err != nil {
			return NewError(KindValidation, fmt.Sprintf("job %s: %v", r.JobID, err), nil)
		}
	}
	for _, w := range r.Metadata.Constraints.AllowedWorkers {
		if slices.Contains(r.Metadata.Constraints.BlockedWorkers, w) {
			return NewError(KindValidation, fmt.Sprintf("job %s: worker %s is both allowed and blocked", r.JobID, w), nil)
		}
	}
	if slices.Contains(r.Metadata.DependsOn, r.JobID) {
		return NewError(KindValidation, fmt.Sprintf("job %s: depends on itself", r.JobID), nil)
	}
	return nil
}

// EffectivePriority returns the request priority, treating an unset value
// as Medium.
func (r *Request) EffectivePriority() Priority {
	if r.Priority == 0 {
		return PriorityMedium
	}
	return r.Priority
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Labels = slices.Clone(r.Labels)
	if r.Environment != nil {
		c.Environment = make(map[string]string, len(r.Environment))
		for k, v := range r.Environment {
			c.Environment[k] = v
		}
	}
	c.Resources.Specialized = slices.Clone(r.Resources.Specialized)
	c.Metadata.Tags = slices.Clone(r.Metadata.Tags)
	c.Metadata.DependsOn = slices.Clone(r.Metadata.DependsOn)
	c.Metadata.Constraints.AllowedWorkers = slices.Clone(r.Metadata.Constraints.AllowedWorkers)
	c.Metadata.Constraints.BlockedWorkers = slices.Clone(r.Metadata.Constraints.BlockedWorkers)
	c.Metadata.Constraints.RequiredCapabilities = slices.Clone(r.Metadata.Constraints.RequiredCapabilities)
	c.Metadata.Preferences.PreferredWorkers = slices.Clone(r.Metadata.Preferences.PreferredWorkers)
	c.Metadata.Preferences.AffinityRules = slices.Clone(r.Metadata.Preferences.AffinityRules)
	c.Metadata.Preferences.AntiAffinityRules = slices.Clone(r.Metadata.Preferences.AntiAffinityRules)
	return &c
}

// Matches reports whether selector names this job by id, workflow id or
// tag.
func (r *Request) Matches(selector string) bool {
	if selector == "" {
		return false
	}
	return r.JobID == selector || r.WorkflowID == selector || slices.Contains(r.Metadata.Tags, selector)
}

// ExecutionContext holds opaque handles the executor passes through to the
// container lifecycle collaborator.
type ExecutionContext struct {
	WorkerID      string   `json:"workerId"`
	ContainerName string   `json:"containerName"`
	NetworkID     string   `json:"networkId,omitempty"`
	VolumeIDs     []string `json:"volumeIds,omitempty"`
}
