package job

import (
	"slices"
	"time"
)

// Status is the per-job state machine:
//
//	queued → routing → load_balancing → scheduling → running → completed
//	                                                          ↘ failed | retrying | cancelled
//
// retrying loops back to routing after the backoff delay.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusRouting       Status = "routing"
	StatusLoadBalancing Status = "load_balancing"
	StatusScheduling    Status = "scheduling"
	StatusRunning       Status = "running"
	StatusRetrying      Status = "retrying"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// failable are the in-flight states from which a stage failure may move
// the job to retrying or failed.
var failable = []Status{StatusRouting, StatusLoadBalancing, StatusScheduling, StatusRunning}

var validTransitions = map[Status][]Status{
	StatusQueued:        {StatusRouting, StatusCancelled, StatusFailed},
	StatusRouting:       {StatusLoadBalancing},
	StatusLoadBalancing: {StatusScheduling},
	StatusScheduling:    {StatusRunning},
	StatusRunning:       {StatusCompleted},
	StatusRetrying:      {StatusRouting, StatusCancelled, StatusFailed},
}

// ValidTransition reports whether moving from one status to another is
// allowed.  Any non-terminal status may be cancelled.
func ValidTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	if (to == StatusRetrying || to == StatusFailed) && slices.Contains(failable, from) {
		return true
	}
	return slices.Contains(validTransitions[from], to)
}

// Transition records when a status was entered.
type Transition struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// RoutingSummary is the subset of a routing result kept on the execution
// record.
type RoutingSummary struct {
	WorkerID     string   `json:"workerId"`
	Algorithm    string   `json:"algorithm"`
	Score        float64  `json:"score"`
	Confidence   float64  `json:"confidence"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// QueueSummary is the subset of a load-balancing ticket kept on the
// execution record.
type QueueSummary struct {
	QueueID        string        `json:"queueId"`
	Position       int           `json:"position"`
	EstimatedWait  time.Duration `json:"estimatedWait"`
	AssignedWorker string        `json:"assignedWorker"`
	Strategy       string        `json:"strategy"`
}

// Allocation is a concrete reservation of worker resources.
type Allocation struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Disk    float64 `json:"disk"`
	Network float64 `json:"network"`
}

// ScheduleSummary is the subset of a scheduling result kept on the
// execution record.
type ScheduleSummary struct {
	WorkerID                string     `json:"workerId"`
	ScheduledAt             time.Time  `json:"scheduledAt"`
	AssignedResources       Allocation `json:"assignedResources"`
	EstimatedStartTime      time.Time  `json:"estimatedStartTime"`
	EstimatedCompletionTime time.Time  `json:"estimatedCompletionTime"`
}

// Execution is the mutable per-job record.  It is owned by the executor
// and only ever handed out as a Clone.
type Execution struct {
	ID            string           `json:"id"`
	PlanID        string           `json:"planId"`
	Status        Status           `json:"status"`
	Request       *Request         `json:"originalRequest"`
	Routing       *RoutingSummary  `json:"routingResult,omitempty"`
	LoadBalancing *QueueSummary    `json:"loadBalancingResult,omitempty"`
	Scheduling    *ScheduleSummary `json:"schedulingResult,omitempty"`
	RetryCount    int              `json:"retryCount"`
	Error         *Error           `json:"error,omitempty"`
	ExitCode      *int             `json:"exitCode,omitempty"`
	Transitions   []Transition     `json:"transitions"`
	QueuedAt      time.Time        `json:"queuedAt"`
	StartedAt     *time.Time       `json:"startedAt,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
}

// NewExecution creates a queued execution for req.
func NewExecution(planID string, req *Request, now time.Time) *Execution {
	return &Execution{
		ID:          planID + "/" + req.JobID,
		PlanID:      planID,
		Status:      StatusQueued,
		Request:     req.Clone(),
		QueuedAt:    now,
		Transitions: []Transition{{Status: StatusQueued, At: now}},
	}
}

// SetStatus records a transition.  It returns false, leaving the record
// untouched, when the transition is not allowed.
func (e *Execution) SetStatus(s Status, now time.Time) bool {
	if !ValidTransition(e.Status, s) {
		return false
	}
	e.Status = s
	e.Transitions = append(e.Transitions, Transition{Status: s, At: now})
	switch {
	case s == StatusRunning && e.StartedAt == nil:
		t := now
		e.StartedAt = &t
	case s.Terminal():
		t := now
		e.CompletedAt = &t
	}
	return true
}

// Entered returns the first time the execution entered s.
func (e *Execution) Entered(s Status) (time.Time, bool) {
	for _, t := range e.Transitions {
		if t.Status == s {
			return t.At, true
		}
	}
	return time.Time{}, false
}

// Duration is the time between first start and completion, or zero.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// Clone returns a deep copy safe to hand to readers.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Request = e.Request.Clone()
	c.Transitions = slices.Clone(e.Transitions)
	if e.Routing != nil {
		r := *e.Routing
		r.Alternatives = slices.Clone(e.Routing.Alternatives)
		c.Routing = &r
	}
	if e.LoadBalancing != nil {
		lb := *e.LoadBalancing
		c.LoadBalancing = &lb
	}
	if e.Scheduling != nil {
		s := *e.Scheduling
		c.Scheduling = &s
	}
	if e.Error != nil {
		er := *e.Error
		c.Error = &er
	}
	if e.ExitCode != nil {
		code := *e.ExitCode
		c.ExitCode = &code
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
