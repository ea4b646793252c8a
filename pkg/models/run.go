package models

// RunMode distinguishes a fresh orchestration run from a resume.
type RunMode string

// Run launch modes.
const (
	RunModeStart  RunMode = "run_start"
	RunModeResume RunMode = "run_resume"
)

// RunStatus is the lifecycle status of a run job.
type RunStatus string

// Run job statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunSource records who asked for the run.
type RunSource string

// Run sources.
const (
	RunSourceCommand RunSource = "command"
	RunSourceAPI     RunSource = "api"
)

// RunSnapshot is the externally visible view of one orchestration subprocess job.
type RunSnapshot struct {
	JobID        string    `json:"job_id"`
	Mode         RunMode   `json:"mode"`
	Status       RunStatus `json:"status"`
	Prompt       string    `json:"prompt,omitempty"`
	RootIssueID  string    `json:"root_issue_id,omitempty"`
	MaxSteps     int       `json:"max_steps"`
	CommandID    string    `json:"command_id,omitempty"`
	Source       RunSource `json:"source"`
	StartedAtMs  int64     `json:"started_at_ms"`
	UpdatedAtMs  int64     `json:"updated_at_ms"`
	FinishedAtMs *int64    `json:"finished_at_ms,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	PID          *int      `json:"pid,omitempty"`
	LastProgress string    `json:"last_progress,omitempty"`
}

// RunEventType names the event stream emitted by the run supervisor.
type RunEventType string

// Run event types.
const (
	RunEventRootDiscovered RunEventType = "run_root_discovered"
	RunEventProgress       RunEventType = "run_progress"
	RunEventCompleted      RunEventType = "run_completed"
	RunEventFailed         RunEventType = "run_failed"
	RunEventCancelled      RunEventType = "run_cancelled"
)

// ControlPlaneRunEvent is one sequence-numbered run observation forwarded to
// the outbox for deferred detailed delivery.
type ControlPlaneRunEvent struct {
	JobID       string       `json:"job_id"`
	Seq         int          `json:"seq"`
	Type        RunEventType `json:"type"`
	RootIssueID string       `json:"root_issue_id,omitempty"`
	Progress    string       `json:"progress,omitempty"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	AtMs        int64        `json:"at_ms"`
}
