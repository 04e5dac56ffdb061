package tagscepter

import "time"

// TaskStatus is the overall status of a localization task
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible out of this status
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// BuildStatus is the internal status of a build job
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildSuccess   BuildStatus = "success"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

// IsTerminal reports whether the build job has finished, one way or another
func (s BuildStatus) IsTerminal() bool {
	return s == BuildSuccess || s == BuildFailed || s == BuildCancelled
}

// rank orders build statuses along pending -> running -> terminal
func (s BuildStatus) rank() int {
	switch s {
	case BuildPending:
		return 0
	case BuildRunning:
		return 1
	default:
		return 2
	}
}

// FeedbackType is the verdict given for a candidate tag
type FeedbackType string

const (
	Working      FeedbackType = "working"
	Broken       FeedbackType = "broken"
	Inconclusive FeedbackType = "inconclusive"
)

// Valid reports whether the feedback type is one of the known verdicts
func (f FeedbackType) Valid() bool {
	return f == Working || f == Broken || f == Inconclusive
}

// A Tag is an immutable point in a branch's history
type Tag struct {
	ID       string `json:"id" yaml:"id"`
	BranchID string `json:"branchId" yaml:"branchId"`

	SequenceNumber int    `json:"sequenceNumber" yaml:"sequenceNumber"` // Strictly increasing within a branch, gaps are allowed
	CommitHash     string `json:"commitHash" yaml:"commitHash"`

	Author  string    `json:"author,omitempty" yaml:"author"`
	Message string    `json:"message,omitempty" yaml:"message"`
	Date    time.Time `json:"date,omitempty" yaml:"date"`
}

// A Task is a single bisection run between a good and a bad tag
type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	BranchID  string `json:"branchId"`

	GoodTagID string `json:"goodTagId"` // The tag known not to exhibit the regression
	BadTagID  string `json:"badTagId"`  // The tag known to exhibit the regression

	BuildService string `json:"buildService"` // The name of the build service candidates are dispatched to

	Status           TaskStatus `json:"status"`
	CurrentIteration int        `json:"currentIteration"` // Starts at 0, incremented for every opened iteration

	FinalProblematicTagID string `json:"finalProblematicTagId,omitempty"` // Only set once the task completed
	ResolutionNotes       string `json:"resolutionNotes,omitempty"`
	ErrorMessage          string `json:"errorMessage,omitempty"` // Set when the task failed

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// An Iteration is one search step of a task
type Iteration struct {
	ID     string `json:"id"`
	TaskID string `json:"taskId"`
	Number int    `json:"iterationNumber"` // 1-based, no gaps

	SearchRangeStart int `json:"searchRangeStart"` // Sequence number of the good boundary when the iteration opened
	SearchRangeEnd   int `json:"searchRangeEnd"`   // Sequence number of the bad boundary when the iteration opened

	CandidatesGenerated []string `json:"candidatesGenerated"` // Tag IDs considered, in probing order
	SelectedCandidates  []string `json:"selectedCandidates"`  // Tag IDs actually dispatched

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"` // nil while the iteration is open
}

// IsOpen reports whether the iteration still accepts work
func (it *Iteration) IsOpen() bool {
	return it.CompletedAt == nil
}

// A BuildJob is one dispatched build/test attempt for a candidate tag
type BuildJob struct {
	ID          string `json:"id"`
	TaskID      string `json:"taskId"`
	IterationID string `json:"iterationId"`
	TagID       string `json:"tagId"`

	BuildService    string `json:"buildService"`
	ExternalBuildID string `json:"externalBuildId,omitempty"`

	Status        BuildStatus `json:"status"`
	FailureReason string      `json:"failureReason,omitempty"` // e.g. DispatchExhausted
	Attempts      int         `json:"attempts"`                // Number of trigger attempts made so far

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Feedback is a verdict on a specific build job. It is never mutated once created
type Feedback struct {
	ID          string `json:"id"`
	TaskID      string `json:"taskId"`
	IterationID string `json:"iterationId"`
	BuildJobID  string `json:"buildJobId"`
	TagID       string `json:"tagId"`

	Type  FeedbackType `json:"feedbackType"`
	Notes string       `json:"notes,omitempty"`

	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}
