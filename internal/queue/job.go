package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

// State is a job's position in the queue lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// pending reports whether the job will still run.
func (s State) pending() bool {
	return s == StateWaiting || s == StateActive || s == StateDelayed
}

// unordered reports whether the state's index is a set rather than a
// sorted set.
func (s State) unordered() bool {
	return s == StateWaiting || s == StateActive
}

// Retry policy per task type.
const (
	ProcessAttempts = 3
	ProcessBackoff  = 2 * time.Second
	RevertAttempts  = 2
	RevertBackoff   = time.Second
)

var (
	// ErrDuplicateJob matches every *DuplicateJobError.
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotCancellable is returned when cancelling a job that already started or finished.
	ErrNotCancellable = errors.New("only waiting or delayed jobs can be cancelled")
	// ErrUnsupportedTaskType is returned when enqueueing a type the workers do not run.
	ErrUnsupportedTaskType = errors.New("unsupported task type for queue")
	// ErrStaleDelivery is returned when a delivery no longer owns its job,
	// because it was reclaimed by another consumer or already finished.
	ErrStaleDelivery = errors.New("delivery no longer owns the job")
)

// DuplicateJobError is returned when a process job for the topic is already
// waiting, active or delayed.
type DuplicateJobError struct {
	TopicSlug  string
	ExistingID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("a process job for topic %s is already queued (job %s)", e.TopicSlug, e.ExistingID)
}

// Is makes errors.Is(err, ErrDuplicateJob) hold.
func (e *DuplicateJobError) Is(target error) bool { return target == ErrDuplicateJob }

// Job is the payload and bookkeeping of one queued operation.
type Job struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"taskId"`
	TaskType     domain.TaskType `json:"taskType"`
	TopicSlug    string          `json:"topicSlug"`
	Params       map[string]any  `json:"params,omitempty"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attemptsMade"`
	Backoff      time.Duration   `json:"backoff"`
	State        State           `json:"state"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	// NextAttemptAt is set while the job is delayed.
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

// IsFinalAttempt reports whether a failure of the current attempt is terminal.
func (j *Job) IsFinalAttempt() bool {
	return j.AttemptsMade >= j.Attempts
}

// Force reports whether the job bypasses dedup and the duplicate guard.
func (j *Job) Force() bool {
	v, _ := j.Params["force"].(bool)
	return v
}

// StringParam returns a string parameter or "".
func (j *Job) StringParam(key string) string {
	v, _ := j.Params[key].(string)
	return v
}

// EnqueueRequest describes a job to add.
type EnqueueRequest struct {
	TaskID    string
	TaskType  domain.TaskType
	TopicSlug string
	Params    map[string]any
	Force     bool
}

func retryPolicy(t domain.TaskType) (int, time.Duration, error) {
	switch t {
	case domain.TaskTypeProcess:
		return ProcessAttempts, ProcessBackoff, nil
	case domain.TaskTypeRevert:
		return RevertAttempts, RevertBackoff, nil
	default:
		return 0, 0, fmt.Errorf("%w: %s", ErrUnsupportedTaskType, t)
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
