package jobsdb

import "time"

// Bulk job states reported by the API.
const (
	PendingState   = "pending"
	CompletedState = "completed"
	ErrorState     = "error"
)

// Row outcomes written to the result log.
const (
	SucceededStatus = "success"
	FailedStatus    = "error"
)

// JobT is an asynchronous bulk job on the API side.
type JobT struct {
	JobID     string
	JobState  string
	Polls     int
	CreatedAt time.Time
}

// IsTerminal reports whether the job reached completed or error.
func (job *JobT) IsTerminal() bool {
	return job.JobState == CompletedState || job.JobState == ErrorState
}

// LogRecordT is one row of the result log.
type LogRecordT struct {
	RowID     string
	Status    string
	Detail    string
	Timestamp time.Time
}
