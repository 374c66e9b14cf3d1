package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
)

// Job tracks one scrape request. The API returns it from POST /jobs with status
// processing; a worker flips it to completed once the package row is written.
type Job struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	Registry    Registry  `db:"registry"     json:"registry"`
	PackageName string    `db:"package_name" json:"package_name"`
	Status      string    `db:"status"       json:"status"`
	TraceID     *string   `db:"trace_id"     json:"trace_id"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}

// Completed reports whether the job has reached its terminal status.
func (j *Job) Completed() bool {
	return j.Status == JobStatusCompleted
}
