package jobstatus

import (
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// transitions is the job state machine. processing may move to itself so
// stage and progress can be written without changing status.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobPending: {
		models.JobProcessing,
		models.JobError,
		models.JobCancelled,
	},
	models.JobProcessing: {
		models.JobProcessing,
		models.JobProcessed,
		models.JobError,
		models.JobRetryPending,
		models.JobPartiallyProcessed,
		models.JobCancelled,
	},
	models.JobRetryPending: {
		models.JobProcessing,
		models.JobError,
		models.JobCancelled,
	},
	models.JobPartiallyProcessed: {
		models.JobProcessing,
		models.JobError,
		models.JobCancelled,
	},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns every status that may move to `to`, in a fixed order.
func Sources(to models.JobStatus) []models.JobStatus {
	var out []models.JobStatus
	for _, from := range []models.JobStatus{
		models.JobPending,
		models.JobProcessing,
		models.JobRetryPending,
		models.JobPartiallyProcessed,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Claimable reports whether a worker may start processing a job in status s.
func Claimable(s models.JobStatus) bool {
	return s != models.JobProcessing && CanTransition(s, models.JobProcessing)
}
