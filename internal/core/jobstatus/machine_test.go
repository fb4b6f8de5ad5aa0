package jobstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]models.JobStatus{
		{models.JobPending, models.JobProcessing},
		{models.JobPending, models.JobError},
		{models.JobProcessing, models.JobRetryPending},
		{models.JobProcessing, models.JobPartiallyProcessed},
		{models.JobProcessing, models.JobProcessed},
		{models.JobRetryPending, models.JobProcessing},
		{models.JobPartiallyProcessed, models.JobProcessing},
		{models.JobRetryPending, models.JobCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]models.JobStatus{
		{models.JobPending, models.JobProcessed},
		{models.JobRetryPending, models.JobProcessed},
		{models.JobProcessed, models.JobProcessing},
		{models.JobError, models.JobProcessing},
		{models.JobCancelled, models.JobProcessing},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, s := range []models.JobStatus{models.JobProcessed, models.JobError, models.JobCancelled} {
		assert.True(t, s.Terminal())
		assert.Empty(t, transitions[s])
	}
}

func TestSources_Cancelled(t *testing.T) {
	assert.ElementsMatch(t, models.ActiveJobStatuses, Sources(models.JobCancelled))
}

func TestClaimable(t *testing.T) {
	assert.True(t, Claimable(models.JobPending))
	assert.True(t, Claimable(models.JobRetryPending))
	assert.True(t, Claimable(models.JobPartiallyProcessed))
	assert.False(t, Claimable(models.JobProcessing))
	assert.False(t, Claimable(models.JobProcessed))
}
