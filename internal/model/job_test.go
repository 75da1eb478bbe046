package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to JobStatus }{
		{JobStatusPending, JobStatusLeased},
		{JobStatusLeased, JobStatusProcessing},
		{JobStatusProcessing, JobStatusMerging},
		{JobStatusMerging, JobStatusCompleted},
		{JobStatusProcessing, JobStatusPending}, // nack redelivery
		{JobStatusMerging, JobStatusPending},
		{JobStatusProcessing, JobStatusCancelled},
		{JobStatusPending, JobStatusFailed},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to JobStatus }{
		{JobStatusPending, JobStatusMerging},
		{JobStatusPending, JobStatusCompleted},
		{JobStatusLeased, JobStatusCompleted},
		{JobStatusCompleted, JobStatusPending},
		{JobStatusFailed, JobStatusProcessing},
		{JobStatusCancelled, JobStatusLeased},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
	assert.False(t, JobStatusMerging.Terminal())
}
