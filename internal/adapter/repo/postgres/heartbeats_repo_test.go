package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listflow/dirsubmit/internal/adapter/repo/postgres"
	"github.com/listflow/dirsubmit/internal/domain"
)

func TestHeartbeatRepo_Upsert(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewHeartbeatRepo(pool)

	jobID := "J1"
	err := repo.Upsert(context.Background(), domain.WorkerHeartbeat{
		WorkerID:     "worker-1",
		QueueName:    "submission-jobs",
		Status:       domain.WorkerRunning,
		CurrentJobID: &jobID,
	})
	require.NoError(t, err)
	assert.Contains(t, pool.lastSQL, "ON CONFLICT (worker_id)")
	assert.Equal(t, "worker-1", pool.lastArgs[0])
	// last_heartbeat is stamped server-side with the wall clock.
	ts, ok := pool.lastArgs[4].(time.Time)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC(), ts, 2*time.Second)
}

func TestHeartbeatRepo_Upsert_Error(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: assert.AnError}
	repo := postgres.NewHeartbeatRepo(pool)

	err := repo.Upsert(context.Background(), domain.WorkerHeartbeat{WorkerID: "worker-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=heartbeat.upsert")
}

func TestHistoryRepo_Record(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewHistoryRepo(pool)

	err := repo.Record(context.Background(), domain.HistoryEvent{
		JobID:   "J1",
		Event:   "job_started",
		Details: map[string]any{"priority": "pro"},
	})
	require.NoError(t, err)
	assert.Contains(t, pool.lastSQL, "INSERT INTO job_history")
	// Empty directory and worker are stored as NULL, not empty strings.
	assert.Nil(t, pool.lastArgs[2])
	assert.Nil(t, pool.lastArgs[5])
}

func TestHistoryRepo_DeleteOlderThan(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewHistoryRepo(pool)

	cutoff := time.Now().UTC().AddDate(0, 0, -90)
	_, err := repo.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Contains(t, pool.lastSQL, "DELETE FROM job_history")
	assert.Equal(t, cutoff, pool.lastArgs[0])
}
