package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listflow/dirsubmit/internal/adapter/browser/stub"
	"github.com/listflow/dirsubmit/internal/domain"
)

type taskFixture struct {
	jobs    *jobsRepoStub
	results *resultsRepoStub
	history *historyStub
	driver  *stub.Driver
	task    *DirectoryTask
}

func newTaskFixture(t *testing.T, planner domain.PlanProvider) *taskFixture {
	t.Helper()
	f := &taskFixture{
		jobs:    &jobsRepoStub{profile: domain.BusinessProfile{Name: "Acme", Description: "We fix things"}},
		results: &resultsRepoStub{},
		history: &historyStub{},
		driver:  stub.NewDriver(),
	}
	f.task = NewDirectoryTask(
		f.jobs, f.results, f.history, planner,
		fastExecutor(f.driver, nil),
		nil, nil, nil, "worker-test",
	)
	return f
}

func TestSubmitDirectory_Submitted(t *testing.T) {
	t.Parallel()
	f := newTaskFixture(t, plannerStub{plan: stubPlan()})

	res, err := f.task.SubmitDirectory(context.Background(), domain.Job{ID: "J1"}, "dir.example", domain.PriorityPro)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionSubmitted, res.Status)
	assert.Equal(t, "dir.example", res.Directory)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))

	ups := f.results.snapshot()
	require.Len(t, ups, 2, "preflight plus final")
	assert.Equal(t, domain.SubmissionSubmitting, ups[0].Status)
	assert.Equal(t, domain.SubmissionSubmitted, ups[1].Status)
	assert.Equal(t, ups[0].IdempotencyKey, ups[1].IdempotencyKey, "both upserts share one key")
	assert.NotEmpty(t, ups[1].ResponseLog)

	sub, ok := f.history.find("submitting")
	require.True(t, ok, "submitting event recorded once past the duplicate gate")
	assert.Equal(t, "dir.example", sub.Directory)
	assert.Contains(t, sub.Details, "idempotency_key")

	ev, ok := f.history.find("submitted")
	require.True(t, ok)
	assert.Equal(t, "dir.example", ev.Directory)
	assert.Contains(t, ev.Details, "duration_ms")
	assert.Equal(t, []string{"submitting", "submitted"}, f.history.names())
}

func TestSubmitDirectory_DuplicateSuccessSkips(t *testing.T) {
	t.Parallel()
	f := newTaskFixture(t, plannerStub{plan: stubPlan()})
	f.results.outcomes = []domain.UpsertOutcome{domain.UpsertDuplicateSuccess}

	res, err := f.task.SubmitDirectory(context.Background(), domain.Job{ID: "J1"}, "dir.example", domain.PriorityPro)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionSkipped, res.Status)

	require.Len(t, f.results.snapshot(), 1, "no final upsert after the duplicate gate")
	_, ok := f.history.find("skipped_duplicate")
	assert.True(t, ok)
	_, ok = f.history.find("submitting")
	assert.False(t, ok, "a skipped duplicate never announces submitting")
}

func TestSubmitDirectory_MissingProfileFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	f := newTaskFixture(t, plannerStub{plan: stubPlan()})
	f.jobs.profileErr = domain.ErrNotFound

	res, err := f.task.SubmitDirectory(context.Background(), domain.Job{ID: "J1"}, "dir.example", domain.PriorityPro)
	require.NoError(t, err, "missing profile is a final failure, not a retryable one")
	assert.Equal(t, domain.SubmissionFailed, res.Status)

	_, ok := f.history.find("error_no_profile")
	assert.True(t, ok)
	assert.Empty(t, f.results.snapshot(), "no result row without a profile")
}

func TestSubmitDirectory_PlanUnavailableIsRetryable(t *testing.T) {
	t.Parallel()
	f := newTaskFixture(t, plannerStub{err: domain.ErrPlanUnavailable})

	_, err := f.task.SubmitDirectory(context.Background(), domain.Job{ID: "J1"}, "dir.example", domain.PriorityPro)
	require.ErrorIs(t, err, domain.ErrPlanUnavailable)
	assert.Empty(t, f.results.snapshot(), "no preflight before a plan exists")
}

func TestSubmitDirectory_ExecutorFailureRecordsAndRaises(t *testing.T) {
	t.Parallel()
	f := newTaskFixture(t, plannerStub{plan: stubPlan()})
	f.driver.FailSelector = "#submit"

	res, err := f.task.SubmitDirectory(context.Background(), domain.Job{ID: "J1"}, "dir.example", domain.PriorityPro)
	require.Error(t, err, "executor failure re-raises to trigger the task retry")
	assert.Equal(t, domain.SubmissionFailed, res.Status)

	ups := f.results.snapshot()
	require.Len(t, ups, 2)
	assert.Equal(t, domain.SubmissionFailed, ups[1].Status)
	assert.NotEmpty(t, ups[1].Error)

	assert.Equal(t, []string{"submitting", "failed"}, f.history.names())
}

func TestSubmitDirectory_UsesPlanFactorsForKey(t *testing.T) {
	t.Parallel()
	plan := stubPlan()
	plan.IdempotencyFactors = map[string]string{"listing_id": "L-9"}
	f := newTaskFixture(t, plannerStub{plan: plan})

	_, err := f.task.SubmitDirectory(context.Background(), domain.Job{ID: "J1"}, "dir.example", domain.PriorityPro)
	require.NoError(t, err)

	want := domain.IdempotencyKey("J1", "dir.example", map[string]string{"listing_id": "L-9"})
	assert.Equal(t, want, f.results.snapshot()[0].IdempotencyKey)
}

func TestSubmitDirectory_DefaultFactorsWhenPlanHasNone(t *testing.T) {
	t.Parallel()
	f := newTaskFixture(t, plannerStub{plan: stubPlan()})

	_, err := f.task.SubmitDirectory(context.Background(), domain.Job{ID: "J1"}, "dir.example", domain.PriorityPro)
	require.NoError(t, err)

	biz := domain.BusinessProfile{Name: "Acme", Description: "We fix things"}
	want := domain.IdempotencyKey("J1", "dir.example", domain.DefaultIdempotencyFactors(biz, "dir.example"))
	assert.Equal(t, want, f.results.snapshot()[0].IdempotencyKey)
}

func TestSubmitDirectory_ValidatesInput(t *testing.T) {
	t.Parallel()
	f := newTaskFixture(t, plannerStub{plan: stubPlan()})

	res, err := f.task.SubmitDirectory(context.Background(), domain.Job{}, "dir.example", domain.PriorityPro)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionFailed, res.Status)

	res, err = f.task.SubmitDirectory(context.Background(), domain.Job{ID: "J1"}, "", domain.PriorityPro)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionFailed, res.Status)
}

func TestPaceDelay(t *testing.T) {
	t.Parallel()
	// Enterprise halves the floor but never dips under 500ms.
	assert.Equal(t, "500ms", paceDelay(600, domain.PriorityEnterprise).String())
	assert.Equal(t, "1s", paceDelay(2000, domain.PriorityEnterprise).String())
	assert.Equal(t, "2s", paceDelay(2000, domain.PriorityPro).String())
	assert.Equal(t, "3s", paceDelay(2000, domain.PriorityStarter).String())
	assert.Equal(t, "0s", paceDelay(0, domain.PriorityStarter).String())
}
