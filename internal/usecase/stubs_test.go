package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/listflow/dirsubmit/internal/domain"
)

// jobsRepoStub is a configurable in-memory domain.JobRepository.
type jobsRepoStub struct {
	mu          sync.Mutex
	job         domain.Job
	profile     domain.BusinessProfile
	profileErr  error
	directories []string
	dirsErr     error
	statusErr   error

	statuses []struct {
		Status domain.JobStatus
		Err    *string
	}
}

func (s *jobsRepoStub) Get(_ context.Context, _ string) (domain.Job, error) {
	return s.job, nil
}

func (s *jobsRepoStub) SetStatus(_ context.Context, _ string, status domain.JobStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return s.statusErr
	}
	s.statuses = append(s.statuses, struct {
		Status domain.JobStatus
		Err    *string
	}{status, errMsg})
	return nil
}

func (s *jobsRepoStub) GetBusinessProfile(_ context.Context, _ string) (domain.BusinessProfile, error) {
	if s.profileErr != nil {
		return domain.BusinessProfile{}, s.profileErr
	}
	return s.profile, nil
}

func (s *jobsRepoStub) GetDirectoriesForJob(_ context.Context, _ string) ([]string, error) {
	return s.directories, s.dirsErr
}

func (s *jobsRepoStub) FindStaleJobs(_ context.Context, _ time.Duration) ([]domain.Job, error) {
	return nil, nil
}

func (s *jobsRepoStub) lastStatus() (domain.JobStatus, *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return "", nil
	}
	last := s.statuses[len(s.statuses)-1]
	return last.Status, last.Err
}

// resultsRepoStub records upserts and can signal duplicate_success.
type resultsRepoStub struct {
	mu        sync.Mutex
	upserts   []domain.DirectorySubmission
	outcomes  []domain.UpsertOutcome // consumed in order; default inserted
	upsertErr error
}

func (s *resultsRepoStub) Upsert(_ context.Context, sub domain.DirectorySubmission) (domain.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return "", s.upsertErr
	}
	s.upserts = append(s.upserts, sub)
	if len(s.outcomes) > 0 {
		out := s.outcomes[0]
		s.outcomes = s.outcomes[1:]
		return out, nil
	}
	return domain.UpsertInserted, nil
}

func (s *resultsRepoStub) GetByIdempotencyKey(_ context.Context, _ string) (domain.DirectorySubmission, error) {
	return domain.DirectorySubmission{}, domain.ErrNotFound
}

func (s *resultsRepoStub) ListByJob(_ context.Context, _ string) ([]domain.DirectorySubmission, error) {
	return nil, nil
}

func (s *resultsRepoStub) snapshot() []domain.DirectorySubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DirectorySubmission(nil), s.upserts...)
}

// historyStub records history events.
type historyStub struct {
	mu     sync.Mutex
	events []domain.HistoryEvent
}

func (s *historyStub) Record(_ context.Context, ev domain.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *historyStub) DeleteOlderThan(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (s *historyStub) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Event
	}
	return out
}

func (s *historyStub) find(event string) (domain.HistoryEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Event == event {
			return ev, true
		}
	}
	return domain.HistoryEvent{}, false
}

// plannerStub returns a fixed plan or error.
type plannerStub struct {
	plan domain.Plan
	err  error
}

func (s plannerStub) GetPlan(_ context.Context, _ string, _ domain.BusinessProfile) (domain.Plan, error) {
	return s.plan, s.err
}

func stubPlan() domain.Plan {
	return domain.Plan{
		Steps: []domain.PlanStep{
			{Action: domain.ActionGoto, URL: "https://dir.example/submit"},
			{Action: domain.ActionFill, Selector: "#name", Value: "Acme"},
			{Action: domain.ActionClick, Selector: "#submit"},
		},
	}
}
