// Package domain holds the entities and ports of the submission pipeline.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrPlanUnavailable     = errors.New("plan unavailable")
	ErrNoSuccessIndicators = errors.New("no success indicators")
	ErrQueueUnavailable    = errors.New("queue unavailable")
	ErrInternal            = errors.New("internal error")
)

// JobStatus enumerates the lifecycle of a customer job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Priority tiers scale rate-limit pacing and ordering.
type Priority string

const (
	PriorityStarter    Priority = "starter"
	PriorityPro        Priority = "pro"
	PriorityEnterprise Priority = "enterprise"
)

// NormalizePriority maps arbitrary input to a known tier, defaulting to
// starter. The bool reports whether the input was already valid.
func NormalizePriority(p string) (Priority, bool) {
	switch Priority(p) {
	case PriorityStarter, PriorityPro, PriorityEnterprise:
		return Priority(p), true
	}
	return PriorityStarter, false
}

// Job is the unit of customer work. Status transitions are owned by the
// job flow; the stale-job monitor may reset in_progress back to pending.
type Job struct {
	ID          string
	CustomerID  string
	PackageSize int
	Priority    Priority
	Status      JobStatus
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// SubmissionStatus enumerates per-directory result states.
// submitted and skipped are terminal: once set they are never overwritten.
type SubmissionStatus string

const (
	SubmissionSubmitting SubmissionStatus = "submitting"
	SubmissionSubmitted  SubmissionStatus = "submitted"
	SubmissionSkipped    SubmissionStatus = "skipped"
	SubmissionFailed     SubmissionStatus = "failed"
)

// Terminal reports whether a submission status must never be demoted.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionSubmitted || s == SubmissionSkipped
}

// DirectorySubmission is one row per (job, directory) attempt, keyed by a
// 64-hex-char idempotency key unique across all results.
type DirectorySubmission struct {
	ID             string
	JobID          string
	Directory      string
	Status         SubmissionStatus
	IdempotencyKey string
	Payload        map[string]any
	ResponseLog    map[string]any
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertOutcome reports what UpsertJobResult did with a row.
type UpsertOutcome string

const (
	UpsertInserted         UpsertOutcome = "inserted"
	UpsertUpdated          UpsertOutcome = "updated"
	UpsertDuplicateSuccess UpsertOutcome = "duplicate_success"
)

// HistoryEvent is an append-only audit record. The core never mutates or
// deletes events.
type HistoryEvent struct {
	ID        string
	JobID     string
	Directory string
	Event     string
	Details   map[string]any
	WorkerID  string
	CreatedAt time.Time
}

// WorkerStatus enumerates heartbeat states.
type WorkerStatus string

const (
	WorkerRunning WorkerStatus = "running"
	WorkerIdle    WorkerStatus = "idle"
)

// WorkerHeartbeat is one row per worker id, upserted on every beat.
// Freshness is measured solely by LastHeartbeat against the wall clock.
type WorkerHeartbeat struct {
	WorkerID      string
	QueueName     string
	Status        WorkerStatus
	CurrentJobID  *string
	LastHeartbeat time.Time
	Metadata      map[string]any
}

// BusinessProfile carries the identity/contact fields submitted to
// directories, joined from the job's customer record.
type BusinessProfile struct {
	Name        string
	Phone       string
	Address     string
	City        string
	State       string
	Zip         string
	Website     string
	Email       string
	Description string
	Categories  []string
}

// PlanAction enumerates browser steps a plan may contain.
type PlanAction string

const (
	ActionGoto   PlanAction = "goto"
	ActionFill   PlanAction = "fill"
	ActionClick  PlanAction = "click"
	ActionWait   PlanAction = "wait"
	ActionSelect PlanAction = "select"
)

// PlanStep is one browser action with its target and value.
type PlanStep struct {
	Action   PlanAction `json:"action"`
	URL      string     `json:"url,omitempty"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
	Until    string     `json:"until,omitempty"`
	Seconds  float64    `json:"seconds,omitempty"`
}

// Plan is the transient submission recipe for a (directory, business)
// pair. Never persisted.
type Plan struct {
	Steps              []PlanStep
	RateLimitMs        int
	Captcha            string
	IdempotencyFactors map[string]string
}

// HasFillSteps reports whether any step fills a form field.
func (p Plan) HasFillSteps() bool {
	for _, s := range p.Steps {
		if s.Action == ActionFill {
			return true
		}
	}
	return false
}

// Outcome is the executor's report for a single plan run.
type Outcome struct {
	Status      SubmissionStatus
	Error       string
	FinalURL    string
	Screenshot  []byte
	DurationMs  int64
	ResponseLog map[string]any
}

// SubmissionResult is the directory task's return value.
type SubmissionResult struct {
	Directory  string
	Status     SubmissionStatus
	Error      string
	DurationMs int64
}

// JobSummary aggregates fan-out outcomes at job grain.
type JobSummary struct {
	JobID     string
	Status    JobStatus
	Total     int
	Submitted int
	Failed    int
	Skipped   int
	Error     string
}

// JobMessage is the inbound queue payload for one job.
type JobMessage struct {
	JobID        string         `json:"job_id" validate:"required"`
	CustomerID   string         `json:"customer_id" validate:"required"`
	PackageSize  int            `json:"package_size"`
	Priority     string         `json:"priority"`
	RetryAttempt int            `json:"retry_attempt,omitempty"`
	RequeuedBy   string         `json:"requeued_by,omitempty"`
	RequeuedAt   string         `json:"requeued_at,omitempty"`
	Source       string         `json:"source,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// QueueMessage is a received queue record plus its delivery bookkeeping.
type QueueMessage struct {
	ID           string
	Body         []byte
	ReceiveCount int
}

// Repositories (ports)

type JobRepository interface {
	Get(ctx context.Context, id string) (Job, error)
	SetStatus(ctx context.Context, id string, status JobStatus, errMsg *string) error
	GetBusinessProfile(ctx context.Context, jobID string) (BusinessProfile, error)
	GetDirectoriesForJob(ctx context.Context, jobID string) ([]string, error)
	FindStaleJobs(ctx context.Context, threshold time.Duration) ([]Job, error)
}

type ResultRepository interface {
	Upsert(ctx context.Context, sub DirectorySubmission) (UpsertOutcome, error)
	GetByIdempotencyKey(ctx context.Context, key string) (DirectorySubmission, error)
	ListByJob(ctx context.Context, jobID string) ([]DirectorySubmission, error)
}

type HistoryRepository interface {
	Record(ctx context.Context, ev HistoryEvent) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type HeartbeatRepository interface {
	Upsert(ctx context.Context, hb WorkerHeartbeat) error
}

// Queue (port). Delivery is at-least-once; consumers must tolerate
// duplicates. Delete acknowledges a message; Requeue re-publishes it with
// an incremented receive count in place of visibility-timeout redelivery.
type Queue interface {
	Enqueue(ctx context.Context, msg JobMessage) (string, error)
	Receive(ctx context.Context, max int, wait time.Duration) ([]QueueMessage, error)
	Delete(ctx context.Context, msg QueueMessage) error
	Requeue(ctx context.Context, msg QueueMessage) error
	SendToDLQ(ctx context.Context, msg QueueMessage, reason string) error
}

// DeadLetterQueue (port) is the read side used by the DLQ monitor.
type DeadLetterQueue interface {
	Depth(ctx context.Context) (int64, error)
	Peek(ctx context.Context, max int) ([]QueueMessage, error)
}

// PlanProvider (port) returns the submission plan for a directory.
type PlanProvider interface {
	GetPlan(ctx context.Context, directory string, business BusinessProfile) (Plan, error)
}

// Browser driver (ports). The driver is an external collaborator; the
// executor only depends on this surface.

type BrowserDriver interface {
	NewSession(ctx context.Context) (BrowserSession, error)
}

type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	SelectOption(ctx context.Context, selector, value string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Content(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// AlertSink (port) delivers DLQ alerts to an operator channel.
type AlertSink interface {
	Send(ctx context.Context, subject string, body map[string]any) error
}

// Optional AI advisors (ports). All are best-effort: any error degrades
// to the unadvised path.

// FormMapper derives fill steps when a plan carries none.
type FormMapper interface {
	MapFields(ctx context.Context, directory, pageHTML string, business BusinessProfile) (map[string]string, error)
}

// ContentRewriter customizes the business description per directory.
type ContentRewriter interface {
	Rewrite(ctx context.Context, directory, description string) (string, error)
}

// RetryAdvisor inspects a failure before the task retry fires.
type RetryAdvisor interface {
	Analyze(ctx context.Context, directory string, failure error) (string, error)
}

// SuccessPredictor orders directories by predicted success probability.
type SuccessPredictor interface {
	Rank(ctx context.Context, jobID string, directories []string) ([]string, error)
}

// VariantAssigner picks an A/B test variant for a submission.
type VariantAssigner interface {
	Assign(ctx context.Context, jobID, directory string) (string, error)
}
