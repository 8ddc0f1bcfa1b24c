package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/listflow/dirsubmit/internal/config"
	"github.com/listflow/dirsubmit/internal/domain"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Queue      domain.Queue
	QueueCheck func(ctx context.Context) error
}

// NewServer constructs the API server.
func NewServer(cfg config.Config, queue domain.Queue, queueCheck func(ctx context.Context) error) *Server {
	return &Server{Cfg: cfg, Queue: queue, QueueCheck: queueCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type enqueueRequest struct {
	JobID       string         `json:"job_id" validate:"required"`
	CustomerID  string         `json:"customer_id" validate:"required"`
	PackageSize *int           `json:"package_size" validate:"omitempty,gte=0"`
	Priority    int            `json:"priority" validate:"gte=0,lte=3"`
	Metadata    map[string]any `json:"metadata"`
}

type enqueueResponse struct {
	JobID         string `json:"job_id"`
	MessageID     string `json:"message_id"`
	QueueProvider string `json:"queue_provider"`
	QueueURL      string `json:"queue_url"`
	Status        string `json:"status"`
}

// priorityFromTier maps the numeric plan tier of the API surface onto
// the named priorities the pipeline uses.
func priorityFromTier(tier int) domain.Priority {
	switch tier {
	case 3:
		return domain.PriorityEnterprise
	case 2:
		return domain.PriorityPro
	default:
		return domain.PriorityStarter
	}
}

// EnqueueHandler accepts a job submission and publishes it to the main
// queue. 503 when no queue is configured, 502 when the publish fails.
func (s *Server) EnqueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Queue == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Error: apiError{
				Code:    "QUEUE_NOT_CONFIGURED",
				Message: "queue transport is not configured",
			}})
			return
		}
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		// Absent package_size defaults; an explicit 0 is preserved and
		// caps the job at zero directories.
		size := 50
		if req.PackageSize != nil {
			size = *req.PackageSize
		}
		msg := domain.JobMessage{
			JobID:       req.JobID,
			CustomerID:  req.CustomerID,
			PackageSize: size,
			Priority:    string(priorityFromTier(req.Priority)),
			Source:      "api",
			Metadata:    req.Metadata,
		}
		msgID, err := s.Queue.Enqueue(r.Context(), msg)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, errorEnvelope{Error: apiError{
				Code:    "ENQUEUE_FAILED",
				Message: err.Error(),
			}})
			return
		}
		writeJSON(w, http.StatusOK, enqueueResponse{
			JobID:         req.JobID,
			MessageID:     msgID,
			QueueProvider: "redpanda",
			QueueURL:      s.Cfg.QueueURL,
			Status:        "queued",
		})
	}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// HealthHandler reports queue reachability, environment, and whether any
// API credential is configured. Degraded means callable but impaired;
// unhealthy means the queue is unreachable.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"environment": s.Cfg.AppEnv,
			"auth":        "configured",
		}
		status := "healthy"
		if !s.Cfg.AuthConfigured() {
			checks["auth"] = "not_configured"
			status = "degraded"
		}
		checks["queue"] = "ok"
		if s.QueueCheck == nil {
			checks["queue"] = "not_configured"
			status = "degraded"
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := s.QueueCheck(ctx); err != nil {
				checks["queue"] = "unreachable"
				status = "unhealthy"
			}
		}
		code := http.StatusOK
		if status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, healthResponse{
			Status:    status,
			Checks:    checks,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}
