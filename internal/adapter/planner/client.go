// Package planner is the HTTP client for the external plan provider. It
// fetches the browser-action recipe for one (directory, business) pair
// and validates the schema; it never interprets the plan beyond that.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"

	"github.com/listflow/dirsubmit/internal/domain"
)

// Client talks to the planner service over HTTP.
type Client struct {
	http        *resty.Client
	baseURL     string
	timeout     time.Duration
	maxAttempts uint64
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout overrides the default 30s per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxAttempts overrides the default 3 attempts.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = uint64(n)
		}
	}
}

// NewClient constructs a planner client against baseURL. Transport
// retries are handled here with exponential backoff and jitter; the
// caller only ever sees the final verdict.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		http:        resty.New(),
		baseURL:     baseURL,
		timeout:     30 * time.Second,
		maxAttempts: 3,
	}
	for _, o := range opts {
		o(c)
	}
	c.http.SetTimeout(c.timeout)
	return c
}

// planRequest is the wire request of POST /v1/plans.
type planRequest struct {
	Directory string    `json:"directory"`
	Business  planBiz   `json:"business"`
	Hints     planHints `json:"hints"`
}

type planBiz struct {
	Name        string   `json:"name"`
	Phone       string   `json:"phone"`
	Address     string   `json:"address"`
	City        string   `json:"city"`
	State       string   `json:"state"`
	Zip         string   `json:"zip"`
	Website     string   `json:"website"`
	Email       string   `json:"email"`
	Description string   `json:"description"`
	Categories  []string `json:"categories"`
}

type planHints struct {
	LastKnownFields map[string]string `json:"lastKnownFields,omitempty"`
}

type planResponse struct {
	Plan        []domain.PlanStep `json:"plan"`
	Constraints struct {
		RateLimitMs int    `json:"rateLimitMs"`
		Captcha     string `json:"captcha"`
	} `json:"constraints"`
	IdempotencyFactors map[string]string `json:"idempotency_factors"`
}

// GetPlan fetches the plan for directory. All transport failures across
// the retry budget collapse into domain.ErrPlanUnavailable; HTTP 4xx is
// not retried since the request will not get better.
func (c *Client) GetPlan(ctx context.Context, directory string, business domain.BusinessProfile) (domain.Plan, error) {
	tracer := otel.Tracer("planner")
	ctx, span := tracer.Start(ctx, "Planner.GetPlan")
	defer span.End()

	req := planRequest{
		Directory: directory,
		Business: planBiz{
			Name:        business.Name,
			Phone:       business.Phone,
			Address:     business.Address,
			City:        business.City,
			State:       business.State,
			Zip:         business.Zip,
			Website:     business.Website,
			Email:       business.Email,
			Description: business.Description,
			Categories:  business.Categories,
		},
		Hints: planHints{},
	}

	var out planResponse
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		// ForceContentType so the body is decoded even when the planner
		// omits or mislabels the response Content-Type header.
		resp, err := c.http.R().
			SetContext(callCtx).
			SetHeader("Content-Type", "application/json").
			SetBody(req).
			SetResult(&out).
			ForceContentType("application/json").
			Post(c.baseURL + "/v1/plans")
		if err != nil {
			return fmt.Errorf("post: %w", err)
		}
		if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
			return backoff.Permanent(fmt.Errorf("plan status %d", resp.StatusCode()))
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("plan status %d", resp.StatusCode())
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, c.maxAttempts-1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		slog.Warn("plan fetch failed",
			slog.String("directory", directory),
			slog.Any("error", err))
		return domain.Plan{}, fmt.Errorf("op=planner.get_plan: %w: %v", domain.ErrPlanUnavailable, err)
	}

	plan := domain.Plan{
		Steps:              out.Plan,
		RateLimitMs:        out.Constraints.RateLimitMs,
		Captcha:            out.Constraints.Captcha,
		IdempotencyFactors: out.IdempotencyFactors,
	}
	if err := validatePlan(plan); err != nil {
		return domain.Plan{}, fmt.Errorf("op=planner.get_plan: %w: %v", domain.ErrPlanUnavailable, err)
	}
	return plan, nil
}

// validatePlan checks structural invariants only: known actions and the
// fields each action requires.
func validatePlan(p domain.Plan) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("empty plan")
	}
	for i, s := range p.Steps {
		switch s.Action {
		case domain.ActionGoto:
			if s.URL == "" {
				return fmt.Errorf("step %d: goto without url", i)
			}
		case domain.ActionFill, domain.ActionSelect:
			if s.Selector == "" {
				return fmt.Errorf("step %d: %s without selector", i, s.Action)
			}
		case domain.ActionClick:
			if s.Selector == "" {
				return fmt.Errorf("step %d: click without selector", i)
			}
		case domain.ActionWait:
			if s.Until == "" && s.Seconds <= 0 {
				return fmt.Errorf("step %d: wait without until or seconds", i)
			}
		default:
			return fmt.Errorf("step %d: unknown action %q", i, s.Action)
		}
	}
	return nil
}
