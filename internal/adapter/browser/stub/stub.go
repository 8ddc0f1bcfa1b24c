// Package stub provides a deterministic in-memory browser driver. It is
// the default driver in dev and test environments: no real pages are
// loaded, every action is recorded, and the final page content reports a
// submission confirmation so the executor's happy path is exercisable
// end to end without a browser.
package stub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/listflow/dirsubmit/internal/domain"
)

// Driver implements domain.BrowserDriver.
type Driver struct {
	// FailSelector, when set, makes any action targeting it fail. Lets
	// tests and dev runs exercise the failure path.
	FailSelector string
	// FinalContent overrides the confirmation page body.
	FinalContent string
	// ActionDelay simulates page latency per action.
	ActionDelay time.Duration
}

// NewDriver returns a stub driver with confirmation-page defaults.
func NewDriver() *Driver {
	return &Driver{}
}

func (d *Driver) NewSession(_ context.Context) (domain.BrowserSession, error) {
	return &session{driver: d}, nil
}

// session records every action taken against it.
type session struct {
	driver *Driver

	mu      sync.Mutex
	actions []string
	url     string
	filled  map[string]string
	closed  bool
}

func (s *session) step(ctx context.Context, selector, action string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if s.driver.ActionDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.driver.ActionDelay):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	if s.driver.FailSelector != "" && selector == s.driver.FailSelector {
		return fmt.Errorf("element %s not found", selector)
	}
	s.actions = append(s.actions, action)
	return nil
}

func (s *session) Navigate(ctx context.Context, url string) error {
	if err := s.step(ctx, "", "goto "+url); err != nil {
		return err
	}
	s.mu.Lock()
	s.url = url
	s.mu.Unlock()
	return nil
}

func (s *session) Fill(ctx context.Context, selector, value string) error {
	if err := s.step(ctx, selector, "fill "+selector); err != nil {
		return err
	}
	s.mu.Lock()
	if s.filled == nil {
		s.filled = make(map[string]string)
	}
	s.filled[selector] = value
	s.mu.Unlock()
	return nil
}

func (s *session) Click(ctx context.Context, selector string) error {
	return s.step(ctx, selector, "click "+selector)
}

func (s *session) SelectOption(ctx context.Context, selector, value string) error {
	return s.step(ctx, selector, fmt.Sprintf("select %s=%s", selector, value))
}

func (s *session) WaitVisible(ctx context.Context, selector string, _ time.Duration) error {
	return s.step(ctx, selector, "wait "+selector)
}

// Content renders a synthetic confirmation page listing the recorded
// actions. Contains "thank you" so the success heuristic matches.
func (s *session) Content(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver.FinalContent != "" {
		return s.driver.FinalContent, nil
	}
	var b strings.Builder
	b.WriteString("<html><body><h1>Thank you, your submission was received.</h1><ul>")
	for _, a := range s.actions {
		b.WriteString("<li>")
		b.WriteString(a)
		b.WriteString("</li>")
	}
	b.WriteString("</ul></body></html>")
	return b.String(), nil
}

func (s *session) CurrentURL(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.url == "" {
		return "about:blank", nil
	}
	return s.url + "/confirmation", nil
}

// Screenshot returns a tiny fixed PNG payload.
func (s *session) Screenshot(_ context.Context) ([]byte, error) {
	return []byte("\x89PNG\r\n\x1a\nstub"), nil
}

func (s *session) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	slog.Debug("stub browser session closed", slog.Int("actions", len(s.actions)))
	return nil
}
