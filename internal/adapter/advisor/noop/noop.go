// Package noop provides pass-through implementations of the optional AI
// advisor ports. Every advisor is best-effort by contract, so the no-op
// variants simply leave inputs untouched; they are the default wiring
// when no AI backend is configured.
package noop

import (
	"context"

	"github.com/listflow/dirsubmit/internal/domain"
)

type FormMapper struct{}

// MapFields returns no mapping: the executor keeps the plan as given.
func (FormMapper) MapFields(_ context.Context, _, _ string, _ domain.BusinessProfile) (map[string]string, error) {
	return nil, nil
}

type ContentRewriter struct{}

// Rewrite returns the description unchanged.
func (ContentRewriter) Rewrite(_ context.Context, _, description string) (string, error) {
	return description, nil
}

type RetryAdvisor struct{}

// Analyze offers no advice.
func (RetryAdvisor) Analyze(_ context.Context, _ string, _ error) (string, error) {
	return "", nil
}

type SuccessPredictor struct{}

// Rank preserves the input order.
func (SuccessPredictor) Rank(_ context.Context, _ string, directories []string) ([]string, error) {
	return directories, nil
}

type VariantAssigner struct{}

// Assign always picks the control variant.
func (VariantAssigner) Assign(_ context.Context, _, _ string) (string, error) {
	return "control", nil
}
