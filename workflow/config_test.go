package workflow

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var errAny = errors.New("boom")

func wrapTimeout() error {
	return fmt.Errorf("%w after 5s: %v", ErrStepTimeout, errAny)
}

func wrapCancelled() error {
	return fmt.Errorf("%w: %v", ErrStepCancelled, errAny)
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", p.MaxAttempts)
	}
	if !p.Retryable(KindTimeout) || !p.Retryable(KindConnectionError) {
		t.Error("expected timeouts and connection errors to be retryable")
	}
	if p.Retryable(KindExecution) {
		t.Error("execution errors must not be retryable by default")
	}
	if p.Retryable(KindCancelled) {
		t.Error("cancellation must never be retryable")
	}
}

func TestRetryableEmptyKinds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2}
	if !p.Retryable(KindExecution) {
		t.Error("empty kind list should retry everything")
	}
	if p.Retryable(KindCancelled) {
		t.Error("cancellation must never be retryable, even with an empty kind list")
	}
}

func TestBackoffBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BackoffBase: 2, BackoffMax: 10, BackoffJitter: 0.5}

	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 1 * time.Second, 2 * time.Second},
		{2, 2 * time.Second, 4 * time.Second},
		{3, 4 * time.Second, 8 * time.Second},
		// 2 * 2^3 = 16, capped at 10.
		{4, 5 * time.Second, 10 * time.Second},
		{10, 5 * time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := p.Backoff(tt.attempt)
			if d < tt.min || d > tt.max {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}

func TestBackoffNoJitterIsDeterministic(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BackoffBase: 1, BackoffMax: 60}
	if d := p.Backoff(3); d != 4*time.Second {
		t.Errorf("expected 4s for attempt 3, got %v", d)
	}
}

func TestWorkflowConfigValidate(t *testing.T) {
	cfg := WorkflowConfig{}
	if err := cfg.validate(); err == nil {
		t.Error("expected missing workflow name to fail validation")
	}

	cfg = WorkflowConfig{WorkflowName: "ok", Retry: &RetryPolicy{MaxAttempts: 0}}
	if err := cfg.validate(); err == nil {
		t.Error("expected zero max attempts to fail validation")
	}

	cfg = WorkflowConfig{WorkflowName: "ok", Retry: &RetryPolicy{MaxAttempts: 1, BackoffJitter: 2}}
	if err := cfg.validate(); err == nil {
		t.Error("expected out-of-range jitter to fail validation")
	}
}

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"explicit kind", Kinded(KindConnectionError, errAny), KindConnectionError},
		{"timeout sentinel", wrapTimeout(), KindTimeout},
		{"cancelled sentinel", wrapCancelled(), KindCancelled},
		{"plain error", errAny, KindExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorKind(tt.err); got != tt.want {
				t.Errorf("errorKind() = %q, want %q", got, tt.want)
			}
		})
	}
}
