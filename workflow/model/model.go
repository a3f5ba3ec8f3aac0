// Package model wraps LLM provider SDKs behind a single completion
// interface for use inside workflow steps. Provider failures are
// translated into the engine's error kinds, so transient conditions
// (rate limits, overload, network) retry under the step's retry policy
// while authentication and quota failures surface immediately.
package model

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/bhavdeep98/contd.ai/workflow"
)

// DefaultMaxTokens bounds responses when a request does not set its own.
const DefaultMaxTokens = 4096

// Request is a single completion request.
type Request struct {
	// Prompt is the user prompt.
	Prompt string

	// MaxTokens caps the response length. Zero uses DefaultMaxTokens.
	MaxTokens int64
}

// Response is a completion result.
type Response struct {
	// Text is the model's text output.
	Text string

	// InputTokens and OutputTokens report usage when the provider
	// supplies it.
	InputTokens  int
	OutputTokens int
}

// Client is a provider-neutral completion client. Implementations are
// safe for concurrent use.
type Client interface {
	// Complete sends one completion request. Transient failures come
	// back tagged with a retryable error kind.
	Complete(ctx context.Context, req Request) (Response, error)

	// Name identifies the provider ("anthropic", "openai", "google",
	// "mock").
	Name() string
}

// classifyErr translates a provider error into the engine's error kinds.
// SDKs surface HTTP status and condition through error text, so matching
// follows the wire vocabulary the providers share.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return workflow.Kinded(workflow.KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "api key") ||
		strings.Contains(msg, "api_key"):
		// Permanent: retrying cannot help.
		return err
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return err
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") || strings.Contains(msg, "too many requests"):
		return workflow.Kinded(workflow.KindConnectionError, err)
	case strings.Contains(msg, "529") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "unavailable"):
		return workflow.Kinded(workflow.KindConnectionError, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return workflow.Kinded(workflow.KindTimeout, err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "eof"):
		return workflow.Kinded(workflow.KindConnectionError, err)
	}
	return err
}

// MockClient is a scripted Client for tests and offline examples. Each
// call pops the next response; when the script runs out, the last entry
// repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	calls     []Request
}

// NewMockClient scripts the given responses in order.
func NewMockClient(responses ...Response) *MockClient {
	return &MockClient{responses: responses}
}

// FailWith queues err before the scripted responses, one failure per
// call. Useful for exercising retry paths.
func (m *MockClient) FailWith(errs ...error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

func (m *MockClient) Complete(_ context.Context, req Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return Response{}, classifyErr(err)
	}
	if len(m.responses) == 0 {
		return Response{}, errors.New("mock client has no scripted responses")
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

func (m *MockClient) Name() string { return "mock" }

// Calls returns every request seen so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
