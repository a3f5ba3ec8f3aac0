package workflow

import (
	"testing"
	"time"

	"github.com/bhavdeep98/contd.ai/workflow/store"
)

func TestNewEngineDefaults(t *testing.T) {
	eng, err := NewEngine(store.NewMemStore())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if eng.snapshotEvery != DefaultSnapshotEvery {
		t.Errorf("expected snapshot cadence %d, got %d", DefaultSnapshotEvery, eng.snapshotEvery)
	}
	if eng.leaseTTL != DefaultLeaseTTL {
		t.Errorf("expected lease TTL %v, got %v", DefaultLeaseTTL, eng.leaseTTL)
	}
	if eng.inlineThreshold != DefaultInlineThreshold {
		t.Errorf("expected inline threshold %d, got %d", DefaultInlineThreshold, eng.inlineThreshold)
	}
	if eng.ExecutorID() == "" {
		t.Error("expected a generated executor id")
	}
}

func TestNewEngineRequiresStore(t *testing.T) {
	if _, err := NewEngine(nil); err == nil {
		t.Fatal("expected nil store to fail")
	}
}

func TestInvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero snapshot cadence", WithSnapshotEvery(0)},
		{"negative lease ttl", WithLeaseTTL(-time.Second)},
		{"negative inline threshold", WithInlineThreshold(-1)},
		{"nil emitter", WithEmitter(nil)},
		{"nil blob store", WithBlobStore(nil)},
		{"empty producer version", WithProducerVersion("")},
		{"empty executor id", WithExecutorID("")},
		{"negative step timeout", WithDefaultStepTimeout(-time.Second)},
		{"bad retry policy", WithDefaultRetryPolicy(RetryPolicy{MaxAttempts: 0})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(store.NewMemStore(), tt.opt); err == nil {
				t.Errorf("expected option to be rejected")
			}
		})
	}
}
