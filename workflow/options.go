package workflow

import (
	"fmt"
	"time"

	"github.com/bhavdeep98/contd.ai/workflow/emit"
	"github.com/bhavdeep98/contd.ai/workflow/store"
)

// Option configures an Engine during construction.
type Option func(*Engine) error

// WithSnapshotEvery sets the snapshot cadence in committed steps. A
// snapshot is written after every n-th checkpointing step.
func WithSnapshotEvery(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return fmt.Errorf("snapshot cadence must be at least 1, got %d", n)
		}
		e.snapshotEvery = n
		return nil
	}
}

// WithLeaseTTL sets the lease time-to-live. Heartbeats run at a third of
// the TTL, so very small values leave little slack for store latency.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) error {
		if ttl <= 0 {
			return fmt.Errorf("lease TTL must be positive, got %v", ttl)
		}
		e.leaseTTL = ttl
		return nil
	}
}

// WithInlineThreshold sets the largest state encoding, in bytes, stored
// inline in a snapshot row. Larger encodings go to the blob store.
func WithInlineThreshold(bytes int) Option {
	return func(e *Engine) error {
		if bytes < 0 {
			return fmt.Errorf("inline threshold must be non-negative, got %d", bytes)
		}
		e.inlineThreshold = bytes
		return nil
	}
}

// WithEmitter sets the execution event emitter. The default discards
// everything.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) error {
		if em == nil {
			return fmt.Errorf("emitter must not be nil")
		}
		e.emitter = em
		return nil
	}
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithBlobStore sets the store for state encodings above the inline
// threshold and for step results. The default keeps blobs in memory,
// which does not survive a process restart; production engines should
// pass a filesystem or object-backed store.
func WithBlobStore(b store.Blobs) Option {
	return func(e *Engine) error {
		if b == nil {
			return fmt.Errorf("blob store must not be nil")
		}
		e.blobs = b
		return nil
	}
}

// WithDefaultRetryPolicy sets the retry policy used by steps that do not
// override it.
func WithDefaultRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) error {
		if err := p.validate(); err != nil {
			return err
		}
		e.defaultRetry = p
		return nil
	}
}

// WithDefaultStepTimeout bounds step attempts that do not set their own
// timeout. Zero, the default, leaves such attempts unbounded.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return fmt.Errorf("default step timeout must be non-negative, got %v", d)
		}
		e.defaultStepTimeout = d
		return nil
	}
}

// WithProducerVersion overrides the producer version recorded in journal
// events.
func WithProducerVersion(v string) Option {
	return func(e *Engine) error {
		if v == "" {
			return fmt.Errorf("producer version must not be empty")
		}
		e.producer = v
		return nil
	}
}

// WithExecutorID overrides the generated lease owner identity. Useful in
// tests that assert on lease ownership.
func WithExecutorID(id string) Option {
	return func(e *Engine) error {
		if id == "" {
			return fmt.Errorf("executor id must not be empty")
		}
		e.executorID = id
		return nil
	}
}
