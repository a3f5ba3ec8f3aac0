package workflow

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/bhavdeep98/contd.ai/workflow/emit"
	"github.com/bhavdeep98/contd.ai/workflow/store"
)

// Default engine parameters, overridable through options.
const (
	// DefaultSnapshotEvery is the snapshot cadence in committed steps.
	DefaultSnapshotEvery = 5

	// DefaultLeaseTTL is the lease time-to-live. Heartbeats run at a
	// third of this interval.
	DefaultLeaseTTL = 30 * time.Second

	// DefaultInlineThreshold is the largest state encoding stored inline
	// in a snapshot row. Larger states go to the blob store.
	DefaultInlineThreshold = 100 * 1024
)

// producerVersion identifies this engine build in journal events.
const producerVersion = "contd-go/0.1.0"

// Func is a workflow body. It is re-executed from the top on every start
// and resume; durability comes from routing all side effects through
// ExecutionContext.Step, which skips work that already committed.
//
// Example:
//
//	func pipeline(wf *workflow.ExecutionContext) error {
//	    fetched, err := wf.Step("fetch", fetchStep)
//	    if err != nil {
//	        return err
//	    }
//	    _, err = wf.Step("process", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
//	        return process(ctx, fetched.Output)
//	    })
//	    return err
//	}
type Func func(wf *ExecutionContext) error

// Engine executes workflows against a durable store. It journals every
// step, snapshots state on a cadence, holds a fenced lease for the
// duration of each execution, and rebuilds state deterministically on
// resume.
//
// An Engine is safe for concurrent use; each Start or Resume runs
// independently under its own lease.
type Engine struct {
	store   store.Store
	blobs   store.Blobs
	emitter emit.Emitter
	metrics *Metrics

	snapshotEvery      int
	leaseTTL           time.Duration
	inlineThreshold    int
	defaultRetry       RetryPolicy
	defaultStepTimeout time.Duration
	producer           string
	executorID         string
}

// NewEngine creates an engine backed by st. Options override the
// defaults; an invalid option fails construction.
//
// Example:
//
//	st, err := store.NewSQLiteStore("contd.db")
//	if err != nil {
//	    return err
//	}
//	eng, err := workflow.NewEngine(st,
//	    workflow.WithSnapshotEvery(10),
//	    workflow.WithLeaseTTL(time.Minute),
//	    workflow.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	)
func NewEngine(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("engine: store is required")
	}

	e := &Engine{
		store:           st,
		blobs:           store.NewMemBlobStore(),
		emitter:         &emit.NullEmitter{},
		snapshotEvery:   DefaultSnapshotEvery,
		leaseTTL:        DefaultLeaseTTL,
		inlineThreshold: DefaultInlineThreshold,
		defaultRetry:    DefaultRetryPolicy(),
		producer:        producerVersion,
		executorID:      newExecutorID(),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// ExecutorID returns the identity this engine uses as lease owner.
func (e *Engine) ExecutorID() string {
	return e.executorID
}

// Store returns the backing store.
func (e *Engine) Store() store.Store {
	return e.store
}

// newExecutorID builds a host-scoped unique owner identity for leases.
func newExecutorID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()[:8]
}
