// Package state defines the workflow state model and the deterministic
// delta representation used by step_completed events.
package state

import (
	"fmt"
	"time"

	"github.com/bhavdeep98/contd.ai/workflow/codec"
)

// SchemaVersion is the current workflow state schema version.
const SchemaVersion = "1.0"

// WorkflowState is the accumulated state of a workflow.
//
// Variables holds the user-visible key/value state merged step by step.
// Metadata holds workflow name, start time, and tags. The Checksum field is
// authoritative: every mutation recomputes it before the state is persisted
// or compared, and recovery fails closed when it does not verify.
type WorkflowState struct {
	WorkflowID string         `json:"workflow_id"`
	StepNumber int            `json:"step_number"`
	Variables  map[string]any `json:"variables"`
	Metadata   map[string]any `json:"metadata"`
	Version    string         `json:"version"`
	Checksum   string         `json:"checksum"`
	OrgID      string         `json:"org_id"`
}

// NewInitial constructs the empty initial state for a workflow with its
// checksum already computed.
func NewInitial(workflowID, orgID, workflowName string, tags map[string]string) (*WorkflowState, error) {
	md := map[string]any{
		"workflow_name": workflowName,
		"started_at":    time.Now().UTC().Format(time.RFC3339),
	}
	if len(tags) > 0 {
		md["tags"] = tags
	}

	s := &WorkflowState{
		WorkflowID: workflowID,
		StepNumber: 0,
		Variables:  map[string]any{},
		Metadata:   md,
		Version:    SchemaVersion,
		OrgID:      orgID,
	}
	if err := s.Reseal(); err != nil {
		return nil, err
	}
	return s, nil
}

// Clone returns a deep copy of the state. The copy is produced by a canonical
// encode/decode round trip, so Variables and Metadata end up in the
// normalized form checksums are computed over.
func (s *WorkflowState) Clone() (*WorkflowState, error) {
	data, err := codec.Canonical(s)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	return Decode(data)
}

// Reseal recomputes the checksum from the canonical encoding of the state
// with the Checksum field cleared.
func (s *WorkflowState) Reseal() error {
	sum, err := s.computeChecksum()
	if err != nil {
		return err
	}
	s.Checksum = sum
	return nil
}

// VerifyChecksum reports whether the stored checksum matches a fresh
// computation. An empty stored checksum never verifies.
func (s *WorkflowState) VerifyChecksum() bool {
	if s.Checksum == "" {
		return false
	}
	sum, err := s.computeChecksum()
	if err != nil {
		return false
	}
	return sum == s.Checksum
}

func (s *WorkflowState) computeChecksum() (string, error) {
	shadow := *s
	shadow.Checksum = ""
	sum, err := codec.Checksum(&shadow)
	if err != nil {
		return "", fmt.Errorf("state checksum: %w", err)
	}
	return sum, nil
}

// Encode returns the canonical encoding of the state. This is the form
// snapshots persist and checksum against.
func (s *WorkflowState) Encode() ([]byte, error) {
	return codec.Canonical(s)
}

// Decode parses a state previously produced by Encode.
func Decode(data []byte) (*WorkflowState, error) {
	var s WorkflowState
	if err := decodeJSON(data, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	return &s, nil
}

// Next returns a copy of the state with result merged into Variables, the
// step counter advanced, and the checksum recomputed. A nil result value
// removes the key. The receiver is not modified.
func (s *WorkflowState) Next(result map[string]any) (*WorkflowState, error) {
	next, err := s.Clone()
	if err != nil {
		return nil, err
	}
	for k, v := range result {
		if v == nil {
			delete(next.Variables, k)
			continue
		}
		next.Variables[k] = v
	}
	next.StepNumber = s.StepNumber + 1
	if err := next.Reseal(); err != nil {
		return nil, err
	}
	return next, nil
}
