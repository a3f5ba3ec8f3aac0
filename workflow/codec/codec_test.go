package codec

import (
	"bytes"
	"testing"
)

func TestCanonicalSortsMapKeys(t *testing.T) {
	a := map[string]any{"zulu": 1, "alpha": 2, "mike": 3}
	out, err := Canonical(a)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := []byte(`{"alpha":2,"mike":3,"zulu":1}`)
	if !bytes.Equal(out, want) {
		t.Errorf("Canonical output = %s, want %s", out, want)
	}
}

func TestCanonicalStructAndMapAgree(t *testing.T) {
	type payload struct {
		StepID    string `json:"step_id"`
		AttemptID int    `json:"attempt_id"`
	}

	fromStruct, err := Canonical(payload{StepID: "fetch_1", AttemptID: 2})
	if err != nil {
		t.Fatalf("Canonical(struct) failed: %v", err)
	}
	fromMap, err := Canonical(map[string]any{
		"attempt_id": 2,
		"step_id":    "fetch_1",
	})
	if err != nil {
		t.Fatalf("Canonical(map) failed: %v", err)
	}
	if !bytes.Equal(fromStruct, fromMap) {
		t.Errorf("struct encoding %s != map encoding %s", fromStruct, fromMap)
	}
}

func TestCanonicalIntegersKeepForm(t *testing.T) {
	out, err := Canonical(map[string]any{"n": 42})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if string(out) != `{"n":42}` {
		t.Errorf("integer changed form: %s", out)
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	v := map[string]any{
		"variables": map[string]any{"x": 1, "y": "two", "z": []any{1, 2, 3}},
		"metadata":  map[string]any{"workflow_name": "demo"},
	}

	first, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := Canonical(v)
		if err != nil {
			t.Fatalf("Canonical failed on iteration %d: %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("iteration %d produced different bytes: %s vs %s", i, first, again)
		}
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	v := map[string]any{"x": 1, "y": "two"}

	sum, err := Checksum(v)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if len(sum) != 64 {
		t.Errorf("checksum length = %d, want 64 hex chars", len(sum))
	}
	if !Verify(v, sum) {
		t.Error("Verify rejected its own checksum")
	}
}

func TestChecksumDetectsMutation(t *testing.T) {
	v := map[string]any{"x": 1, "y": "two"}
	sum, err := Checksum(v)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}

	mutations := []map[string]any{
		{"x": 2, "y": "two"},
		{"x": 1, "y": "Two"},
		{"x": 1},
		{"x": 1, "y": "two", "extra": true},
	}
	for _, m := range mutations {
		if Verify(m, sum) {
			t.Errorf("Verify accepted mutated value %v", m)
		}
	}
}

func TestChecksumUnserializable(t *testing.T) {
	if _, err := Checksum(make(chan int)); err == nil {
		t.Error("expected error for unserializable value")
	}
	if Verify(make(chan int), "") {
		t.Error("Verify must fail closed on encoding errors")
	}
}
