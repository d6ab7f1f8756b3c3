package queue

import "testing"

func TestMarshalUnmarshal(t *testing.T) {
	j := NewJob("id", "comfyui", 80, []byte(`{"x":1}`))
	s, err := j.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	j2, err := UnmarshalJob(s)
	if err != nil {
		t.Fatal(err)
	}
	if j2.ID != j.ID || j2.ServiceRequired != j.ServiceRequired || j2.Priority != j.Priority {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", j, j2)
	}
}

func TestValidate(t *testing.T) {
	j := NewJob("id", "", 10, nil)
	if err := j.Validate(); err == nil {
		t.Fatal("expected error for missing service_required")
	}

	j2 := NewJob("id2", "comfyui", 150, nil)
	if err := j2.Validate(); err == nil {
		t.Fatal("expected error for out-of-range priority")
	}

	j3 := NewJob("id3", "comfyui", 50, nil)
	if err := j3.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusQueued, StatusAssigned, StatusAccepted, StatusInProgress}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}
