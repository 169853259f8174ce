package common

import "testing"

func TestStepRankOrdering(t *testing.T) {
	prev := -1
	for _, name := range StepOrder {
		rank := StepRank(name)
		if rank <= prev {
			t.Fatalf("step %q rank %d not increasing (prev %d)", name, rank, prev)
		}
		prev = rank
	}
}

func TestStepRankUnknown(t *testing.T) {
	if rank := StepRank("deploy"); rank != -1 {
		t.Errorf("expected -1 for unknown step, got %d", rank)
	}
}

func TestIsStep(t *testing.T) {
	for _, name := range StepOrder {
		if !IsStep(name) {
			t.Errorf("expected %q to be a known step", name)
		}
	}
	if IsStep("") || IsStep("Discover") {
		t.Error("unexpected step name accepted")
	}
}

func TestGuestStepsAreKnown(t *testing.T) {
	for _, name := range GuestSteps {
		if !IsStep(name) {
			t.Errorf("guest step %q is not a known step", name)
		}
	}
}
