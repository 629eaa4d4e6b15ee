package core

import "testing"

func TestReviewCycleOnFixCompleteIsObservablyPendingReview(t *testing.T) {
	rc := NewReviewCycle("r1", 1, DefaultReviewChain())
	rc.Status = ReviewCycleStatusFixing

	rc.OnFixComplete()
	if rc.Status != ReviewCycleStatusPendingReview {
		t.Fatalf("expected pending-review after OnFixComplete, got %s", rc.Status)
	}

	rc.OnReviewerSpawned()
	if rc.Status != ReviewCycleStatusPending {
		t.Fatalf("expected pending after OnReviewerSpawned, got %s", rc.Status)
	}
}
