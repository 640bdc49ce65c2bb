package checkpoint

import "testing"

func TestCanTransitionHappyPath(t *testing.T) {
	steps := []struct{ from, to Status }{
		{StatusPending, StatusSubmitted},
		{StatusSubmitted, StatusClaimable},
		{StatusClaimable, StatusPaid},
	}
	for _, s := range steps {
		if !CanTransition(s.from, s.to) {
			t.Fatalf("expected %s -> %s to be legal", s.from, s.to)
		}
	}
}

func TestCanTransitionRejectsSkipsAndReversals(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{StatusPending, StatusClaimable},
		{StatusPending, StatusPaid},
		{StatusSubmitted, StatusPending},
		{StatusPaid, StatusPending},
		{StatusPaid, StatusSubmitted},
	}
	for _, s := range illegal {
		if CanTransition(s.from, s.to) {
			t.Fatalf("expected %s -> %s to be illegal", s.from, s.to)
		}
	}
}
