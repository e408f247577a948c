package dispute

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusOpen, StatusInProgress},
		{StatusOpen, StatusEscalated},
		{StatusOpen, StatusResolved},
		{StatusInProgress, StatusEscalated},
		{StatusInProgress, StatusResolved},
		{StatusEscalated, StatusResolved},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusEscalated, StatusEscalated},
		{StatusEscalated, StatusInProgress},
		{StatusResolved, StatusOpen},
		{StatusResolved, StatusResolved},
		{StatusInProgress, StatusOpen},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}
