package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"forward through funnel", StatusNew, StatusInProgress, true},
		{"skip ahead to quoted", StatusNew, StatusQuoted, true},
		{"quoted to booked", StatusQuoted, StatusBooked, true},
		{"any active to lost", StatusInProgress, StatusLost, true},
		{"backwards is rejected", StatusQuoted, StatusNew, false},
		{"same status is rejected", StatusQuoted, StatusQuoted, false},
		{"booked is terminal", StatusBooked, StatusNurturing, false},
		{"lost is terminal", StatusLost, StatusNew, false},
		{"nurturing re-entry from quoted", StatusQuoted, StatusNurturing, true},
		{"nurturing re-entry from in_progress", StatusInProgress, StatusNurturing, true},
		{"nurturing moves forward again", StatusNurturing, StatusQuoted, true},
		{"unknown source status", "archived", StatusNew, false},
		{"unknown target status", StatusNew, "archived", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanTransition(tc.from, tc.to); got != tc.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{StatusNew, StatusInProgress, StatusQuoted, StatusNurturing} {
		if IsTerminal(status) {
			t.Fatalf("%s should not be terminal", status)
		}
	}
	for _, status := range []string{StatusBooked, StatusLost} {
		if !IsTerminal(status) {
			t.Fatalf("%s should be terminal", status)
		}
	}
}
