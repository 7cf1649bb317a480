package scoring

import (
	"testing"
	"time"
)

func ptrF(v float64) *float64 { return &v }
func ptrS(v string) *string   { return &v }
func ptrT(v time.Time) *time.Time {
	return &v
}

func TestScore_FreshHighValueLeadIsHot(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Status:         "new",
		EstimatedValue: ptrF(1500),
		CreatedAt:      now.Add(-2 * time.Hour),
		Email:          ptrS("jan@example.com"),
		Phone:          ptrS("+31612345678"),
	}

	// status new (10) + value >= 1000 (25) + age <= 1d (20) + both contacts (10) = 65
	total, factors := Total(snap, now)
	if total != 65 {
		t.Fatalf("expected total 65, got %d", total)
	}
	if got := Score(snap, now); got != TemperatureHot {
		t.Fatalf("expected hot, got %s", got)
	}
	if factors["estimated_value"] != 25 {
		t.Fatalf("expected estimated_value factor 25, got %v", factors["estimated_value"])
	}
	if _, ok := factors["follow_up"]; ok {
		t.Fatalf("zero-point factor should not be recorded")
	}
}

func TestScore_NewLeadWithPhoneOnly(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Status:         "new",
		EstimatedValue: ptrF(1200),
		CreatedAt:      now.Add(-6 * time.Hour),
		Phone:          ptrS("+31612345678"),
	}

	// new (10) + value >= 1000 (25) + age <= 1d (20) + one channel (5) = 60
	total, _ := Total(snap, now)
	if total != 60 {
		t.Fatalf("expected total 60, got %d", total)
	}
	if got := Score(snap, now); got != TemperatureHot {
		t.Fatalf("expected hot, got %s", got)
	}
}

func TestScore_StaleUncontactedLeadIsCold(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	last := now.Add(-20 * 24 * time.Hour)
	snap := Snapshot{
		Status:          "nurturing",
		CreatedAt:       now.Add(-45 * 24 * time.Hour),
		Email:           ptrS("jan@example.com"),
		LastContactedAt: ptrT(last),
	}

	// nurturing (5) + age > 30d (-10) + one contact channel (5) + last contact > 14d (-5) = -5
	total, _ := Total(snap, now)
	if total != -5 {
		t.Fatalf("expected total -5, got %d", total)
	}
	if got := Score(snap, now); got != TemperatureCold {
		t.Fatalf("expected cold, got %s", got)
	}
}

func TestScore_Deterministic(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Status:         "quoted",
		EstimatedValue: ptrF(800),
		CreatedAt:      now.Add(-2 * 24 * time.Hour),
		FollowUpCount:  2,
		Phone:          ptrS("+31612345678"),
	}

	first, _ := Total(snap, now)
	for i := 0; i < 10; i++ {
		again, _ := Total(snap, now)
		if again != first {
			t.Fatalf("score changed between calls: %d vs %d", first, again)
		}
	}
}

func TestScore_FollowUpsNeverLowerScore(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	base := Snapshot{
		Status:    "in_progress",
		CreatedAt: now.Add(-5 * 24 * time.Hour),
	}

	prev := -1 << 30
	for count := 0; count <= 5; count++ {
		snap := base
		snap.FollowUpCount = count
		total, _ := Total(snap, now)
		if total < prev {
			t.Fatalf("follow-up count %d lowered score: %d < %d", count, total, prev)
		}
		prev = total
	}
}

func TestScore_ThresholdMapping(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		snap Snapshot
		want Temperature
	}{
		{
			// quoted (30) + age <= 1d (20) = 50, exactly at the hot boundary
			name: "exactly 50 is hot",
			snap: Snapshot{Status: "quoted", CreatedAt: now.Add(-time.Hour)},
			want: TemperatureHot,
		},
		{
			// contacted (20) + age <= 7d (10) = 30
			name: "30 is warm",
			snap: Snapshot{Status: "contacted", CreatedAt: now.Add(-5 * 24 * time.Hour)},
			want: TemperatureWarm,
		},
		{
			// contacted (20) + one channel (5) = 25, exactly at the warm boundary
			name: "exactly 25 is warm",
			snap: Snapshot{Status: "contacted", CreatedAt: now.Add(-20 * 24 * time.Hour), Phone: ptrS("+31612345678")},
			want: TemperatureWarm,
		},
		{
			// new (10) + neutral age zone = 10
			name: "below 25 is cold",
			snap: Snapshot{Status: "new", CreatedAt: now.Add(-20 * 24 * time.Hour)},
			want: TemperatureCold,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Score(tc.snap, now); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestScoreEstimatedValue_HighestTierOnly(t *testing.T) {
	tests := []struct {
		value float64
		want  float64
	}{
		{50, 0},
		{100, 5},
		{499, 5},
		{500, 15},
		{999, 15},
		{1000, 25},
		{250000, 25},
	}

	for _, tc := range tests {
		if got := scoreEstimatedValue(&tc.value); got != tc.want {
			t.Fatalf("value %.0f: expected %v, got %v", tc.value, tc.want, got)
		}
	}

	if got := scoreEstimatedValue(nil); got != 0 {
		t.Fatalf("nil value: expected 0, got %v", got)
	}
}

func TestScoreLeadAge_NeutralZone(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		daysAgo float64
		want    float64
	}{
		{0.5, 20},
		{2, 15},
		{6, 10},
		{10, 5},
		{20, 0},
		{29, 0},
		{31, -10},
	}

	for _, tc := range tests {
		createdAt := now.Add(-time.Duration(tc.daysAgo * 24 * float64(time.Hour)))
		if got := scoreLeadAge(createdAt, now); got != tc.want {
			t.Fatalf("%.1f days: expected %v, got %v", tc.daysAgo, tc.want, got)
		}
	}

	if got := scoreLeadAge(time.Time{}, now); got != 0 {
		t.Fatalf("zero createdAt: expected 0, got %v", got)
	}
}

func TestScoreLastContact_OnlyCountsAfterContact(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if got := scoreLastContact(nil, now); got != 0 {
		t.Fatalf("never contacted: expected 0, got %v", got)
	}

	recent := now.Add(-3 * time.Hour)
	if got := scoreLastContact(&recent, now); got != 15 {
		t.Fatalf("contacted today: expected 15, got %v", got)
	}

	stale := now.Add(-15 * 24 * time.Hour)
	if got := scoreLastContact(&stale, now); got != -5 {
		t.Fatalf("contacted 15 days ago: expected -5, got %v", got)
	}
}
