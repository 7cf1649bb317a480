// Package scoring computes lead temperature from weighted behavioral signals.
// Score is a pure function of the lead snapshot and the clock; it holds no
// state and performs no I/O, so every caller that mutates a scoring input
// (creation, status change, interaction logging, sequence sends) re-invokes it
// and persists the result in the same transaction.
package scoring

import (
	"math"
	"time"
)

// scoreVersion tracks the scoring model for debugging and analysis.
// Bump this when changing scoring logic significantly.
const Version = "2026-v1"

// Temperature is the hot/warm/cold classification derived from the score.
type Temperature string

const (
	TemperatureHot  Temperature = "hot"
	TemperatureWarm Temperature = "warm"
	TemperatureCold Temperature = "cold"
)

// Thresholds for the final temperature mapping.
const (
	hotThreshold  = 50
	warmThreshold = 25
)

// Snapshot carries the scoring inputs of a single lead. Optional signals are
// pointers; a nil pointer contributes zero points.
type Snapshot struct {
	Status          string
	EstimatedValue  *float64
	CreatedAt       time.Time
	FollowUpCount   int
	Email           *string
	Phone           *string
	LastContactedAt *time.Time
}

// Score classifies the lead. now is injected so repeated calls over the same
// snapshot are deterministic.
func Score(s Snapshot, now time.Time) Temperature {
	total, _ := Total(s, now)
	switch {
	case total >= hotThreshold:
		return TemperatureHot
	case total >= warmThreshold:
		return TemperatureWarm
	default:
		return TemperatureCold
	}
}

// Total returns the additive point total plus the per-factor breakdown that
// gets persisted alongside the lead for operator debugging.
func Total(s Snapshot, now time.Time) (int, map[string]float64) {
	score := 0.0
	factors := map[string]float64{}

	// Lifecycle status: where the lead sits in the funnel.
	score += addFactor(factors, "status", scoreStatus(s.Status))

	// Deal size: highest matching tier only, never cumulative.
	score += addFactor(factors, "estimated_value", scoreEstimatedValue(s.EstimatedValue))

	// Creation recency: fresh leads convert best; 14-30 days is a neutral zone.
	score += addFactor(factors, "lead_age", scoreLeadAge(s.CreatedAt, now))

	// Follow-up activity: touches already made against this lead.
	score += addFactor(factors, "follow_up", scoreFollowUps(s.FollowUpCount))

	// Contact completeness: reachable on more channels scores higher.
	score += addFactor(factors, "contact_info", scoreContactInfo(s.Email, s.Phone))

	// Last-contact recency: only contributes once contact has happened.
	score += addFactor(factors, "last_contact", scoreLastContact(s.LastContactedAt, now))

	return int(math.Round(score)), factors
}

func addFactor(factors map[string]float64, key string, value float64) float64 {
	if math.Abs(value) < 0.01 {
		return 0
	}
	factors[key] = value
	return value
}

func scoreStatus(status string) float64 {
	switch status {
	case "quoted":
		return 30
	case "contacted", "in_progress":
		return 20
	case "new":
		return 10
	case "nurturing":
		return 5
	case "lost":
		return -10
	default:
		// booked/converted and unknown statuses are neutral
		return 0
	}
}

func scoreEstimatedValue(value *float64) float64 {
	if value == nil {
		return 0
	}
	switch {
	case *value >= 1000:
		return 25
	case *value >= 500:
		return 15
	case *value >= 100:
		return 5
	default:
		return 0
	}
}

func scoreLeadAge(createdAt time.Time, now time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	days := now.Sub(createdAt).Hours() / 24
	switch {
	case days <= 1:
		return 20
	case days <= 3:
		return 15
	case days <= 7:
		return 10
	case days <= 14:
		return 5
	case days > 30:
		return -10
	default:
		// 14-30 days: neutral zone
		return 0
	}
}

func scoreFollowUps(count int) float64 {
	switch {
	case count >= 3:
		return 15
	case count >= 2:
		return 10
	case count == 1:
		return 5
	default:
		return 0
	}
}

func scoreContactInfo(email *string, phone *string) float64 {
	hasEmail := email != nil && *email != ""
	hasPhone := phone != nil && *phone != ""
	switch {
	case hasEmail && hasPhone:
		return 10
	case hasEmail || hasPhone:
		return 5
	default:
		return 0
	}
}

func scoreLastContact(lastContactedAt *time.Time, now time.Time) float64 {
	if lastContactedAt == nil || lastContactedAt.IsZero() {
		return 0
	}
	days := now.Sub(*lastContactedAt).Hours() / 24
	switch {
	case days <= 1:
		return 15
	case days <= 3:
		return 10
	case days > 14:
		return -5
	default:
		return 0
	}
}
