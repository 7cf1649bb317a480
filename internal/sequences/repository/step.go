package repository

import "time"

// Step types as stored in sequence_steps.step_type.
const (
	StepWait         = "wait"
	StepSendSMS      = "send_sms"
	StepSendEmail    = "send_email"
	StepCondition    = "condition"
	StepAddTag       = "add_tag"
	StepChangeStatus = "change_status"
	StepNotifyUser   = "notify_user"
)

// Kind is the closed classification the executor dispatches on. Each stored
// step_type resolves to exactly one kind, once, before execution.
type Kind int

const (
	// KindWait gates on elapsed time since enrollment and produces no
	// execution record.
	KindWait Kind = iota
	// KindMessage sends over a channel and is gated by the execution record.
	KindMessage
	// KindAction is a pass-through side effect; always due.
	KindAction
)

// Kind resolves the stored step_type to its executor variant. Unrecognized
// types fall into KindAction: they advance without side effects rather than
// wedging the enrollment.
func (s Step) Kind() Kind {
	switch s.StepType {
	case StepWait:
		return KindWait
	case StepSendSMS, StepSendEmail:
		return KindMessage
	default:
		return KindAction
	}
}

// Channel returns the dispatch medium for message steps.
func (s Step) Channel() string {
	switch s.StepType {
	case StepSendSMS:
		return "sms"
	case StepSendEmail:
		return "email"
	default:
		return ""
	}
}

// Delay converts the step's delay_value/delay_unit pair to a duration.
// Unrecognized units count as hours; a missing value is zero.
func (s Step) Delay() time.Duration {
	if s.DelayValue == nil {
		return 0
	}
	value := time.Duration(*s.DelayValue)

	unit := ""
	if s.DelayUnit != nil {
		unit = *s.DelayUnit
	}
	switch unit {
	case "minutes":
		return value * time.Minute
	case "days":
		return value * 24 * time.Hour
	default:
		return value * time.Hour
	}
}
