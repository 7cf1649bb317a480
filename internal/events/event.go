package events

import "github.com/google/uuid"

// LeadCreated fires after a lead has been persisted. The sequences module
// listens for it to auto-enroll the lead into "lead_created" sequences.
type LeadCreated struct {
	BaseEvent
	LeadID         uuid.UUID
	OrganizationID uuid.UUID
	Source         string
}

func (LeadCreated) EventName() string { return "lead.created" }

// LeadConverted fires when a lead books. Active enrollments must be canceled.
type LeadConverted struct {
	BaseEvent
	LeadID         uuid.UUID
	OrganizationID uuid.UUID
	ClientID       *uuid.UUID
}

func (LeadConverted) EventName() string { return "lead.converted" }

// LeadReplied fires when an inbound message from the lead arrives.
// A reply means a human is now in the loop, so automated follow-up stops.
type LeadReplied struct {
	BaseEvent
	LeadID         uuid.UUID
	OrganizationID uuid.UUID
	Channel        string
	Body           string
}

func (LeadReplied) EventName() string { return "lead.replied" }

// LeadUnsubscribed fires when the lead opts out (e.g. STOP keyword).
type LeadUnsubscribed struct {
	BaseEvent
	LeadID         uuid.UUID
	OrganizationID uuid.UUID
}

func (LeadUnsubscribed) EventName() string { return "lead.unsubscribed" }

// LeadDeleted fires on soft delete; enrollments referencing the lead are
// cascade-canceled rather than left dangling.
type LeadDeleted struct {
	BaseEvent
	LeadID         uuid.UUID
	OrganizationID uuid.UUID
}

func (LeadDeleted) EventName() string { return "lead.deleted" }

// SequenceMessageSent fires after a message step execution was recorded as sent.
type SequenceMessageSent struct {
	BaseEvent
	EnrollmentID   uuid.UUID
	LeadID         uuid.UUID
	OrganizationID uuid.UUID
	Channel        string
}

func (SequenceMessageSent) EventName() string { return "sequence.message_sent" }

// UserNotificationRequested fires for notify_user steps; the (out of scope)
// notification surface consumes it.
type UserNotificationRequested struct {
	BaseEvent
	LeadID         uuid.UUID
	OrganizationID uuid.UUID
	UserID         *uuid.UUID
	Message        string
}

func (UserNotificationRequested) EventName() string { return "sequence.notify_user" }
