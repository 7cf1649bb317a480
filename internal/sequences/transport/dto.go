// Package transport defines the request and response DTOs for the sequences API.
package transport

import (
	"encoding/json"
	"time"

	"servicecrm_backend/internal/sequences/repository"

	"github.com/google/uuid"
)

// CreateSequenceRequest creates a sequence definition with its steps.
type CreateSequenceRequest struct {
	Name     string              `json:"name" validate:"required,min=1,max=200"`
	Trigger  string              `json:"trigger" validate:"required,min=1,max=100"`
	IsActive *bool               `json:"isActive"`
	Steps    []SequenceStepInput `json:"steps" validate:"required,min=1,dive"`
}

// SequenceStepInput is one step of a new sequence.
type SequenceStepInput struct {
	StepType        string          `json:"stepType" validate:"required,oneof=wait send_sms send_email condition add_tag change_status notify_user"`
	DelayValue      *int            `json:"delayValue" validate:"omitempty,gte=0"`
	DelayUnit       *string         `json:"delayUnit" validate:"omitempty,oneof=minutes hours days"`
	MessageTemplate *string         `json:"messageTemplate"`
	Payload         json.RawMessage `json:"payload"`
}

// EnrollRequest starts a lead on a sequence.
type EnrollRequest struct {
	LeadID uuid.UUID `json:"leadId" validate:"required"`
}

// TriggerRequest fires a named trigger for a lead.
type TriggerRequest struct {
	LeadID uuid.UUID `json:"leadId" validate:"required"`
}

// BatchRunResponse reports one manual batch pass.
type BatchRunResponse struct {
	Enrollments int `json:"enrollments"`
	Sent        int `json:"sent"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}

// SequenceResponse is the API representation of a definition.
type SequenceResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Trigger   string    `json:"trigger"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// EnrollmentResponse is the API representation of an enrollment.
type EnrollmentResponse struct {
	ID               uuid.UUID  `json:"id"`
	LeadID           uuid.UUID  `json:"leadId"`
	SequenceID       uuid.UUID  `json:"sequenceId"`
	Status           string     `json:"status"`
	CurrentStepOrder int        `json:"currentStepOrder"`
	EnrolledAt       time.Time  `json:"enrolledAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

func ToSequenceResponse(def repository.Definition) SequenceResponse {
	return SequenceResponse{
		ID:        def.ID,
		Name:      def.Name,
		Trigger:   def.Trigger,
		IsActive:  def.IsActive,
		CreatedAt: def.CreatedAt,
	}
}

func ToEnrollmentResponse(enr repository.Enrollment) EnrollmentResponse {
	return EnrollmentResponse{
		ID:               enr.ID,
		LeadID:           enr.LeadID,
		SequenceID:       enr.SequenceID,
		Status:           enr.Status,
		CurrentStepOrder: enr.CurrentStepOrder,
		EnrolledAt:       enr.EnrolledAt,
		CompletedAt:      enr.CompletedAt,
	}
}
