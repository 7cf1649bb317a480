// Package transport defines the request and response DTOs for the leads API.
package transport

import (
	"encoding/json"
	"time"

	"servicecrm_backend/internal/leads/repository"

	"github.com/google/uuid"
)

// CreateLeadRequest is the payload for creating a lead.
type CreateLeadRequest struct {
	Name              string   `json:"name" validate:"required,min=1,max=200"`
	Email             string   `json:"email" validate:"omitempty,email"`
	Phone             string   `json:"phone" validate:"omitempty,min=6,max=20"`
	Source            string   `json:"source" validate:"omitempty,max=100"`
	InterestedService string   `json:"interestedService" validate:"omitempty,max=200"`
	EstimatedValue    *float64 `json:"estimatedValue" validate:"omitempty,gte=0"`
}

// LogInteractionRequest records a manual touch against a lead.
type LogInteractionRequest struct {
	Kind string `json:"kind" validate:"required,oneof=call text email meeting"`
	Note string `json:"note" validate:"omitempty,max=2000"`
}

// ConvertLeadRequest marks a lead booked, optionally linking the client record.
type ConvertLeadRequest struct {
	ClientID *uuid.UUID `json:"clientId"`
}

// UpdateStatusRequest moves a lead through the funnel.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=new in_progress quoted nurturing booked lost"`
}

// InboundSMSRequest is the gateway webhook payload for a reply from a lead.
type InboundSMSRequest struct {
	From string `json:"from" validate:"required"`
	Body string `json:"body" validate:"required,max=2000"`
}

// LeadResponse is the API representation of a lead.
type LeadResponse struct {
	ID                uuid.UUID          `json:"id"`
	OrganizationID    uuid.UUID          `json:"organizationId"`
	Name              string             `json:"name"`
	Email             *string            `json:"email,omitempty"`
	Phone             *string            `json:"phone,omitempty"`
	Source            *string            `json:"source,omitempty"`
	InterestedService *string            `json:"interestedService,omitempty"`
	EstimatedValue    *float64           `json:"estimatedValue,omitempty"`
	Score             string             `json:"score"`
	ScoreFactors      map[string]float64 `json:"scoreFactors,omitempty"`
	Status            string             `json:"status"`
	FollowUpCount     int                `json:"followUpCount"`
	LastContactedAt   *time.Time         `json:"lastContactedAt,omitempty"`
	ConvertedAt       *time.Time         `json:"convertedAt,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// ToLeadResponse maps a repository row to the API shape.
func ToLeadResponse(lead repository.Lead) LeadResponse {
	resp := LeadResponse{
		ID:                lead.ID,
		OrganizationID:    lead.OrganizationID,
		Name:              lead.Name,
		Email:             lead.Email,
		Phone:             lead.Phone,
		Source:            lead.Source,
		InterestedService: lead.InterestedService,
		EstimatedValue:    lead.EstimatedValue,
		Score:             lead.Score,
		Status:            lead.Status,
		FollowUpCount:     lead.FollowUpCount,
		LastContactedAt:   lead.LastContactedAt,
		ConvertedAt:       lead.ConvertedAt,
		CreatedAt:         lead.CreatedAt,
		UpdatedAt:         lead.UpdatedAt,
	}
	if len(lead.ScoreFactors) > 0 {
		// Factors are best-effort diagnostics; a decode failure just omits them.
		_ = json.Unmarshal(lead.ScoreFactors, &resp.ScoreFactors)
	}
	return resp
}
