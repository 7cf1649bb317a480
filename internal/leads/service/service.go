// Package service implements lead lifecycle operations: creation, scoring,
// interaction logging, conversion, and deletion. Every mutation that changes a
// scoring input recomputes the temperature in the same transaction.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"servicecrm_backend/internal/events"
	"servicecrm_backend/internal/leads/domain"
	"servicecrm_backend/internal/leads/repository"
	"servicecrm_backend/internal/leads/scoring"
	"servicecrm_backend/internal/leads/transport"
	"servicecrm_backend/platform/apperr"
	"servicecrm_backend/platform/logger"
	"servicecrm_backend/platform/phone"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Service struct {
	repo *repository.Repository
	bus  events.Bus
	log  *logger.Logger
	now  func() time.Time
}

func New(repo *repository.Repository, bus events.Bus, log *logger.Logger) *Service {
	return &Service{repo: repo, bus: bus, log: log, now: time.Now}
}

// Create persists a new lead with its initial temperature and announces it so
// trigger-bound sequences can enroll it.
func (s *Service) Create(ctx context.Context, organizationID uuid.UUID, req transport.CreateLeadRequest) (transport.LeadResponse, error) {
	params := repository.CreateLeadParams{
		OrganizationID: organizationID,
		Name:           strings.TrimSpace(req.Name),
		EstimatedValue: req.EstimatedValue,
	}
	if req.Email != "" {
		email := strings.ToLower(strings.TrimSpace(req.Email))
		params.Email = &email
	}
	if req.Phone != "" {
		if !phone.IsValid(req.Phone) {
			return transport.LeadResponse{}, apperr.Validation("invalid phone number")
		}
		normalized := phone.NormalizeE164(req.Phone)
		params.Phone = &normalized
	}
	if req.Source != "" {
		params.Source = &req.Source
	}
	if req.InterestedService != "" {
		params.InterestedService = &req.InterestedService
	}

	now := s.now()
	snapshot := scoring.Snapshot{
		Status:         domain.StatusNew,
		EstimatedValue: req.EstimatedValue,
		CreatedAt:      now,
		Email:          params.Email,
		Phone:          params.Phone,
	}
	params.Score = string(scoring.Score(snapshot, now))
	_, factors := scoring.Total(snapshot, now)
	params.ScoreFactors = mustMarshalFactors(factors)

	lead, err := s.repo.Create(ctx, params)
	if err != nil {
		return transport.LeadResponse{}, fmt.Errorf("create lead: %w", err)
	}

	source := ""
	if lead.Source != nil {
		source = *lead.Source
	}
	s.bus.Publish(ctx, events.LeadCreated{
		BaseEvent:      events.NewBaseEvent(),
		LeadID:         lead.ID,
		OrganizationID: lead.OrganizationID,
		Source:         source,
	})

	return transport.ToLeadResponse(lead), nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID, organizationID uuid.UUID) (transport.LeadResponse, error) {
	lead, err := s.repo.GetByID(ctx, id, organizationID)
	if err != nil {
		return transport.LeadResponse{}, mapRepoErr(err)
	}
	return transport.ToLeadResponse(lead), nil
}

// LogInteraction records a manual touch: the follow-up counter, last-contact
// stamp, and recomputed temperature commit atomically.
func (s *Service) LogInteraction(ctx context.Context, id uuid.UUID, organizationID uuid.UUID, req transport.LogInteractionRequest) (transport.LeadResponse, error) {
	var updated repository.Lead
	err := pgx.BeginFunc(ctx, s.repo.Pool(), func(tx pgx.Tx) error {
		lead, err := s.repo.RecordContact(ctx, tx, id, organizationID, s.now())
		if err != nil {
			return err
		}
		updated, err = s.rescoreInTx(ctx, tx, lead)
		return err
	})
	if err != nil {
		return transport.LeadResponse{}, mapRepoErr(err)
	}

	s.log.WithContext(ctx).Info("lead_interaction_logged",
		"lead_id", id, "kind", req.Kind, "score", updated.Score)
	return transport.ToLeadResponse(updated), nil
}

// UpdateStatus moves the lead through the funnel and rescores it.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, organizationID uuid.UUID, status string) (transport.LeadResponse, error) {
	var updated repository.Lead
	err := pgx.BeginFunc(ctx, s.repo.Pool(), func(tx pgx.Tx) error {
		lead, err := s.repo.GetByIDForUpdate(ctx, tx, id, organizationID)
		if err != nil {
			return err
		}
		if !domain.CanTransition(lead.Status, status) {
			return apperr.Validation(fmt.Sprintf("cannot transition lead from %s to %s", lead.Status, status))
		}
		lead, err = s.repo.UpdateStatus(ctx, tx, id, organizationID, status)
		if err != nil {
			return err
		}
		updated, err = s.rescoreInTx(ctx, tx, lead)
		return err
	})
	if err != nil {
		return transport.LeadResponse{}, mapRepoErr(err)
	}
	return transport.ToLeadResponse(updated), nil
}

// Convert marks the lead booked. Sequence cleanup happens through the
// LeadConverted event.
func (s *Service) Convert(ctx context.Context, id uuid.UUID, organizationID uuid.UUID, req transport.ConvertLeadRequest) (transport.LeadResponse, error) {
	lead, err := s.repo.GetByID(ctx, id, organizationID)
	if err != nil {
		return transport.LeadResponse{}, mapRepoErr(err)
	}
	if domain.IsTerminal(lead.Status) {
		return transport.LeadResponse{}, apperr.Conflict("lead is already closed")
	}

	lead, err = s.repo.MarkConverted(ctx, id, organizationID, req.ClientID)
	if err != nil {
		return transport.LeadResponse{}, mapRepoErr(err)
	}

	s.bus.Publish(ctx, events.LeadConverted{
		BaseEvent:      events.NewBaseEvent(),
		LeadID:         lead.ID,
		OrganizationID: organizationID,
		ClientID:       req.ClientID,
	})
	return transport.ToLeadResponse(lead), nil
}

// Delete soft-deletes the lead and announces it so active enrollments get
// cascade-canceled.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, organizationID uuid.UUID) error {
	if err := s.repo.SoftDelete(ctx, id, organizationID); err != nil {
		return mapRepoErr(err)
	}
	s.bus.Publish(ctx, events.LeadDeleted{
		BaseEvent:      events.NewBaseEvent(),
		LeadID:         id,
		OrganizationID: organizationID,
	})
	return nil
}

// HandleInboundSMS processes a reply from a lead: a STOP keyword opts the lead
// out entirely; any reply halts automated follow-up for that lead.
func (s *Service) HandleInboundSMS(ctx context.Context, organizationID uuid.UUID, req transport.InboundSMSRequest) error {
	from := phone.NormalizeE164(req.From)
	lead, err := s.repo.GetByPhone(ctx, from, organizationID)
	if err != nil {
		// Unknown senders are not an error condition for the gateway.
		if apperr.Is(mapRepoErr(err), apperr.KindNotFound) {
			s.log.WithContext(ctx).Info("inbound_sms_unmatched", "from", from)
			return nil
		}
		return err
	}

	if isStopKeyword(req.Body) {
		if err := s.repo.MarkUnsubscribed(ctx, lead.ID, organizationID); err != nil {
			return mapRepoErr(err)
		}
		s.bus.Publish(ctx, events.LeadUnsubscribed{
			BaseEvent:      events.NewBaseEvent(),
			LeadID:         lead.ID,
			OrganizationID: organizationID,
		})
		return nil
	}

	s.bus.Publish(ctx, events.LeadReplied{
		BaseEvent:      events.NewBaseEvent(),
		LeadID:         lead.ID,
		OrganizationID: organizationID,
		Channel:        "sms",
		Body:           req.Body,
	})
	return nil
}

// Rescore refreshes temperatures for an organization's open leads. Used by the
// periodic rescore job; scores drift with time even when nothing else changes.
func (s *Service) Rescore(ctx context.Context, organizationID uuid.UUID, limit int) (int, error) {
	ids, err := s.repo.ListForRescore(ctx, organizationID, limit)
	if err != nil {
		return 0, fmt.Errorf("list leads for rescore: %w", err)
	}

	refreshed := 0
	for _, id := range ids {
		err := pgx.BeginFunc(ctx, s.repo.Pool(), func(tx pgx.Tx) error {
			lead, err := s.repo.GetByIDForUpdate(ctx, tx, id, organizationID)
			if err != nil {
				return err
			}
			_, err = s.rescoreInTx(ctx, tx, lead)
			return err
		})
		if err != nil {
			s.log.WithContext(ctx).Error("lead_rescore_failed", "lead_id", id, "error", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// rescoreInTx recomputes the temperature from the given row and persists it on
// the same transaction. Returns the lead with the fresh score applied.
func (s *Service) rescoreInTx(ctx context.Context, tx pgx.Tx, lead repository.Lead) (repository.Lead, error) {
	now := s.now()
	snapshot := scoring.Snapshot{
		Status:          lead.Status,
		EstimatedValue:  lead.EstimatedValue,
		CreatedAt:       lead.CreatedAt,
		FollowUpCount:   lead.FollowUpCount,
		Email:           lead.Email,
		Phone:           lead.Phone,
		LastContactedAt: lead.LastContactedAt,
	}
	score := string(scoring.Score(snapshot, now))
	_, factors := scoring.Total(snapshot, now)
	factorsJSON := mustMarshalFactors(factors)

	if err := s.repo.ApplyScore(ctx, tx, lead.ID, lead.OrganizationID, score, factorsJSON); err != nil {
		return repository.Lead{}, err
	}
	lead.Score = score
	lead.ScoreFactors = factorsJSON
	return lead, nil
}

func mustMarshalFactors(factors map[string]float64) []byte {
	data, err := json.Marshal(factors)
	if err != nil {
		// map[string]float64 cannot fail to marshal
		return []byte("{}")
	}
	return data
}

func isStopKeyword(body string) bool {
	switch strings.ToUpper(strings.TrimSpace(body)) {
	case "STOP", "STOPALL", "UNSUBSCRIBE", "CANCEL", "END", "QUIT":
		return true
	}
	return false
}

func mapRepoErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("lead not found")
	}
	return err
}
