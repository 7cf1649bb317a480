// Package enrollment manages lead participation in sequences: starting runs,
// fanning triggers out to their sequences, and canceling runs when the lead
// no longer needs automated follow-up.
package enrollment

import (
	"context"
	"errors"
	"fmt"

	"servicecrm_backend/internal/events"
	"servicecrm_backend/internal/sequences/repository"
	"servicecrm_backend/platform/apperr"
	"servicecrm_backend/platform/logger"

	"github.com/google/uuid"
)

// TriggerLeadCreated is the trigger label fired automatically on lead creation.
const TriggerLeadCreated = "lead_created"

// Store is the slice of the sequences repository the enrollment lifecycle
// needs. *repository.Repository satisfies it.
type Store interface {
	GetDefinition(ctx context.Context, id, organizationID uuid.UUID) (repository.Definition, error)
	ListActiveDefinitionsByTrigger(ctx context.Context, organizationID uuid.UUID, trigger string) ([]repository.Definition, error)
	ListSteps(ctx context.Context, sequenceID uuid.UUID) ([]repository.Step, error)
	CreateEnrollment(ctx context.Context, leadID, sequenceID, organizationID uuid.UUID, startOrder int) (repository.Enrollment, error)
	CancelActiveByLead(ctx context.Context, leadID uuid.UUID) (int64, error)
}

type Service struct {
	repo Store
	log  *logger.Logger
}

func New(repo Store, log *logger.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// Enroll starts a lead on a specific sequence. Returns a Conflict error when
// the lead already has an active run of it.
func (s *Service) Enroll(ctx context.Context, organizationID, leadID, sequenceID uuid.UUID) (repository.Enrollment, error) {
	def, err := s.repo.GetDefinition(ctx, sequenceID, organizationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.Enrollment{}, apperr.NotFound("sequence not found")
		}
		return repository.Enrollment{}, err
	}
	if !def.IsActive {
		return repository.Enrollment{}, apperr.Conflict("sequence is not active")
	}

	steps, err := s.repo.ListSteps(ctx, def.ID)
	if err != nil {
		return repository.Enrollment{}, err
	}
	if len(steps) == 0 {
		return repository.Enrollment{}, apperr.Conflict("sequence has no steps")
	}

	enr, err := s.repo.CreateEnrollment(ctx, leadID, def.ID, organizationID, steps[0].StepOrder)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyEnrolled) {
			return repository.Enrollment{}, apperr.Conflict("lead is already enrolled in this sequence")
		}
		return repository.Enrollment{}, fmt.Errorf("create enrollment: %w", err)
	}

	s.log.WithContext(ctx).Info("lead enrolled",
		"lead_id", leadID, "sequence_id", def.ID, "sequence", def.Name)
	return enr, nil
}

// EnrollByTrigger fans a trigger label out to every active sequence bound to
// it. Existing active enrollments are skipped, not errors. Returns how many
// new enrollments were created.
func (s *Service) EnrollByTrigger(ctx context.Context, organizationID, leadID uuid.UUID, trigger string) (int, error) {
	defs, err := s.repo.ListActiveDefinitionsByTrigger(ctx, organizationID, trigger)
	if err != nil {
		return 0, fmt.Errorf("resolve trigger %q: %w", trigger, err)
	}

	enrolled := 0
	for _, def := range defs {
		_, err := s.Enroll(ctx, organizationID, leadID, def.ID)
		if err != nil {
			if apperr.Is(err, apperr.KindConflict) {
				continue
			}
			return enrolled, err
		}
		enrolled++
	}
	return enrolled, nil
}

// CancelForLead cancels every active enrollment of the lead.
func (s *Service) CancelForLead(ctx context.Context, leadID uuid.UUID, reason string) error {
	count, err := s.repo.CancelActiveByLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("cancel enrollments: %w", err)
	}
	if count > 0 {
		s.log.WithContext(ctx).Info("enrollments canceled",
			"lead_id", leadID, "count", count, "reason", reason)
	}
	return nil
}

// RegisterHandlers subscribes the enrollment lifecycle to lead events:
// creation auto-enrolls; conversion, replies, opt-outs, and deletion stop
// automated follow-up.
func (s *Service) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.LeadCreated{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		e, ok := event.(events.LeadCreated)
		if !ok {
			return nil
		}
		_, err := s.EnrollByTrigger(ctx, e.OrganizationID, e.LeadID, TriggerLeadCreated)
		return err
	}))

	cancelOn := map[string]func(events.Event) (uuid.UUID, bool){
		events.LeadConverted{}.EventName(): func(event events.Event) (uuid.UUID, bool) {
			e, ok := event.(events.LeadConverted)
			return e.LeadID, ok
		},
		events.LeadReplied{}.EventName(): func(event events.Event) (uuid.UUID, bool) {
			e, ok := event.(events.LeadReplied)
			return e.LeadID, ok
		},
		events.LeadUnsubscribed{}.EventName(): func(event events.Event) (uuid.UUID, bool) {
			e, ok := event.(events.LeadUnsubscribed)
			return e.LeadID, ok
		},
		events.LeadDeleted{}.EventName(): func(event events.Event) (uuid.UUID, bool) {
			e, ok := event.(events.LeadDeleted)
			return e.LeadID, ok
		},
	}
	for name, extract := range cancelOn {
		reason := name
		extractLead := extract
		bus.Subscribe(name, events.HandlerFunc(func(ctx context.Context, event events.Event) error {
			leadID, ok := extractLead(event)
			if !ok {
				return nil
			}
			return s.CancelForLead(ctx, leadID, reason)
		}))
	}
}
