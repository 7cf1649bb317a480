package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"servicecrm_backend/internal/identity"
	leaddomain "servicecrm_backend/internal/leads/domain"
	leadrepo "servicecrm_backend/internal/leads/repository"
	"servicecrm_backend/internal/leads/scoring"
	seqrepo "servicecrm_backend/internal/sequences/repository"
	"servicecrm_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is everything the executor needs from persistence. The interface
// exists so engine behavior is testable without a database.
type Store interface {
	ListActiveEnrollments(ctx context.Context, organizationID *uuid.UUID) ([]seqrepo.Enrollment, error)
	GetEnrollment(ctx context.Context, id uuid.UUID) (seqrepo.Enrollment, error)
	ListSteps(ctx context.Context, sequenceID uuid.UUID) ([]seqrepo.Step, error)
	GetExecution(ctx context.Context, enrollmentID, stepID uuid.UUID) (seqrepo.Execution, error)
	ListSentMessages(ctx context.Context, enrollmentID uuid.UUID) ([]string, error)

	// RecordSentAndAdvance commits the sent execution row, the cursor move
	// (or completion), and the lead engagement update atomically. Returns
	// seqrepo.ErrAlreadyExecuted when an overlapping run won the race.
	RecordSentAndAdvance(ctx context.Context, rec SentRecord) error
	// RecordFailedExecution upserts a failed attempt and returns the attempt
	// count.
	RecordFailedExecution(ctx context.Context, enrollmentID, stepID uuid.UUID, errMsg string) (int, error)
	// Advance moves the cursor without recording an execution (wait and
	// action steps).
	Advance(ctx context.Context, enrollmentID uuid.UUID, nextOrder int) error
	// Complete finishes the enrollment.
	Complete(ctx context.Context, enrollmentID uuid.UUID) error

	ResolveLead(ctx context.Context, leadID, organizationID uuid.UUID) (leadrepo.Lead, error)
	ResolveOrganization(ctx context.Context, id uuid.UUID) (identity.Organization, error)
	ApplyTag(ctx context.Context, leadID uuid.UUID, tag string) error
	// ChangeLeadStatus applies an action step's status change with a score
	// recompute. Invalid transitions are skipped, not errors.
	ChangeLeadStatus(ctx context.Context, leadID, organizationID uuid.UUID, status string) error
}

// SentRecord is the unit of work committed after a successful send.
type SentRecord struct {
	EnrollmentID   uuid.UUID
	StepID         uuid.UUID
	LeadID         uuid.UUID
	OrganizationID uuid.UUID
	Body           string
	SentAt         time.Time
	NextOrder      int
	Completed      bool // no step after this one
}

// PGStore is the production Store backed by the pgx repositories.
type PGStore struct {
	pool  *pgxpool.Pool
	seq   *seqrepo.Repository
	leads *leadrepo.Repository
	orgs  *identity.Repository
	log   *logger.Logger
}

func NewPGStore(pool *pgxpool.Pool, seq *seqrepo.Repository, leads *leadrepo.Repository, orgs *identity.Repository, log *logger.Logger) *PGStore {
	return &PGStore{pool: pool, seq: seq, leads: leads, orgs: orgs, log: log}
}

func (s *PGStore) ListActiveEnrollments(ctx context.Context, organizationID *uuid.UUID) ([]seqrepo.Enrollment, error) {
	return s.seq.ListActiveEnrollments(ctx, organizationID)
}

func (s *PGStore) GetEnrollment(ctx context.Context, id uuid.UUID) (seqrepo.Enrollment, error) {
	return s.seq.GetEnrollment(ctx, id)
}

func (s *PGStore) ListSteps(ctx context.Context, sequenceID uuid.UUID) ([]seqrepo.Step, error) {
	return s.seq.ListSteps(ctx, sequenceID)
}

func (s *PGStore) GetExecution(ctx context.Context, enrollmentID, stepID uuid.UUID) (seqrepo.Execution, error) {
	return s.seq.GetExecution(ctx, enrollmentID, stepID)
}

func (s *PGStore) ListSentMessages(ctx context.Context, enrollmentID uuid.UUID) ([]string, error) {
	return s.seq.ListSentMessages(ctx, enrollmentID)
}

func (s *PGStore) RecordSentAndAdvance(ctx context.Context, rec SentRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.seq.InsertSentExecution(ctx, tx, rec.EnrollmentID, rec.StepID, rec.Body); err != nil {
			return err
		}

		var err error
		if rec.Completed {
			err = s.seq.CompleteEnrollment(ctx, tx, rec.EnrollmentID)
		} else {
			err = s.seq.AdvanceEnrollment(ctx, tx, rec.EnrollmentID, rec.NextOrder)
		}
		// A cancellation racing the send still keeps the audit row.
		if err != nil && !errors.Is(err, seqrepo.ErrNotFound) {
			return err
		}

		lead, err := s.leads.RecordContact(ctx, tx, rec.LeadID, rec.OrganizationID, rec.SentAt)
		if err != nil {
			return err
		}
		return s.rescore(ctx, tx, lead, rec.SentAt)
	})
}

func (s *PGStore) RecordFailedExecution(ctx context.Context, enrollmentID, stepID uuid.UUID, errMsg string) (int, error) {
	return s.seq.RecordFailedExecution(ctx, enrollmentID, stepID, errMsg)
}

func (s *PGStore) Advance(ctx context.Context, enrollmentID uuid.UUID, nextOrder int) error {
	return s.seq.AdvanceEnrollment(ctx, s.pool, enrollmentID, nextOrder)
}

func (s *PGStore) Complete(ctx context.Context, enrollmentID uuid.UUID) error {
	return s.seq.CompleteEnrollment(ctx, s.pool, enrollmentID)
}

func (s *PGStore) ResolveLead(ctx context.Context, leadID, organizationID uuid.UUID) (leadrepo.Lead, error) {
	return s.leads.GetByID(ctx, leadID, organizationID)
}

func (s *PGStore) ResolveOrganization(ctx context.Context, id uuid.UUID) (identity.Organization, error) {
	return s.orgs.GetByID(ctx, id)
}

func (s *PGStore) ApplyTag(ctx context.Context, leadID uuid.UUID, tag string) error {
	return s.leads.AddTag(ctx, s.pool, leadID, tag)
}

func (s *PGStore) ChangeLeadStatus(ctx context.Context, leadID, organizationID uuid.UUID, status string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		lead, err := s.leads.GetByIDForUpdate(ctx, tx, leadID, organizationID)
		if err != nil {
			return err
		}
		if !leaddomain.CanTransition(lead.Status, status) {
			s.log.Info("sequence status change skipped",
				"lead_id", leadID, "from", lead.Status, "to", status)
			return nil
		}
		lead, err = s.leads.UpdateStatus(ctx, tx, leadID, organizationID, status)
		if err != nil {
			return err
		}
		return s.rescore(ctx, tx, lead, time.Now())
	})
}

func (s *PGStore) rescore(ctx context.Context, tx pgx.Tx, lead leadrepo.Lead, now time.Time) error {
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
	factorsJSON, err := json.Marshal(factors)
	if err != nil {
		factorsJSON = []byte("{}")
	}
	return s.leads.ApplyScore(ctx, tx, lead.ID, lead.OrganizationID, score, factorsJSON)
}
