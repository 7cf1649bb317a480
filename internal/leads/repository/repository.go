package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("lead not found")

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so single statements
// and transactional units of work share the same repository methods.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Pool exposes the underlying pool for cross-repository transactions.
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

type Lead struct {
	ID                  uuid.UUID
	OrganizationID      uuid.UUID
	Name                string
	Email               *string
	Phone               *string
	Source              *string
	InterestedService   *string
	EstimatedValue      *float64
	Score               string
	ScoreFactors        []byte
	Status              string
	FollowUpCount       int
	LastContactedAt     *time.Time
	UnsubscribedAt      *time.Time
	ConvertedAt         *time.Time
	ConvertedToClientID *uuid.UUID
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type CreateLeadParams struct {
	OrganizationID    uuid.UUID
	Name              string
	Email             *string
	Phone             *string
	Source            *string
	InterestedService *string
	EstimatedValue    *float64
	Score             string
	ScoreFactors      []byte
}

const leadColumns = `id, organization_id, name, email, phone, source, interested_service,
		estimated_value, score, score_factors, status, follow_up_count, last_contacted_at,
		unsubscribed_at, converted_at, converted_to_client_id, created_at, updated_at`

func scanLead(row pgx.Row) (Lead, error) {
	var lead Lead
	err := row.Scan(
		&lead.ID, &lead.OrganizationID, &lead.Name, &lead.Email, &lead.Phone, &lead.Source,
		&lead.InterestedService, &lead.EstimatedValue, &lead.Score, &lead.ScoreFactors,
		&lead.Status, &lead.FollowUpCount, &lead.LastContactedAt, &lead.UnsubscribedAt,
		&lead.ConvertedAt, &lead.ConvertedToClientID, &lead.CreatedAt, &lead.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	return lead, err
}

func (r *Repository) Create(ctx context.Context, params CreateLeadParams) (Lead, error) {
	return scanLead(r.pool.QueryRow(ctx, `
		INSERT INTO leads (
			organization_id, name, email, phone, source, interested_service,
			estimated_value, score, score_factors
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+leadColumns,
		params.OrganizationID, params.Name, params.Email, params.Phone, params.Source,
		params.InterestedService, params.EstimatedValue, params.Score, params.ScoreFactors,
	))
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID, organizationID uuid.UUID) (Lead, error) {
	return r.getByID(ctx, r.pool, id, organizationID, false)
}

// GetByIDForUpdate locks the lead row inside the given transaction so the
// engagement counters and the recomputed score commit together.
func (r *Repository) GetByIDForUpdate(ctx context.Context, q Querier, id uuid.UUID, organizationID uuid.UUID) (Lead, error) {
	return r.getByID(ctx, q, id, organizationID, true)
}

func (r *Repository) getByID(ctx context.Context, q Querier, id uuid.UUID, organizationID uuid.UUID, forUpdate bool) (Lead, error) {
	query := `SELECT ` + leadColumns + `
		FROM leads WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanLead(q.QueryRow(ctx, query, id, organizationID))
}

func (r *Repository) GetByPhone(ctx context.Context, phone string, organizationID uuid.UUID) (Lead, error) {
	return scanLead(r.pool.QueryRow(ctx, `
		SELECT `+leadColumns+`
		FROM leads WHERE phone = $1 AND organization_id = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, phone, organizationID))
}

// RecordContact bumps the engagement counters after an outbound touch
// (manual interaction or sequence message). Runs against q so it can share a
// transaction with the step execution insert.
func (r *Repository) RecordContact(ctx context.Context, q Querier, id uuid.UUID, organizationID uuid.UUID, contactedAt time.Time) (Lead, error) {
	return scanLead(q.QueryRow(ctx, `
		UPDATE leads
		SET follow_up_count = follow_up_count + 1,
			last_contacted_at = $3,
			updated_at = now()
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
		RETURNING `+leadColumns,
		id, organizationID, contactedAt,
	))
}

// ApplyScore persists a recomputed temperature and its factor breakdown.
func (r *Repository) ApplyScore(ctx context.Context, q Querier, id uuid.UUID, organizationID uuid.UUID, score string, factors []byte) error {
	tag, err := q.Exec(ctx, `
		UPDATE leads
		SET score = $3, score_factors = $4, updated_at = now()
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
	`, id, organizationID, score, factors)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus changes the lifecycle status. Transition validation happens in
// the service layer; the repository only persists.
func (r *Repository) UpdateStatus(ctx context.Context, q Querier, id uuid.UUID, organizationID uuid.UUID, status string) (Lead, error) {
	return scanLead(q.QueryRow(ctx, `
		UPDATE leads
		SET status = $3, updated_at = now()
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
		RETURNING `+leadColumns,
		id, organizationID, status,
	))
}

// MarkConverted stamps conversion and moves the lead to booked.
func (r *Repository) MarkConverted(ctx context.Context, id uuid.UUID, organizationID uuid.UUID, clientID *uuid.UUID) (Lead, error) {
	return scanLead(r.pool.QueryRow(ctx, `
		UPDATE leads
		SET status = 'booked', converted_at = now(), converted_to_client_id = $3, updated_at = now()
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
		RETURNING `+leadColumns,
		id, organizationID, clientID,
	))
}

// MarkUnsubscribed records an opt-out.
func (r *Repository) MarkUnsubscribed(ctx context.Context, id uuid.UUID, organizationID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET unsubscribed_at = COALESCE(unsubscribed_at, now()), updated_at = now()
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
	`, id, organizationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete tombstones the lead. Enrollment cleanup is handled by the
// sequences module reacting to the LeadDeleted event.
func (r *Repository) SoftDelete(ctx context.Context, id uuid.UUID, organizationID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
	`, id, organizationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddTag attaches a tag to the lead, ignoring duplicates.
func (r *Repository) AddTag(ctx context.Context, q Querier, id uuid.UUID, tag string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO lead_tags (lead_id, tag) VALUES ($1, $2)
		ON CONFLICT (lead_id, tag) DO NOTHING
	`, id, tag)
	return err
}

// ListForRescore streams lead IDs of an organization for bulk score refresh.
func (r *Repository) ListForRescore(ctx context.Context, organizationID uuid.UUID, limit int) ([]uuid.UUID, error) {
	if limit < 1 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM leads
		WHERE organization_id = $1 AND deleted_at IS NULL AND status NOT IN ('booked', 'lost')
		ORDER BY updated_at ASC
		LIMIT $2
	`, organizationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
