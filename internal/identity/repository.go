// Package identity holds the organization (tenant) records the rest of the
// system scopes itself by.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("organization not found")

// Organization is a tenant: the business whose leads and sequences these are.
type Organization struct {
	ID               uuid.UUID
	Name             string
	Tone             string // content generation register: friendly, professional, casual
	SMSProvider      string // primary | secondary
	SMSSenderID      string
	EmailFromName    string
	EmailFromAddress string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const organizationColumns = `id, name, tone, sms_provider, sms_sender_id,
		email_from_name, email_from_address, created_at, updated_at`

func scanOrganization(row pgx.Row) (Organization, error) {
	var org Organization
	err := row.Scan(
		&org.ID, &org.Name, &org.Tone, &org.SMSProvider, &org.SMSSenderID,
		&org.EmailFromName, &org.EmailFromAddress, &org.CreatedAt, &org.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Organization{}, ErrNotFound
	}
	return org, err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Organization, error) {
	return scanOrganization(r.pool.QueryRow(ctx, `
		SELECT `+organizationColumns+` FROM organizations WHERE id = $1
	`, id))
}

// ListIDs returns all tenant IDs; the batch dispatcher fans a task out per
// organization so one slow tenant cannot stall the rest.
func (r *Repository) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM organizations ORDER BY created_at`)
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

// Create registers a tenant. Mostly used by seeds and tests.
func (r *Repository) Create(ctx context.Context, name string) (Organization, error) {
	return scanOrganization(r.pool.QueryRow(ctx, `
		INSERT INTO organizations (name) VALUES ($1)
		RETURNING `+organizationColumns,
		name,
	))
}
