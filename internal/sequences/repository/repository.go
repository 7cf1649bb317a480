// Package repository persists sequence definitions, steps, enrollments, and
// step executions. The UNIQUE(enrollment_id, step_id) constraint on executions
// is what makes overlapping batch runs safe; this package maps the resulting
// unique violations onto typed errors the engine branches on.
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

var (
	ErrNotFound = errors.New("sequence record not found")
	// ErrAlreadyEnrolled surfaces the partial unique index on active
	// enrollments per (lead, sequence).
	ErrAlreadyEnrolled = errors.New("lead already has an active enrollment in this sequence")
	// ErrAlreadyExecuted surfaces the execution uniqueness constraint: an
	// overlapping run recorded this step first.
	ErrAlreadyExecuted = errors.New("step already executed for this enrollment")
	// ErrDuplicateDefinition surfaces the UNIQUE(organization_id, name)
	// constraint on sequence definitions.
	ErrDuplicateDefinition = errors.New("sequence with this name already exists")
)

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
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

// Definition is a reusable follow-up campaign bound to a trigger label.
type Definition struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Trigger        string
	IsActive       bool
	CreatedAt      time.Time
}

// Step is one ordered unit of a sequence.
type Step struct {
	ID              uuid.UUID
	SequenceID      uuid.UUID
	StepOrder       int
	StepType        string
	DelayValue      *int
	DelayUnit       *string
	MessageTemplate *string
	Payload         []byte
	CreatedAt       time.Time
}

// Enrollment is one lead's run through one sequence.
type Enrollment struct {
	ID               uuid.UUID
	LeadID           uuid.UUID
	SequenceID       uuid.UUID
	OrganizationID   uuid.UUID
	Status           string
	CurrentStepOrder int
	EnrolledAt       time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

// Enrollment statuses.
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentCanceled  = "canceled"
)

// Execution is the audit record of one step firing (or failing) for one
// enrollment.
type Execution struct {
	ID           uuid.UUID
	EnrollmentID uuid.UUID
	StepID       uuid.UUID
	Status       string
	MessageSent  *string
	ErrorMessage *string
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Execution statuses.
const (
	ExecutionSent   = "sent"
	ExecutionFailed = "failed"
)

// ----------------------------------------------------------------------------
// Definitions and steps

const definitionColumns = `id, organization_id, name, trigger, is_active, created_at`

func scanDefinition(row pgx.Row) (Definition, error) {
	var def Definition
	err := row.Scan(&def.ID, &def.OrganizationID, &def.Name, &def.Trigger, &def.IsActive, &def.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Definition{}, ErrNotFound
	}
	return def, err
}

type CreateDefinitionParams struct {
	OrganizationID uuid.UUID
	Name           string
	Trigger        string
	IsActive       bool
}

type CreateStepParams struct {
	StepOrder       int
	StepType        string
	DelayValue      *int
	DelayUnit       *string
	MessageTemplate *string
	Payload         []byte
}

// CreateDefinition inserts a sequence and its steps in one transaction.
func (r *Repository) CreateDefinition(ctx context.Context, params CreateDefinitionParams, steps []CreateStepParams) (Definition, error) {
	var def Definition
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		def, err = scanDefinition(tx.QueryRow(ctx, `
			INSERT INTO sequence_definitions (organization_id, name, trigger, is_active)
			VALUES ($1, $2, $3, $4)
			RETURNING `+definitionColumns,
			params.OrganizationID, params.Name, params.Trigger, params.IsActive,
		))
		if err != nil {
			return err
		}
		for _, step := range steps {
			_, err := tx.Exec(ctx, `
				INSERT INTO sequence_steps
					(sequence_id, step_order, step_type, delay_value, delay_unit, message_template, payload)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, def.ID, step.StepOrder, step.StepType, step.DelayValue, step.DelayUnit, step.MessageTemplate, step.Payload)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return Definition{}, ErrDuplicateDefinition
		}
		return Definition{}, err
	}
	return def, nil
}

func (r *Repository) GetDefinition(ctx context.Context, id uuid.UUID, organizationID uuid.UUID) (Definition, error) {
	return scanDefinition(r.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM sequence_definitions WHERE id = $1 AND organization_id = $2
	`, id, organizationID))
}

func (r *Repository) GetDefinitionByName(ctx context.Context, organizationID uuid.UUID, name string) (Definition, error) {
	return scanDefinition(r.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM sequence_definitions WHERE organization_id = $1 AND name = $2
	`, organizationID, name))
}

// ListActiveDefinitionsByTrigger resolves which sequences a trigger label fans
// out to for a tenant.
func (r *Repository) ListActiveDefinitionsByTrigger(ctx context.Context, organizationID uuid.UUID, trigger string) ([]Definition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+definitionColumns+`
		FROM sequence_definitions
		WHERE organization_id = $1 AND trigger = $2 AND is_active
		ORDER BY created_at
	`, organizationID, trigger)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := make([]Definition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

const stepColumns = `id, sequence_id, step_order, step_type, delay_value, delay_unit, message_template, payload, created_at`

func scanStep(row pgx.Row) (Step, error) {
	var step Step
	err := row.Scan(&step.ID, &step.SequenceID, &step.StepOrder, &step.StepType,
		&step.DelayValue, &step.DelayUnit, &step.MessageTemplate, &step.Payload, &step.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Step{}, ErrNotFound
	}
	return step, err
}

// ListSteps returns a sequence's steps ordered by step_order.
func (r *Repository) ListSteps(ctx context.Context, sequenceID uuid.UUID) ([]Step, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+stepColumns+`
		FROM sequence_steps WHERE sequence_id = $1
		ORDER BY step_order
	`, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := make([]Step, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ----------------------------------------------------------------------------
// Enrollments

const enrollmentColumns = `id, lead_id, sequence_id, organization_id, status,
		current_step_order, enrolled_at, completed_at, updated_at`

func scanEnrollment(row pgx.Row) (Enrollment, error) {
	var enr Enrollment
	err := row.Scan(&enr.ID, &enr.LeadID, &enr.SequenceID, &enr.OrganizationID,
		&enr.Status, &enr.CurrentStepOrder, &enr.EnrolledAt, &enr.CompletedAt, &enr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Enrollment{}, ErrNotFound
	}
	return enr, err
}

// CreateEnrollment starts a lead on a sequence at the given step order.
// Returns ErrAlreadyEnrolled if an active enrollment already exists.
func (r *Repository) CreateEnrollment(ctx context.Context, leadID, sequenceID, organizationID uuid.UUID, startOrder int) (Enrollment, error) {
	enr, err := scanEnrollment(r.pool.QueryRow(ctx, `
		INSERT INTO sequence_enrollments (lead_id, sequence_id, organization_id, current_step_order)
		VALUES ($1, $2, $3, $4)
		RETURNING `+enrollmentColumns,
		leadID, sequenceID, organizationID, startOrder,
	))
	if err != nil && isUniqueViolation(err) {
		return Enrollment{}, ErrAlreadyEnrolled
	}
	return enr, err
}

func (r *Repository) GetEnrollment(ctx context.Context, id uuid.UUID) (Enrollment, error) {
	return scanEnrollment(r.pool.QueryRow(ctx, `
		SELECT `+enrollmentColumns+` FROM sequence_enrollments WHERE id = $1
	`, id))
}

// ListActiveEnrollments loads the engine's work set. A nil organizationID
// means all tenants.
func (r *Repository) ListActiveEnrollments(ctx context.Context, organizationID *uuid.UUID) ([]Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + `
		FROM sequence_enrollments WHERE status = 'active'`
	args := []any{}
	if organizationID != nil {
		query += ` AND organization_id = $1`
		args = append(args, *organizationID)
	}
	query += ` ORDER BY enrolled_at`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	enrollments := make([]Enrollment, 0)
	for rows.Next() {
		enr, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, enr)
	}
	return enrollments, rows.Err()
}

// AdvanceEnrollment moves the cursor to the next step. The status guard keeps
// a canceled enrollment from being advanced by a concurrent batch pass.
func (r *Repository) AdvanceEnrollment(ctx context.Context, q Querier, id uuid.UUID, nextOrder int) error {
	tag, err := q.Exec(ctx, `
		UPDATE sequence_enrollments
		SET current_step_order = $2, updated_at = now()
		WHERE id = $1 AND status = 'active'
	`, id, nextOrder)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteEnrollment marks the run finished once no next step exists.
func (r *Repository) CompleteEnrollment(ctx context.Context, q Querier, id uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		UPDATE sequence_enrollments
		SET status = 'completed', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelActiveByLead cancels every active enrollment for a lead. Returns the
// number of enrollments canceled.
func (r *Repository) CancelActiveByLead(ctx context.Context, leadID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sequence_enrollments
		SET status = 'canceled', updated_at = now()
		WHERE lead_id = $1 AND status = 'active'
	`, leadID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ----------------------------------------------------------------------------
// Executions

const executionColumns = `id, enrollment_id, step_id, status, message_sent, error_message, attempts, created_at, updated_at`

func scanExecution(row pgx.Row) (Execution, error) {
	var exec Execution
	err := row.Scan(&exec.ID, &exec.EnrollmentID, &exec.StepID, &exec.Status,
		&exec.MessageSent, &exec.ErrorMessage, &exec.Attempts, &exec.CreatedAt, &exec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	return exec, err
}

// GetExecution returns the execution row for (enrollment, step), if any.
func (r *Repository) GetExecution(ctx context.Context, enrollmentID, stepID uuid.UUID) (Execution, error) {
	return scanExecution(r.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM sequence_step_executions WHERE enrollment_id = $1 AND step_id = $2
	`, enrollmentID, stepID))
}

// InsertSentExecution records a successful send. The uniqueness constraint
// turns a race between overlapping runs into ErrAlreadyExecuted for the loser.
// When retrying after failures, the prior failed row converts to sent instead.
func (r *Repository) InsertSentExecution(ctx context.Context, q Querier, enrollmentID, stepID uuid.UUID, messageSent string) error {
	tag, err := q.Exec(ctx, `
		INSERT INTO sequence_step_executions (enrollment_id, step_id, status, message_sent)
		VALUES ($1, $2, 'sent', $3)
		ON CONFLICT (enrollment_id, step_id) DO UPDATE
		SET status = 'sent',
			message_sent = EXCLUDED.message_sent,
			error_message = NULL,
			attempts = sequence_step_executions.attempts + 1,
			updated_at = now()
		WHERE sequence_step_executions.status = 'failed'
	`, enrollmentID, stepID, messageSent)
	if err != nil {
		return err
	}
	// Zero rows means the conflicting row is already sent: the overlapping
	// run won the race.
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExecuted
	}
	return nil
}

// RecordFailedExecution records or increments a failed attempt and returns the
// attempt count so the caller can apply the retry cap. A row already marked
// sent is left untouched and reported as ErrAlreadyExecuted.
func (r *Repository) RecordFailedExecution(ctx context.Context, enrollmentID, stepID uuid.UUID, errorMessage string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		INSERT INTO sequence_step_executions (enrollment_id, step_id, status, error_message)
		VALUES ($1, $2, 'failed', $3)
		ON CONFLICT (enrollment_id, step_id) DO UPDATE
		SET error_message = EXCLUDED.error_message,
			attempts = sequence_step_executions.attempts + 1,
			updated_at = now()
		WHERE sequence_step_executions.status = 'failed'
		RETURNING attempts
	`, enrollmentID, stepID, errorMessage).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The conflicting row is already sent; nothing to record.
			return 0, ErrAlreadyExecuted
		}
		return 0, err
	}
	return attempts, nil
}

// ListSentMessages returns the bodies of prior sent messages for an
// enrollment, oldest first. Feeds the content generator's no-repeat context.
func (r *Repository) ListSentMessages(ctx context.Context, enrollmentID uuid.UUID) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT message_sent FROM sequence_step_executions
		WHERE enrollment_id = $1 AND status = 'sent' AND message_sent IS NOT NULL
		ORDER BY created_at
	`, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]string, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		messages = append(messages, body)
	}
	return messages, rows.Err()
}
