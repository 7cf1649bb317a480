// Package executor is the scheduler core of the follow-up engine: it scans
// active enrollments, decides which steps are due, executes them at most once,
// and advances or completes each enrollment. Invocation is at-least-once and
// runs may overlap; the execution uniqueness constraint is what keeps a step
// from firing twice.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"servicecrm_backend/internal/dispatch"
	"servicecrm_backend/internal/events"
	"servicecrm_backend/internal/identity"
	leadrepo "servicecrm_backend/internal/leads/repository"
	"servicecrm_backend/internal/sequences/generator"
	seqrepo "servicecrm_backend/internal/sequences/repository"
	"servicecrm_backend/platform/config"
	"servicecrm_backend/platform/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// defaultTemplate guarantees a message body even when a step has no template.
const defaultTemplate = "Hi {name}, just checking in about your {service} request. Reply here if you have any questions."

// Executor runs one batch pass over active enrollments.
type Executor struct {
	store       Store
	dispatcher  dispatch.Dispatcher
	gen         generator.Generator
	bus         events.Bus
	log         *logger.Logger
	parallelism int
	retryLimit  int
	now         func() time.Time
}

func New(store Store, dispatcher dispatch.Dispatcher, gen generator.Generator, bus events.Bus, cfg config.EngineConfig, log *logger.Logger) *Executor {
	return &Executor{
		store:       store,
		dispatcher:  dispatcher,
		gen:         gen,
		bus:         bus,
		log:         log,
		parallelism: cfg.GetBatchParallelism(),
		retryLimit:  cfg.GetMessageRetryLimit(),
		now:         time.Now,
	}
}

// BatchStats summarizes one RunBatch pass.
type BatchStats struct {
	Enrollments int
	Sent        int
	Completed   int
	Failed      int
}

// RunBatch processes every active enrollment, tenant-scoped when
// organizationID is non-nil. Enrollments are independent, so they are
// processed in parallel with a bounded worker count; one enrollment's failure
// never aborts the rest.
func (e *Executor) RunBatch(ctx context.Context, organizationID *uuid.UUID) (BatchStats, error) {
	enrollments, err := e.store.ListActiveEnrollments(ctx, organizationID)
	if err != nil {
		return BatchStats{}, fmt.Errorf("list active enrollments: %w", err)
	}

	var sent, completed, failed atomic.Int64

	g := &errgroup.Group{}
	g.SetLimit(e.parallelism)
	for _, enr := range enrollments {
		g.Go(func() error {
			result, err := e.processEnrollment(ctx, enr)
			if err != nil {
				failed.Add(1)
				e.log.WithContext(ctx).Error("enrollment processing failed",
					"enrollment_id", enr.ID, "lead_id", enr.LeadID, "error", err)
				return nil
			}
			sent.Add(int64(result.sent))
			if result.completed {
				completed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := BatchStats{
		Enrollments: len(enrollments),
		Sent:        int(sent.Load()),
		Completed:   int(completed.Load()),
		Failed:      int(failed.Load()),
	}
	e.log.WithContext(ctx).Info("sequence batch finished",
		"enrollments", stats.Enrollments, "sent", stats.Sent,
		"completed", stats.Completed, "failed", stats.Failed)
	return stats, nil
}

type enrollmentResult struct {
	sent      int
	completed bool
}

// processEnrollment walks one enrollment forward through every step that is
// currently due, stopping at the first step that is not.
func (e *Executor) processEnrollment(ctx context.Context, enr seqrepo.Enrollment) (enrollmentResult, error) {
	var result enrollmentResult

	// Refresh: the enrollment may have been canceled since the batch was
	// listed (conversion, reply, opt-out mid-batch).
	current, err := e.store.GetEnrollment(ctx, enr.ID)
	if err != nil {
		if errors.Is(err, seqrepo.ErrNotFound) {
			return result, nil
		}
		return result, err
	}
	if current.Status != seqrepo.EnrollmentActive {
		return result, nil
	}

	steps, err := e.store.ListSteps(ctx, current.SequenceID)
	if err != nil {
		return result, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		idx := stepIndex(steps, current.CurrentStepOrder)
		if idx < 0 {
			if err := e.complete(ctx, current.ID); err != nil {
				return result, err
			}
			result.completed = true
			return result, nil
		}
		step := steps[idx]
		nextOrder, isLast := nextStepOrder(steps, idx)

		switch step.Kind() {
		case seqrepo.KindWait:
			if e.now().Before(current.EnrolledAt.Add(step.Delay())) {
				return result, nil
			}

		case seqrepo.KindMessage:
			proceed, sent, err := e.runMessageStep(ctx, current, step, nextOrder, isLast)
			if err != nil {
				return result, err
			}
			if sent {
				result.sent++
			}
			if !proceed {
				return result, nil
			}
			// Success path already advanced transactionally.
			if isLast {
				result.completed = true
				return result, nil
			}
			current.CurrentStepOrder = nextOrder
			continue

		case seqrepo.KindAction:
			if err := e.runActionStep(ctx, current, step); err != nil {
				return result, err
			}
		}

		// Wait and action steps advance here; no execution record.
		if isLast {
			if err := e.complete(ctx, current.ID); err != nil {
				return result, err
			}
			result.completed = true
			return result, nil
		}
		if err := e.advance(ctx, current.ID, nextOrder); err != nil {
			return result, err
		}
		current.CurrentStepOrder = nextOrder
	}
}

// runMessageStep enforces the idempotency gate and, when the step is truly
// unexecuted, runs the send sub-protocol. Returns proceed=true when the
// cursor moved past this step and the walk should continue.
func (e *Executor) runMessageStep(ctx context.Context, enr seqrepo.Enrollment, step seqrepo.Step, nextOrder int, isLast bool) (proceed, sent bool, err error) {
	exec, err := e.store.GetExecution(ctx, enr.ID, step.ID)
	switch {
	case err == nil && exec.Status == seqrepo.ExecutionSent:
		// Already handled (possibly by an overlapping run whose advance was
		// lost to a cancellation race). Skip forward, never resend.
		if err := e.advancePast(ctx, enr.ID, nextOrder, isLast); err != nil {
			return false, false, err
		}
		return true, false, nil

	case err == nil && exec.Attempts >= e.retryLimit:
		// Retries exhausted: keep the failure on record and move on so the
		// rest of the sequence still runs.
		e.log.WithContext(ctx).Warn("message step permanently failed",
			"enrollment_id", enr.ID, "step_id", step.ID, "attempts", exec.Attempts)
		if err := e.advancePast(ctx, enr.ID, nextOrder, isLast); err != nil {
			return false, false, err
		}
		return true, false, nil

	case err != nil && !errors.Is(err, seqrepo.ErrNotFound):
		return false, false, err
	}

	// No execution row, or a failed one with retries left.
	lead, org, ok, err := e.resolveParticipants(ctx, enr)
	if err != nil || !ok {
		return false, false, err
	}

	channel := step.Channel()
	destination, ok := destinationFor(channel, lead)
	if !ok {
		// Missing contact info: skip without an execution row so the step
		// fires if the lead record is ever completed.
		e.log.WithContext(ctx).Warn("message step skipped, no destination",
			"enrollment_id", enr.ID, "step_id", step.ID, "channel", channel)
		return false, false, nil
	}

	body := e.composeBody(ctx, enr, step, lead, org, channel)

	_, err = e.dispatcher.Send(ctx, buildSendRequest(channel, destination, body, lead, org))
	if err != nil {
		attempts, recErr := e.store.RecordFailedExecution(ctx, enr.ID, step.ID, err.Error())
		if recErr != nil && !errors.Is(recErr, seqrepo.ErrAlreadyExecuted) {
			return false, false, recErr
		}
		e.log.WithContext(ctx).DispatchError(channel, destination, err)
		e.log.WithContext(ctx).Warn("message step failed",
			"enrollment_id", enr.ID, "step_id", step.ID, "attempts", attempts)
		return false, false, nil
	}

	rec := SentRecord{
		EnrollmentID:   enr.ID,
		StepID:         step.ID,
		LeadID:         enr.LeadID,
		OrganizationID: enr.OrganizationID,
		Body:           body,
		SentAt:         e.now(),
		NextOrder:      nextOrder,
		Completed:      isLast,
	}
	if err := e.store.RecordSentAndAdvance(ctx, rec); err != nil {
		if errors.Is(err, seqrepo.ErrAlreadyExecuted) {
			// An overlapping run recorded this step first. Our send was the
			// duplicate the constraint exists to make harmless.
			e.log.WithContext(ctx).Warn("lost execution race",
				"enrollment_id", enr.ID, "step_id", step.ID)
			return false, false, nil
		}
		return false, false, err
	}

	e.bus.Publish(ctx, events.SequenceMessageSent{
		BaseEvent:      events.NewBaseEvent(),
		EnrollmentID:   enr.ID,
		LeadID:         enr.LeadID,
		OrganizationID: enr.OrganizationID,
		Channel:        channel,
	})
	return true, true, nil
}

// composeBody asks the generator for content and falls back to the step
// template on any failure. A due message step always produces a body.
func (e *Executor) composeBody(ctx context.Context, enr seqrepo.Enrollment, step seqrepo.Step, lead leadrepo.Lead, org identity.Organization, channel string) string {
	service := ""
	if lead.InterestedService != nil {
		service = *lead.InterestedService
	}

	previous, err := e.store.ListSentMessages(ctx, enr.ID)
	if err != nil {
		e.log.WithContext(ctx).Error("load prior messages failed",
			"enrollment_id", enr.ID, "error", err)
		previous = nil
	}

	body, err := e.gen.Generate(ctx, generator.GenerateParams{
		LeadName:         lead.Name,
		Service:          service,
		BusinessName:     org.Name,
		Tone:             org.Tone,
		MessageType:      generator.MessageTypeForStep(min(step.StepOrder, 3)),
		Channel:          channel,
		PreviousMessages: previous,
	})
	if err == nil && body != "" {
		return body
	}

	template := defaultTemplate
	if step.MessageTemplate != nil && *step.MessageTemplate != "" {
		template = *step.MessageTemplate
	}
	return generator.RenderTemplate(template, lead.Name, service)
}

// resolveParticipants loads the lead and organization for a message step.
// Missing or opted-out participants skip the step with a log, not an error.
func (e *Executor) resolveParticipants(ctx context.Context, enr seqrepo.Enrollment) (leadrepo.Lead, identity.Organization, bool, error) {
	lead, err := e.store.ResolveLead(ctx, enr.LeadID, enr.OrganizationID)
	if err != nil {
		if errors.Is(err, leadrepo.ErrNotFound) {
			e.log.WithContext(ctx).Warn("message step skipped, lead missing",
				"enrollment_id", enr.ID, "lead_id", enr.LeadID)
			return leadrepo.Lead{}, identity.Organization{}, false, nil
		}
		return leadrepo.Lead{}, identity.Organization{}, false, err
	}
	if lead.UnsubscribedAt != nil {
		e.log.WithContext(ctx).Info("message step skipped, lead opted out",
			"enrollment_id", enr.ID, "lead_id", enr.LeadID)
		return leadrepo.Lead{}, identity.Organization{}, false, nil
	}

	org, err := e.store.ResolveOrganization(ctx, enr.OrganizationID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			e.log.WithContext(ctx).Warn("message step skipped, organization missing",
				"enrollment_id", enr.ID, "organization_id", enr.OrganizationID)
			return leadrepo.Lead{}, identity.Organization{}, false, nil
		}
		return leadrepo.Lead{}, identity.Organization{}, false, err
	}
	return lead, org, true, nil
}

// actionPayload covers the minimal bookkeeping action steps carry.
type actionPayload struct {
	Tag     string     `json:"tag"`
	Status  string     `json:"status"`
	UserID  *uuid.UUID `json:"user_id"`
	Message string     `json:"message"`
}

// runActionStep performs the side effect of condition/add_tag/change_status/
// notify_user steps. condition is a no-op extension point.
func (e *Executor) runActionStep(ctx context.Context, enr seqrepo.Enrollment, step seqrepo.Step) error {
	var payload actionPayload
	if len(step.Payload) > 0 {
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			e.log.WithContext(ctx).Warn("action step payload malformed",
				"enrollment_id", enr.ID, "step_id", step.ID, "error", err)
			return nil
		}
	}

	switch step.StepType {
	case seqrepo.StepAddTag:
		if payload.Tag == "" {
			return nil
		}
		return e.store.ApplyTag(ctx, enr.LeadID, payload.Tag)
	case seqrepo.StepChangeStatus:
		if payload.Status == "" {
			return nil
		}
		return e.store.ChangeLeadStatus(ctx, enr.LeadID, enr.OrganizationID, payload.Status)
	case seqrepo.StepNotifyUser:
		e.bus.Publish(ctx, events.UserNotificationRequested{
			BaseEvent:      events.NewBaseEvent(),
			LeadID:         enr.LeadID,
			OrganizationID: enr.OrganizationID,
			UserID:         payload.UserID,
			Message:        payload.Message,
		})
	}
	return nil
}

func (e *Executor) advancePast(ctx context.Context, enrollmentID uuid.UUID, nextOrder int, isLast bool) error {
	if isLast {
		return e.complete(ctx, enrollmentID)
	}
	return e.advance(ctx, enrollmentID, nextOrder)
}

func (e *Executor) advance(ctx context.Context, enrollmentID uuid.UUID, nextOrder int) error {
	err := e.store.Advance(ctx, enrollmentID, nextOrder)
	if errors.Is(err, seqrepo.ErrNotFound) {
		// Canceled under us; nothing left to do.
		return nil
	}
	return err
}

func (e *Executor) complete(ctx context.Context, enrollmentID uuid.UUID) error {
	err := e.store.Complete(ctx, enrollmentID)
	if errors.Is(err, seqrepo.ErrNotFound) {
		return nil
	}
	return err
}

func buildSendRequest(channel, destination, body string, lead leadrepo.Lead, org identity.Organization) dispatch.SendRequest {
	req := dispatch.SendRequest{
		Destination: destination,
		Body:        body,
	}
	switch channel {
	case "sms":
		req.Channel = dispatch.ChannelSMS
		req.SenderName = org.SMSSenderID
		req.Provider = dispatch.Provider(org.SMSProvider)
	case "email":
		req.Channel = dispatch.ChannelEmail
		req.SenderName = org.EmailFromName
		req.SenderAddress = org.EmailFromAddress
		req.Subject = emailSubject(lead, org)
	}
	return req
}

func emailSubject(lead leadrepo.Lead, org identity.Organization) string {
	if lead.InterestedService != nil && *lead.InterestedService != "" {
		return fmt.Sprintf("Following up on your %s request", *lead.InterestedService)
	}
	return fmt.Sprintf("Following up from %s", org.Name)
}

func destinationFor(channel string, lead leadrepo.Lead) (string, bool) {
	switch channel {
	case "sms":
		if lead.Phone == nil || *lead.Phone == "" {
			return "", false
		}
		return *lead.Phone, true
	case "email":
		if lead.Email == nil || *lead.Email == "" {
			return "", false
		}
		return *lead.Email, true
	default:
		return "", false
	}
}

func stepIndex(steps []seqrepo.Step, order int) int {
	for i, step := range steps {
		if step.StepOrder == order {
			return i
		}
	}
	return -1
}

func nextStepOrder(steps []seqrepo.Step, idx int) (int, bool) {
	if idx+1 >= len(steps) {
		return 0, true
	}
	return steps[idx+1].StepOrder, false
}
