package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"servicecrm_backend/internal/dispatch"
	"servicecrm_backend/internal/events"
	"servicecrm_backend/internal/identity"
	leadrepo "servicecrm_backend/internal/leads/repository"
	"servicecrm_backend/internal/sequences/generator"
	seqrepo "servicecrm_backend/internal/sequences/repository"
	"servicecrm_backend/platform/logger"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type execKey struct {
	enrollmentID uuid.UUID
	stepID       uuid.UUID
}

type fakeStore struct {
	mu          sync.Mutex
	enrollments map[uuid.UUID]*seqrepo.Enrollment
	steps       map[uuid.UUID][]seqrepo.Step
	executions  map[execKey]*seqrepo.Execution
	sentBodies  map[uuid.UUID][]string
	leads       map[uuid.UUID]*leadrepo.Lead
	orgs        map[uuid.UUID]identity.Organization
	tags        map[uuid.UUID][]string
	statuses    map[uuid.UUID]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		enrollments: map[uuid.UUID]*seqrepo.Enrollment{},
		steps:       map[uuid.UUID][]seqrepo.Step{},
		executions:  map[execKey]*seqrepo.Execution{},
		sentBodies:  map[uuid.UUID][]string{},
		leads:       map[uuid.UUID]*leadrepo.Lead{},
		orgs:        map[uuid.UUID]identity.Organization{},
		tags:        map[uuid.UUID][]string{},
		statuses:    map[uuid.UUID]string{},
	}
}

func (s *fakeStore) ListActiveEnrollments(_ context.Context, organizationID *uuid.UUID) ([]seqrepo.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []seqrepo.Enrollment
	for _, enr := range s.enrollments {
		if enr.Status != seqrepo.EnrollmentActive {
			continue
		}
		if organizationID != nil && enr.OrganizationID != *organizationID {
			continue
		}
		out = append(out, *enr)
	}
	return out, nil
}

func (s *fakeStore) GetEnrollment(_ context.Context, id uuid.UUID) (seqrepo.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enr, ok := s.enrollments[id]
	if !ok {
		return seqrepo.Enrollment{}, seqrepo.ErrNotFound
	}
	return *enr, nil
}

func (s *fakeStore) ListSteps(_ context.Context, sequenceID uuid.UUID) ([]seqrepo.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[sequenceID], nil
}

func (s *fakeStore) GetExecution(_ context.Context, enrollmentID, stepID uuid.UUID) (seqrepo.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[execKey{enrollmentID, stepID}]
	if !ok {
		return seqrepo.Execution{}, seqrepo.ErrNotFound
	}
	return *exec, nil
}

func (s *fakeStore) ListSentMessages(_ context.Context, enrollmentID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sentBodies[enrollmentID]...), nil
}

func (s *fakeStore) RecordSentAndAdvance(_ context.Context, rec SentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := execKey{rec.EnrollmentID, rec.StepID}
	if existing, ok := s.executions[key]; ok && existing.Status == seqrepo.ExecutionSent {
		return seqrepo.ErrAlreadyExecuted
	}
	s.executions[key] = &seqrepo.Execution{
		EnrollmentID: rec.EnrollmentID,
		StepID:       rec.StepID,
		Status:       seqrepo.ExecutionSent,
	}
	s.sentBodies[rec.EnrollmentID] = append(s.sentBodies[rec.EnrollmentID], rec.Body)

	enr, ok := s.enrollments[rec.EnrollmentID]
	if !ok || enr.Status != seqrepo.EnrollmentActive {
		// Canceled mid-send: the audit row stays, the cursor does not move.
		return nil
	}
	if rec.Completed {
		enr.Status = seqrepo.EnrollmentCompleted
	} else {
		enr.CurrentStepOrder = rec.NextOrder
	}
	return nil
}

func (s *fakeStore) RecordFailedExecution(_ context.Context, enrollmentID, stepID uuid.UUID, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := execKey{enrollmentID, stepID}
	if existing, ok := s.executions[key]; ok {
		if existing.Status == seqrepo.ExecutionSent {
			return 0, seqrepo.ErrAlreadyExecuted
		}
		existing.Attempts++
		existing.ErrorMessage = &errMsg
		return existing.Attempts, nil
	}
	s.executions[key] = &seqrepo.Execution{
		EnrollmentID: enrollmentID,
		StepID:       stepID,
		Status:       seqrepo.ExecutionFailed,
		Attempts:     1,
		ErrorMessage: &errMsg,
	}
	return 1, nil
}

func (s *fakeStore) Advance(_ context.Context, enrollmentID uuid.UUID, nextOrder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enr, ok := s.enrollments[enrollmentID]
	if !ok || enr.Status != seqrepo.EnrollmentActive {
		return seqrepo.ErrNotFound
	}
	enr.CurrentStepOrder = nextOrder
	return nil
}

func (s *fakeStore) Complete(_ context.Context, enrollmentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enr, ok := s.enrollments[enrollmentID]
	if !ok || enr.Status != seqrepo.EnrollmentActive {
		return seqrepo.ErrNotFound
	}
	enr.Status = seqrepo.EnrollmentCompleted
	return nil
}

func (s *fakeStore) ResolveLead(_ context.Context, leadID, organizationID uuid.UUID) (leadrepo.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[leadID]
	if !ok || lead.OrganizationID != organizationID {
		return leadrepo.Lead{}, leadrepo.ErrNotFound
	}
	return *lead, nil
}

func (s *fakeStore) ResolveOrganization(_ context.Context, id uuid.UUID) (identity.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return identity.Organization{}, identity.ErrNotFound
	}
	return org, nil
}

func (s *fakeStore) ApplyTag(_ context.Context, leadID uuid.UUID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[leadID] = append(s.tags[leadID], tag)
	return nil
}

func (s *fakeStore) ChangeLeadStatus(_ context.Context, leadID, _ uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[leadID] = status
	return nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []dispatch.SendRequest
	err  error
}

func (d *fakeDispatcher) Send(_ context.Context, req dispatch.SendRequest) (dispatch.SendResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return dispatch.SendResult{}, d.err
	}
	d.sent = append(d.sent, req)
	return dispatch.SendResult{ProviderMessageID: "msg-1"}, nil
}

func (d *fakeDispatcher) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fakeGenerator struct {
	body string
	err  error
	last generator.GenerateParams
}

func (g *fakeGenerator) Generate(_ context.Context, params generator.GenerateParams) (string, error) {
	g.last = params
	return g.body, g.err
}

type fakeBus struct {
	mu        sync.Mutex
	published []events.Event
}

func (b *fakeBus) Publish(_ context.Context, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
}

func (b *fakeBus) PublishSync(_ context.Context, event events.Event) error {
	b.Publish(context.Background(), event)
	return nil
}

func (b *fakeBus) Subscribe(string, events.Handler) {}

type engineCfg struct {
	parallelism int
	retryLimit  int
}

func (c engineCfg) GetBatchParallelism() int  { return c.parallelism }
func (c engineCfg) GetMessageRetryLimit() int { return c.retryLimit }

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type world struct {
	store      *fakeStore
	dispatcher *fakeDispatcher
	gen        *fakeGenerator
	bus        *fakeBus
	exec       *Executor

	orgID      uuid.UUID
	leadID     uuid.UUID
	sequenceID uuid.UUID
}

func newWorld(t *testing.T) *world {
	t.Helper()

	w := &world{
		store:      newFakeStore(),
		dispatcher: &fakeDispatcher{},
		gen:        &fakeGenerator{err: generator.ErrGenerationUnavailable},
		bus:        &fakeBus{},
		orgID:      uuid.New(),
		leadID:     uuid.New(),
		sequenceID: uuid.New(),
	}

	phone := "+31612345678"
	email := "jan@example.com"
	service := "boiler repair"
	w.store.leads[w.leadID] = &leadrepo.Lead{
		ID:                w.leadID,
		OrganizationID:    w.orgID,
		Name:              "Jan",
		Phone:             &phone,
		Email:             &email,
		InterestedService: &service,
		Status:            "new",
	}
	w.store.orgs[w.orgID] = identity.Organization{
		ID:   w.orgID,
		Name: "Acme Install",
		Tone: "friendly",
	}

	w.exec = New(w.store, w.dispatcher, w.gen, w.bus, engineCfg{parallelism: 2, retryLimit: 3}, logger.New("development"))
	return w
}

func (w *world) at(now time.Time) {
	w.exec.now = func() time.Time { return now }
}

func (w *world) addSteps(steps ...seqrepo.Step) {
	for i := range steps {
		if steps[i].ID == uuid.Nil {
			steps[i].ID = uuid.New()
		}
		steps[i].SequenceID = w.sequenceID
	}
	w.store.steps[w.sequenceID] = steps
}

func (w *world) enroll(enrolledAt time.Time) uuid.UUID {
	id := uuid.New()
	startOrder := 0
	if steps := w.store.steps[w.sequenceID]; len(steps) > 0 {
		startOrder = steps[0].StepOrder
	}
	w.store.enrollments[id] = &seqrepo.Enrollment{
		ID:               id,
		LeadID:           w.leadID,
		SequenceID:       w.sequenceID,
		OrganizationID:   w.orgID,
		Status:           seqrepo.EnrollmentActive,
		CurrentStepOrder: startOrder,
		EnrolledAt:       enrolledAt,
	}
	return id
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func waitStep(order, value int, unit string) seqrepo.Step {
	return seqrepo.Step{StepOrder: order, StepType: seqrepo.StepWait, DelayValue: intPtr(value), DelayUnit: strPtr(unit)}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunBatch_WaitDelaysAnchorAtEnrollment(t *testing.T) {
	w := newWorld(t)
	w.addSteps(
		waitStep(0, 30, "minutes"),
		seqrepo.Step{StepOrder: 1, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Hi {name}, about your {service}.")},
		waitStep(2, 24, "hours"),
		seqrepo.Step{StepOrder: 3, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Still there, {name}?")},
	)

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	enrID := w.enroll(enrolledAt)

	// 10 minutes in: the first wait is not due, nothing happens.
	w.at(enrolledAt.Add(10 * time.Minute))
	stats, err := w.exec.RunBatch(context.Background(), &w.orgID)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if stats.Sent != 0 || w.dispatcher.sentCount() != 0 {
		t.Fatalf("expected no sends before the wait elapses, got %d", w.dispatcher.sentCount())
	}

	// 31 minutes in: the wait elapsed, the first SMS goes out, and the cursor
	// parks on the second wait.
	w.at(enrolledAt.Add(31 * time.Minute))
	stats, err = w.exec.RunBatch(context.Background(), &w.orgID)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if stats.Sent != 1 || w.dispatcher.sentCount() != 1 {
		t.Fatalf("expected exactly one send, got %d", w.dispatcher.sentCount())
	}
	if got := w.store.enrollments[enrID].CurrentStepOrder; got != 2 {
		t.Fatalf("expected cursor at step 2, got %d", got)
	}

	// The second wait is 24h from ENROLLMENT, not from the first send, so it
	// is due at 9:00 the next day even though the SMS went out at 9:31.
	w.at(enrolledAt.Add(24*time.Hour + time.Minute))
	stats, err = w.exec.RunBatch(context.Background(), &w.orgID)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if stats.Sent != 1 || w.dispatcher.sentCount() != 2 {
		t.Fatalf("expected second send, got %d total", w.dispatcher.sentCount())
	}
	if stats.Completed != 1 {
		t.Fatalf("expected enrollment completed, got %+v", stats)
	}
	if got := w.store.enrollments[enrID].Status; got != seqrepo.EnrollmentCompleted {
		t.Fatalf("expected completed status, got %s", got)
	}
}

func TestRunBatch_SecondRunSendsNothing(t *testing.T) {
	w := newWorld(t)
	w.addSteps(
		seqrepo.Step{StepOrder: 0, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Hi {name}")},
		waitStep(1, 24, "hours"),
		seqrepo.Step{StepOrder: 2, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Hi again {name}")},
	)

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if w.dispatcher.sentCount() != 1 {
		t.Fatalf("expected one send on first run, got %d", w.dispatcher.sentCount())
	}

	// Delivery is at-least-once, so the same batch may fire again immediately.
	// The execution record keeps the rerun silent.
	for i := 0; i < 3; i++ {
		if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
			t.Fatalf("rerun %d: %v", i, err)
		}
	}
	if w.dispatcher.sentCount() != 1 {
		t.Fatalf("rerun resent a message: %d sends", w.dispatcher.sentCount())
	}
}

func TestRunBatch_ExistingSentRowSkipsForward(t *testing.T) {
	w := newWorld(t)
	stepID := uuid.New()
	w.addSteps(
		seqrepo.Step{ID: stepID, StepOrder: 0, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Hi {name}")},
		seqrepo.Step{StepOrder: 1, StepType: seqrepo.StepAddTag, Payload: []byte(`{"tag":"touched"}`)},
	)

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	enrID := w.enroll(enrolledAt)

	// A previous crashed run recorded the send but lost the advance.
	w.store.executions[execKey{enrID, stepID}] = &seqrepo.Execution{
		EnrollmentID: enrID, StepID: stepID, Status: seqrepo.ExecutionSent,
	}

	w.at(enrolledAt.Add(time.Minute))
	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if w.dispatcher.sentCount() != 0 {
		t.Fatalf("recovered step must not resend, got %d sends", w.dispatcher.sentCount())
	}
	if got := w.store.tags[w.leadID]; len(got) != 1 || got[0] != "touched" {
		t.Fatalf("expected walk to continue into the tag step, tags=%v", got)
	}
	if got := w.store.enrollments[enrID].Status; got != seqrepo.EnrollmentCompleted {
		t.Fatalf("expected enrollment completed, got %s", got)
	}
}

func TestRunBatch_GeneratorFallbackToTemplate(t *testing.T) {
	w := newWorld(t)
	w.gen.err = generator.ErrGenerationUnavailable
	w.addSteps(seqrepo.Step{StepOrder: 0, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Hi {name}, news on {service}.")})

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if w.dispatcher.sentCount() != 1 {
		t.Fatalf("generator failure must not block the send, got %d", w.dispatcher.sentCount())
	}
	if got := w.dispatcher.sent[0].Body; got != "Hi Jan, news on boiler repair." {
		t.Fatalf("expected rendered template, got %q", got)
	}
}

func TestRunBatch_GeneratedContentWins(t *testing.T) {
	w := newWorld(t)
	w.gen.err = nil
	w.gen.body = "Hey Jan, quick update on your boiler repair quote."
	w.addSteps(seqrepo.Step{StepOrder: 0, StepType: seqrepo.StepSendEmail, MessageTemplate: strPtr("fallback")})

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if w.dispatcher.sentCount() != 1 {
		t.Fatalf("expected one send, got %d", w.dispatcher.sentCount())
	}
	if got := w.dispatcher.sent[0].Body; got != w.gen.body {
		t.Fatalf("expected generated body, got %q", got)
	}
	if w.gen.last.MessageType != generator.MessageInitial {
		t.Fatalf("expected initial register, got %s", w.gen.last.MessageType)
	}
	if w.gen.last.BusinessName != "Acme Install" || w.gen.last.Tone != "friendly" {
		t.Fatalf("expected org identity in params, got %+v", w.gen.last)
	}
}

func TestRunBatch_StepWithoutTemplateUsesDefault(t *testing.T) {
	w := newWorld(t)
	w.addSteps(seqrepo.Step{StepOrder: 0, StepType: seqrepo.StepSendSMS})

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	want := "Hi Jan, just checking in about your boiler repair request. Reply here if you have any questions."
	if got := w.dispatcher.sent[0].Body; got != want {
		t.Fatalf("expected default template body, got %q", got)
	}
}

func TestRunBatch_DispatchFailureRecordsAttemptWithoutAdvancing(t *testing.T) {
	w := newWorld(t)
	w.dispatcher.err = errors.New("gateway 502")
	stepID := uuid.New()
	w.addSteps(
		seqrepo.Step{ID: stepID, StepOrder: 0, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Hi {name}")},
		seqrepo.Step{StepOrder: 1, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("again")},
	)

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	enrID := w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	exec := w.store.executions[execKey{enrID, stepID}]
	if exec == nil || exec.Status != seqrepo.ExecutionFailed || exec.Attempts != 1 {
		t.Fatalf("expected one failed attempt on record, got %+v", exec)
	}
	if got := w.store.enrollments[enrID].CurrentStepOrder; got != 0 {
		t.Fatalf("failed step must not advance, cursor at %d", got)
	}

	// Next run retries the same step.
	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if exec := w.store.executions[execKey{enrID, stepID}]; exec.Attempts != 2 {
		t.Fatalf("expected second attempt, got %d", exec.Attempts)
	}
}

func TestRunBatch_RetriesExhaustedAdvancesPastStep(t *testing.T) {
	w := newWorld(t)
	w.dispatcher.err = errors.New("gateway down")
	stepID := uuid.New()
	w.addSteps(
		seqrepo.Step{ID: stepID, StepOrder: 0, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Hi {name}")},
		seqrepo.Step{StepOrder: 1, StepType: seqrepo.StepSendEmail, MessageTemplate: strPtr("mail {name}")},
	)

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	enrID := w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	// Burn through the retry budget.
	for i := 0; i < 3; i++ {
		if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if exec := w.store.executions[execKey{enrID, stepID}]; exec.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", exec.Attempts)
	}

	// Gateway recovers. The exhausted step stays failed; the sequence moves on
	// and the email step still fires.
	w.dispatcher.err = nil
	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("post-recovery run: %v", err)
	}
	if exec := w.store.executions[execKey{enrID, stepID}]; exec.Status != seqrepo.ExecutionFailed {
		t.Fatalf("exhausted step must stay failed, got %s", exec.Status)
	}
	if w.dispatcher.sentCount() != 1 {
		t.Fatalf("expected only the email step to send, got %d", w.dispatcher.sentCount())
	}
	if got := w.dispatcher.sent[0].Channel; got != dispatch.ChannelEmail {
		t.Fatalf("expected email send, got %s", got)
	}
	if got := w.store.enrollments[enrID].Status; got != seqrepo.EnrollmentCompleted {
		t.Fatalf("expected enrollment completed, got %s", got)
	}
}

func TestRunBatch_CanceledEnrollmentIsSkipped(t *testing.T) {
	w := newWorld(t)
	w.addSteps(seqrepo.Step{StepOrder: 0, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Hi {name}")})

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	enrID := w.enroll(enrolledAt)
	// Canceled between listing and processing (reply/conversion mid-batch).
	w.store.enrollments[enrID].Status = seqrepo.EnrollmentCanceled

	w.at(enrolledAt.Add(time.Minute))
	if _, err := w.exec.RunBatch(context.Background(), nil); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if w.dispatcher.sentCount() != 0 {
		t.Fatalf("canceled enrollment must not send, got %d", w.dispatcher.sentCount())
	}
}

func TestRunBatch_MissingPhoneSkipsWithoutExecutionRow(t *testing.T) {
	w := newWorld(t)
	w.store.leads[w.leadID].Phone = nil
	stepID := uuid.New()
	w.addSteps(seqrepo.Step{ID: stepID, StepOrder: 0, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Hi {name}")})

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	enrID := w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if w.dispatcher.sentCount() != 0 {
		t.Fatalf("expected no send without a phone number")
	}
	if _, ok := w.store.executions[execKey{enrID, stepID}]; ok {
		t.Fatalf("skip must not create an execution row")
	}
	if got := w.store.enrollments[enrID].CurrentStepOrder; got != 0 {
		t.Fatalf("skip must not advance, cursor at %d", got)
	}

	// Phone arrives later; the step fires on the next pass.
	phone := "+31687654321"
	w.store.leads[w.leadID].Phone = &phone
	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if w.dispatcher.sentCount() != 1 {
		t.Fatalf("expected the step to fire once the phone exists")
	}
}

func TestRunBatch_OptedOutLeadNeverMessaged(t *testing.T) {
	w := newWorld(t)
	unsubscribed := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	w.store.leads[w.leadID].UnsubscribedAt = &unsubscribed
	w.addSteps(seqrepo.Step{StepOrder: 0, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Hi {name}")})

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if w.dispatcher.sentCount() != 0 {
		t.Fatalf("opted-out lead received a message")
	}
}

func TestRunBatch_ActionStepsApplyAndAdvance(t *testing.T) {
	w := newWorld(t)
	w.addSteps(
		seqrepo.Step{StepOrder: 0, StepType: seqrepo.StepAddTag, Payload: []byte(`{"tag":"sequence-run"}`)},
		seqrepo.Step{StepOrder: 1, StepType: seqrepo.StepChangeStatus, Payload: []byte(`{"status":"nurturing"}`)},
		seqrepo.Step{StepOrder: 2, StepType: seqrepo.StepNotifyUser, Payload: []byte(`{"message":"call this lead"}`)},
		seqrepo.Step{StepOrder: 3, StepType: seqrepo.StepCondition, Payload: []byte(`{}`)},
	)

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	enrID := w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	stats, err := w.exec.RunBatch(context.Background(), &w.orgID)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if got := w.store.tags[w.leadID]; len(got) != 1 || got[0] != "sequence-run" {
		t.Fatalf("expected tag applied, got %v", got)
	}
	if got := w.store.statuses[w.leadID]; got != "nurturing" {
		t.Fatalf("expected status change to nurturing, got %q", got)
	}

	notified := false
	for _, ev := range w.bus.published {
		if _, ok := ev.(events.UserNotificationRequested); ok {
			notified = true
		}
	}
	if !notified {
		t.Fatalf("expected a user notification event")
	}

	if stats.Completed != 1 {
		t.Fatalf("action-only sequence should complete in one pass, got %+v", stats)
	}
	if got := w.store.enrollments[enrID].Status; got != seqrepo.EnrollmentCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestRunBatch_MessageTypeRegisterProgression(t *testing.T) {
	w := newWorld(t)
	w.gen.err = nil
	w.gen.body = "generated"
	w.addSteps(
		seqrepo.Step{StepOrder: 0, StepType: seqrepo.StepSendSMS},
		seqrepo.Step{StepOrder: 1, StepType: seqrepo.StepSendSMS},
		seqrepo.Step{StepOrder: 2, StepType: seqrepo.StepSendSMS},
		seqrepo.Step{StepOrder: 3, StepType: seqrepo.StepSendSMS},
		seqrepo.Step{StepOrder: 4, StepType: seqrepo.StepSendSMS},
	)

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	wantTypes := []string{
		generator.MessageInitial,
		generator.MessageFollowUp1,
		generator.MessageFollowUp2,
		generator.MessageFinal,
		generator.MessageFinal, // everything past the third touch is final
	}

	var gotTypes []string
	origGen := w.exec.gen
	w.exec.gen = generatorFunc(func(ctx context.Context, params generator.GenerateParams) (string, error) {
		gotTypes = append(gotTypes, params.MessageType)
		return origGen.Generate(ctx, params)
	})

	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if len(gotTypes) != len(wantTypes) {
		t.Fatalf("expected %d sends, got %d", len(wantTypes), len(gotTypes))
	}
	for i := range wantTypes {
		if gotTypes[i] != wantTypes[i] {
			t.Fatalf("step %d: expected register %s, got %s", i, wantTypes[i], gotTypes[i])
		}
	}
}

type generatorFunc func(ctx context.Context, params generator.GenerateParams) (string, error)

func (f generatorFunc) Generate(ctx context.Context, params generator.GenerateParams) (string, error) {
	return f(ctx, params)
}

func TestRunBatch_PreviousMessagesFlowIntoGenerator(t *testing.T) {
	w := newWorld(t)
	w.gen.err = nil
	w.gen.body = "generated"
	w.addSteps(
		seqrepo.Step{StepOrder: 0, StepType: seqrepo.StepSendSMS},
		seqrepo.Step{StepOrder: 1, StepType: seqrepo.StepSendSMS},
	)

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	if _, err := w.exec.RunBatch(context.Background(), &w.orgID); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if len(w.gen.last.PreviousMessages) != 1 || w.gen.last.PreviousMessages[0] != "generated" {
		t.Fatalf("second step should see the first message, got %v", w.gen.last.PreviousMessages)
	}
}

func TestRunBatch_TenantScoping(t *testing.T) {
	w := newWorld(t)
	w.addSteps(seqrepo.Step{StepOrder: 0, StepType: seqrepo.StepSendSMS, MessageTemplate: strPtr("Hi {name}")})

	enrolledAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	w.enroll(enrolledAt)
	w.at(enrolledAt.Add(time.Minute))

	otherOrg := uuid.New()
	stats, err := w.exec.RunBatch(context.Background(), &otherOrg)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if stats.Enrollments != 0 || w.dispatcher.sentCount() != 0 {
		t.Fatalf("foreign tenant batch touched enrollments: %+v", stats)
	}
}
