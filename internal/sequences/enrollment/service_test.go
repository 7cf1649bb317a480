package enrollment

import (
	"context"
	"sync"
	"testing"

	"servicecrm_backend/internal/events"
	"servicecrm_backend/internal/sequences/repository"
	"servicecrm_backend/platform/apperr"
	"servicecrm_backend/platform/logger"

	"github.com/google/uuid"
)

type enrollKey struct {
	leadID     uuid.UUID
	sequenceID uuid.UUID
}

type fakeStore struct {
	mu          sync.Mutex
	definitions map[uuid.UUID]repository.Definition
	steps       map[uuid.UUID][]repository.Step
	enrollments map[enrollKey]repository.Enrollment
	canceled    []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		definitions: make(map[uuid.UUID]repository.Definition),
		steps:       make(map[uuid.UUID][]repository.Step),
		enrollments: make(map[enrollKey]repository.Enrollment),
	}
}

func (f *fakeStore) GetDefinition(_ context.Context, id, organizationID uuid.UUID) (repository.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.definitions[id]
	if !ok || def.OrganizationID != organizationID {
		return repository.Definition{}, repository.ErrNotFound
	}
	return def, nil
}

func (f *fakeStore) ListActiveDefinitionsByTrigger(_ context.Context, organizationID uuid.UUID, trigger string) ([]repository.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var defs []repository.Definition
	for _, def := range f.definitions {
		if def.OrganizationID == organizationID && def.Trigger == trigger && def.IsActive {
			defs = append(defs, def)
		}
	}
	return defs, nil
}

func (f *fakeStore) ListSteps(_ context.Context, sequenceID uuid.UUID) ([]repository.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps[sequenceID], nil
}

func (f *fakeStore) CreateEnrollment(_ context.Context, leadID, sequenceID, organizationID uuid.UUID, startOrder int) (repository.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := enrollKey{leadID: leadID, sequenceID: sequenceID}
	if existing, ok := f.enrollments[key]; ok && existing.Status == repository.EnrollmentActive {
		return repository.Enrollment{}, repository.ErrAlreadyEnrolled
	}
	enr := repository.Enrollment{
		ID:               uuid.New(),
		LeadID:           leadID,
		SequenceID:       sequenceID,
		OrganizationID:   organizationID,
		Status:           repository.EnrollmentActive,
		CurrentStepOrder: startOrder,
	}
	f.enrollments[key] = enr
	return enr, nil
}

func (f *fakeStore) CancelActiveByLead(_ context.Context, leadID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for key, enr := range f.enrollments {
		if key.leadID == leadID && enr.Status == repository.EnrollmentActive {
			enr.Status = repository.EnrollmentCanceled
			f.enrollments[key] = enr
			count++
		}
	}
	f.canceled = append(f.canceled, leadID)
	return count, nil
}

func (f *fakeStore) addSequence(orgID uuid.UUID, trigger string, active bool, stepCount int) uuid.UUID {
	id := uuid.New()
	f.definitions[id] = repository.Definition{
		ID:             id,
		OrganizationID: orgID,
		Name:           "seq " + id.String()[:8],
		Trigger:        trigger,
		IsActive:       active,
	}
	for i := 0; i < stepCount; i++ {
		f.steps[id] = append(f.steps[id], repository.Step{
			ID:         uuid.New(),
			SequenceID: id,
			StepOrder:  i,
			StepType:   "send_sms",
		})
	}
	return id
}

func newTestService(store *fakeStore) *Service {
	return New(store, logger.New("development"))
}

func TestEnroll_StartsAtFirstStep(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	leadID := uuid.New()
	seqID := store.addSequence(orgID, TriggerLeadCreated, true, 3)

	enr, err := newTestService(store).Enroll(context.Background(), orgID, leadID, seqID)
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if enr.Status != repository.EnrollmentActive {
		t.Fatalf("expected active enrollment, got %s", enr.Status)
	}
	if enr.CurrentStepOrder != 0 {
		t.Fatalf("expected cursor at first step, got %d", enr.CurrentStepOrder)
	}
}

func TestEnroll_UnknownSequenceIsNotFound(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()

	_, err := newTestService(store).Enroll(context.Background(), orgID, uuid.New(), uuid.New())
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEnroll_OtherTenantSequenceIsNotFound(t *testing.T) {
	store := newFakeStore()
	seqID := store.addSequence(uuid.New(), TriggerLeadCreated, true, 2)

	_, err := newTestService(store).Enroll(context.Background(), uuid.New(), uuid.New(), seqID)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for foreign tenant, got %v", err)
	}
}

func TestEnroll_InactiveOrEmptySequenceConflicts(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	inactive := store.addSequence(orgID, TriggerLeadCreated, false, 2)
	empty := store.addSequence(orgID, TriggerLeadCreated, true, 0)
	svc := newTestService(store)

	if _, err := svc.Enroll(context.Background(), orgID, uuid.New(), inactive); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("inactive sequence: expected conflict, got %v", err)
	}
	if _, err := svc.Enroll(context.Background(), orgID, uuid.New(), empty); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("empty sequence: expected conflict, got %v", err)
	}
}

func TestEnroll_SecondActiveRunConflicts(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	leadID := uuid.New()
	seqID := store.addSequence(orgID, TriggerLeadCreated, true, 2)
	svc := newTestService(store)

	if _, err := svc.Enroll(context.Background(), orgID, leadID, seqID); err != nil {
		t.Fatalf("first enroll: %v", err)
	}
	_, err := svc.Enroll(context.Background(), orgID, leadID, seqID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict on duplicate enrollment, got %v", err)
	}

	// A canceled run does not block re-enrollment.
	if _, err := store.CancelActiveByLead(context.Background(), leadID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Enroll(context.Background(), orgID, leadID, seqID); err != nil {
		t.Fatalf("re-enroll after cancel: %v", err)
	}
}

func TestEnrollByTrigger_SkipsExistingRuns(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	leadID := uuid.New()
	first := store.addSequence(orgID, "no_response_24h", true, 2)
	store.addSequence(orgID, "no_response_24h", true, 2)
	store.addSequence(orgID, "no_response_24h", false, 2) // inactive, never matched
	store.addSequence(orgID, TriggerLeadCreated, true, 2) // other trigger
	svc := newTestService(store)

	if _, err := svc.Enroll(context.Background(), orgID, leadID, first); err != nil {
		t.Fatalf("pre-enroll: %v", err)
	}

	enrolled, err := svc.EnrollByTrigger(context.Background(), orgID, leadID, "no_response_24h")
	if err != nil {
		t.Fatalf("enroll by trigger: %v", err)
	}
	if enrolled != 1 {
		t.Fatalf("expected 1 new enrollment, got %d", enrolled)
	}
}

func TestRegisterHandlers_LeadCreatedAutoEnrolls(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	leadID := uuid.New()
	seqID := store.addSequence(orgID, TriggerLeadCreated, true, 2)

	bus := events.NewInMemoryBus(logger.New("development"))
	newTestService(store).RegisterHandlers(bus)

	err := bus.PublishSync(context.Background(), events.LeadCreated{
		BaseEvent:      events.NewBaseEvent(),
		LeadID:         leadID,
		OrganizationID: orgID,
		Source:         "website",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, ok := store.enrollments[enrollKey{leadID: leadID, sequenceID: seqID}]; !ok {
		t.Fatalf("lead was not auto-enrolled on creation")
	}
}

func TestRegisterHandlers_ReplyAndOptOutCancelRuns(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	leadID := uuid.New()
	seqID := store.addSequence(orgID, TriggerLeadCreated, true, 2)

	bus := events.NewInMemoryBus(logger.New("development"))
	svc := newTestService(store)
	svc.RegisterHandlers(bus)

	if _, err := svc.Enroll(context.Background(), orgID, leadID, seqID); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	err := bus.PublishSync(context.Background(), events.LeadReplied{
		BaseEvent:      events.NewBaseEvent(),
		LeadID:         leadID,
		OrganizationID: orgID,
		Channel:        "sms",
		Body:           "sounds good, call me tomorrow",
	})
	if err != nil {
		t.Fatalf("publish reply: %v", err)
	}

	enr := store.enrollments[enrollKey{leadID: leadID, sequenceID: seqID}]
	if enr.Status != repository.EnrollmentCanceled {
		t.Fatalf("expected reply to cancel the run, got status %s", enr.Status)
	}

	for _, event := range []events.Event{
		events.LeadConverted{BaseEvent: events.NewBaseEvent(), LeadID: leadID, OrganizationID: orgID},
		events.LeadUnsubscribed{BaseEvent: events.NewBaseEvent(), LeadID: leadID, OrganizationID: orgID},
		events.LeadDeleted{BaseEvent: events.NewBaseEvent(), LeadID: leadID, OrganizationID: orgID},
	} {
		if err := bus.PublishSync(context.Background(), event); err != nil {
			t.Fatalf("publish %s: %v", event.EventName(), err)
		}
	}
	if len(store.canceled) < 4 {
		t.Fatalf("expected every stop event to reach the cancel path, got %d calls", len(store.canceled))
	}
}
