package handler

import (
	"context"
	"errors"
	"net/http"

	"servicecrm_backend/internal/sequences/enrollment"
	"servicecrm_backend/internal/sequences/executor"
	"servicecrm_backend/internal/sequences/repository"
	"servicecrm_backend/internal/sequences/transport"
	"servicecrm_backend/platform/httpkit"
	"servicecrm_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// Seeder installs the stock sequences for a tenant.
type Seeder func(ctx context.Context, organizationID uuid.UUID) (int, error)

type Handler struct {
	repo       *repository.Repository
	enrollment *enrollment.Service
	executor   *executor.Executor
	seed       Seeder
	val        *validator.Validator
}

func New(repo *repository.Repository, enrollSvc *enrollment.Service, exec *executor.Executor, seed Seeder, val *validator.Validator) *Handler {
	return &Handler{repo: repo, enrollment: enrollSvc, executor: exec, seed: seed, val: val}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.CreateSequence)
	rg.POST("/install-defaults", h.InstallDefaults)
	rg.POST("/batch-run", h.BatchRun)
	rg.POST("/:id/enrollments", h.Enroll)
}

// RegisterTriggerRoutes mounts the external trigger contract.
func (h *Handler) RegisterTriggerRoutes(rg *gin.RouterGroup) {
	rg.POST("/:name", h.FireTrigger)
}

func (h *Handler) CreateSequence(c *gin.Context) {
	orgID, ok := httpkit.MustGetOrganizationID(c)
	if !ok {
		return
	}

	var req transport.CreateSequenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	steps := make([]repository.CreateStepParams, 0, len(req.Steps))
	for i, step := range req.Steps {
		steps = append(steps, repository.CreateStepParams{
			StepOrder:       i,
			StepType:        step.StepType,
			DelayValue:      step.DelayValue,
			DelayUnit:       step.DelayUnit,
			MessageTemplate: step.MessageTemplate,
			Payload:         step.Payload,
		})
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	def, err := h.repo.CreateDefinition(c.Request.Context(), repository.CreateDefinitionParams{
		OrganizationID: orgID,
		Name:           req.Name,
		Trigger:        req.Trigger,
		IsActive:       active,
	}, steps)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateDefinition) {
			httpkit.Error(c, http.StatusConflict, "sequence with this name already exists", nil)
			return
		}
		_ = httpkit.HandleError(c, err)
		return
	}
	httpkit.Created(c, transport.ToSequenceResponse(def))
}

func (h *Handler) InstallDefaults(c *gin.Context) {
	orgID, ok := httpkit.MustGetOrganizationID(c)
	if !ok {
		return
	}

	created, err := h.seed(c.Request.Context(), orgID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"created": created})
}

func (h *Handler) Enroll(c *gin.Context) {
	orgID, ok := httpkit.MustGetOrganizationID(c)
	if !ok {
		return
	}
	sequenceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	var req transport.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	enr, err := h.enrollment.Enroll(c.Request.Context(), orgID, req.LeadID, sequenceID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Created(c, transport.ToEnrollmentResponse(enr))
}

func (h *Handler) FireTrigger(c *gin.Context) {
	orgID, ok := httpkit.MustGetOrganizationID(c)
	if !ok {
		return
	}
	trigger := c.Param("name")

	var req transport.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	enrolled, err := h.enrollment.EnrollByTrigger(c.Request.Context(), orgID, req.LeadID, trigger)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"enrolled": enrolled})
}

// BatchRun kicks one executor pass for the calling tenant. The periodic
// scheduler does the same thing on a cadence; this endpoint exists for
// operations and tests.
func (h *Handler) BatchRun(c *gin.Context) {
	orgID, ok := httpkit.MustGetOrganizationID(c)
	if !ok {
		return
	}

	stats, err := h.executor.RunBatch(c.Request.Context(), &orgID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.BatchRunResponse{
		Enrollments: stats.Enrollments,
		Sent:        stats.Sent,
		Completed:   stats.Completed,
		Failed:      stats.Failed,
	})
}
