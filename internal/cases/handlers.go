package cases

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lexbridge/casepay/internal/auth"
	"github.com/lexbridge/casepay/internal/logging"
)

// Handler provides HTTP endpoints for case operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new case handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up participant routes. The group must carry
// auth.RequireActor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/cases", h.CreateCase)
	r.GET("/cases/:id", h.GetCase)
	r.POST("/cases/:id/disputes", h.RaiseDispute)
	r.POST("/cases/:id/files", h.AttachFile)
	r.GET("/cases/:id/work-access", h.WorkAccess)
}

// RegisterAdminRoutes sets up admin routes. The group must carry
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/cases/:id", h.AdminGetCase)
	r.POST("/cases/:id/status", h.UpdateStatus)
	r.POST("/cases/:id/assign", h.Assign)
	r.POST("/cases/:id/archive", h.SetArchived)
	r.PATCH("/cases/:id/disputes/:disputeId/notes", h.UpdateDisputeNotes)
}

// ErrorStatus maps case errors onto an HTTP status and error code. ok is
// false for errors this package does not own.
func ErrorStatus(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, ErrCaseNotFound), errors.Is(err, ErrDisputeNotFound):
		return http.StatusNotFound, "not_found", true
	case errors.Is(err, ErrPaymentNotSecured):
		return http.StatusForbidden, "payment_not_secured", true
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden", true
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error", true
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict", true
	case errors.Is(err, ErrPayoutExists), errors.Is(err, ErrIncomeExists):
		return http.StatusConflict, "already_applied", true
	}
	return 0, "", false
}

func respondError(c *gin.Context, err error) {
	status, code, ok := ErrorStatus(err)
	if !ok {
		logging.L(c.Request.Context()).Error("case request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

// CreateCase handles POST /v1/cases
func (h *Handler) CreateCase(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	req.AttorneyID = auth.Actor(c)

	created, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"case": created})
}

// GetCase handles GET /v1/cases/:id
func (h *Handler) GetCase(c *gin.Context) {
	found, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !found.IsParticipant(auth.Actor(c)) {
		respondError(c, ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": found})
}

// AdminGetCase handles GET /v1/admin/cases/:id
func (h *Handler) AdminGetCase(c *gin.Context) {
	found, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": found})
}

type statusRequest struct {
	From string `json:"from"`
	To   string `json:"to" binding:"required"`
}

// UpdateStatus handles POST /v1/admin/cases/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "to is required")
		return
	}
	to, err := ParseStatus(req.To)
	if err != nil {
		respondError(c, err)
		return
	}
	var from Status
	if req.From != "" {
		if from, err = ParseStatus(req.From); err != nil {
			respondError(c, err)
			return
		}
	}

	updated, err := h.service.Transition(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": updated})
}

type assignRequest struct {
	ParalegalID string `json:"paralegalId" binding:"required"`
}

// Assign handles POST /v1/admin/cases/:id/assign
func (h *Handler) Assign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "paralegalId is required")
		return
	}
	updated, err := h.service.Assign(c.Request.Context(), c.Param("id"), req.ParalegalID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": updated})
}

type archiveRequest struct {
	Archived *bool `json:"archived" binding:"required"`
}

// SetArchived handles POST /v1/admin/cases/:id/archive
func (h *Handler) SetArchived(c *gin.Context) {
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "archived is required")
		return
	}
	updated, err := h.service.SetArchived(c.Request.Context(), c.Param("id"), *req.Archived)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": updated})
}

type disputeRequest struct {
	Message string `json:"message" binding:"required"`
}

// RaiseDispute handles POST /v1/cases/:id/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "message is required")
		return
	}
	updated, dispute, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), auth.Actor(c), req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"case": updated, "dispute": dispute})
}

type notesRequest struct {
	AdminNotes string `json:"adminNotes"`
}

// UpdateDisputeNotes handles PATCH /v1/admin/cases/:id/disputes/:disputeId/notes
func (h *Handler) UpdateDisputeNotes(c *gin.Context) {
	var req notesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	updated, err := h.service.UpdateDisputeNotes(c.Request.Context(), c.Param("id"), c.Param("disputeId"), req.AdminNotes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": updated})
}

type fileRequest struct {
	Key       string `json:"key" binding:"required"`
	Name      string `json:"name" binding:"required"`
	SizeBytes int64  `json:"sizeBytes"`
}

// AttachFile handles POST /v1/cases/:id/files
func (h *Handler) AttachFile(c *gin.Context) {
	var req fileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "key and name are required")
		return
	}
	updated, err := h.service.AttachFile(c.Request.Context(), c.Param("id"), auth.Actor(c), StoredFile{
		Key: req.Key, Name: req.Name, SizeBytes: req.SizeBytes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"case": updated})
}

// WorkAccess handles GET /v1/cases/:id/work-access
func (h *Handler) WorkAccess(c *gin.Context) {
	found, err := h.service.WorkAccess(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": true, "caseId": found.ID, "escrowStatus": found.EscrowStatus})
}
