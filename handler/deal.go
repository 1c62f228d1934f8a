package handler

import (
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/get2b/dealflow/backend/config"
	"github.com/get2b/dealflow/backend/middleware"
	"github.com/get2b/dealflow/backend/model"
	"github.com/get2b/dealflow/backend/service"
	"github.com/gin-gonic/gin"
)

type DealHandler struct {
	orchestrator *service.Orchestrator
	store        service.DealStore
	upload       *config.UploadConfig
}

func NewDealHandler(orch *service.Orchestrator, store service.DealStore, upload *config.UploadConfig) *DealHandler {
	return &DealHandler{
		orchestrator: orch,
		store:        store,
		upload:       upload,
	}
}

type SubmitDealRequest struct {
	CompanyName   string      `json:"company_name" binding:"required"`
	Email         string      `json:"email"`
	Amount        float64     `json:"amount" binding:"required"`
	Currency      string      `json:"currency" binding:"required"`
	PaymentMethod string      `json:"payment_method"`
	Requisites    string      `json:"requisites"`
	ManualData    map[int]any `json:"manual_data"`
}

// Submit creates a deal from the configuration form and sends it to
// manager review
func (h *DealHandler) Submit(c *gin.Context) {
	var req SubmitDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	username := middleware.GetUsername(c)
	email := req.Email
	if email == "" {
		email = middleware.GetEmail(c)
	}

	deal, err := h.orchestrator.Submit(c.Request.Context(), username, service.SubmitInput{
		CompanyName:   req.CompanyName,
		Email:         email,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Requisites:    req.Requisites,
		ManualData:    req.ManualData,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create deal: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":    deal.RequestID,
		"current_stage": deal.CurrentStage,
		"status":        deal.Status,
	})
}

// Resubmit sends a reworked configuration back to review after a
// rejection was acknowledged
func (h *DealHandler) Resubmit(c *gin.Context) {
	var req SubmitDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	deal, err := h.orchestrator.Resubmit(c.Request.Context(), c.Param("requestId"), service.SubmitInput{
		CompanyName:   req.CompanyName,
		Email:         req.Email,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Requisites:    req.Requisites,
		ManualData:    req.ManualData,
	})
	if err != nil {
		h.writeActionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":    deal.RequestID,
		"current_stage": deal.CurrentStage,
		"status":        deal.Status,
	})
}

// List returns the caller's deals
func (h *DealHandler) List(c *gin.Context) {
	username := middleware.GetUsername(c)

	deals, err := h.store.ListByOwner(c.Request.Context(), username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list deals"})
		return
	}

	result := make([]gin.H, len(deals))
	for i, deal := range deals {
		result[i] = gin.H{
			"request_id":    deal.RequestID,
			"company_name":  deal.CompanyName,
			"amount":        deal.Amount,
			"currency":      deal.Currency,
			"current_stage": deal.CurrentStage,
			"status":        deal.Status,
			"created_at":    deal.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			"updated_at":    deal.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	c.JSON(http.StatusOK, gin.H{"deals": result})
}

// Get returns the full deal record
func (h *DealHandler) Get(c *gin.Context) {
	deal, ok := h.ownedDeal(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, deal)
}

// GetState returns the lifecycle view the client renders
func (h *DealHandler) GetState(c *gin.Context) {
	deal, ok := h.ownedDeal(c)
	if !ok {
		return
	}

	session, err := h.orchestrator.Attach(c.Request.Context(), deal.RequestID)
	if err != nil {
		h.writeActionError(c, err)
		return
	}

	view, err := session.State(c.Request.Context())
	if err != nil {
		h.writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// AcknowledgeRejection resets a rejected deal back to configuration
func (h *DealHandler) AcknowledgeRejection(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}

	if err := session.AcknowledgeRejection(c.Request.Context()); err != nil {
		h.writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"current_stage": model.StageConfiguration})
}

// UploadSupplierReceipt accepts the client's proof of payment to the
// supplier
func (h *DealHandler) UploadSupplierReceipt(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}

	file, header, contentType, ok := h.receiptFile(c)
	if !ok {
		return
	}
	defer file.Close()

	url, err := session.UploadSupplierReceipt(c.Request.Context(), header.Filename, file, header.Size, contentType)
	if err != nil {
		h.writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt_url": url, "status": model.StatusWaitingReceipt})
}

// Proceed advances from settlement to client confirmation
func (h *DealHandler) Proceed(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}

	if err := session.Proceed(c.Request.Context()); err != nil {
		h.writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"current_stage": model.StageClientConfirmation})
}

// UploadClientReceipt accepts the final funds-received confirmation
func (h *DealHandler) UploadClientReceipt(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}

	file, header, contentType, ok := h.receiptFile(c)
	if !ok {
		return
	}
	defer file.Close()

	url, err := session.UploadClientReceipt(c.Request.Context(), header.Filename, file, header.Size, contentType)
	if err != nil {
		h.writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt_url": url, "status": model.StatusCompleted})
}

// RemoveClientReceipt deletes the confirmation so a new file can be
// uploaded
func (h *DealHandler) RemoveClientReceipt(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}

	if err := session.RemoveClientReceipt(c.Request.Context()); err != nil {
		h.writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": model.StatusInWork})
}

// ownedDeal loads the deal and verifies the caller owns it
func (h *DealHandler) ownedDeal(c *gin.Context) (*model.Deal, bool) {
	deal, err := h.store.FindByRequestID(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		h.writeActionError(c, err)
		return nil, false
	}

	if deal.Owner != middleware.GetUsername(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Deal belongs to another user"})
		return nil, false
	}
	return deal, true
}

// ownedSession resolves the owned deal's live session
func (h *DealHandler) ownedSession(c *gin.Context) (*service.Session, bool) {
	deal, ok := h.ownedDeal(c)
	if !ok {
		return nil, false
	}

	session, err := h.orchestrator.Attach(c.Request.Context(), deal.RequestID)
	if err != nil {
		h.writeActionError(c, err)
		return nil, false
	}
	return session, true
}

// receiptFile extracts and validates the uploaded receipt file
func (h *DealHandler) receiptFile(c *gin.Context) (multipart.File, *multipart.FileHeader, string, bool) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return nil, nil, "", false
	}

	maxSize := int64(h.upload.MaxReceiptSizeMB) * 1024 * 1024
	if maxSize > 0 && header.Size > maxSize {
		file.Close()
		c.JSON(http.StatusBadRequest, gin.H{"error": "File too large"})
		return nil, nil, "", false
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	contentType := contentTypeForExt(ext)
	if contentType == "" {
		file.Close()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only PDF, JPEG and PNG files are allowed"})
		return nil, nil, "", false
	}
	if !h.typeAllowed(contentType) {
		file.Close()
		c.JSON(http.StatusBadRequest, gin.H{"error": "File type not allowed"})
		return nil, nil, "", false
	}

	return file, header, contentType, true
}

func contentTypeForExt(ext string) string {
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	}
	return ""
}

func (h *DealHandler) typeAllowed(contentType string) bool {
	if len(h.upload.AllowedTypes) == 0 {
		return true
	}
	for _, allowed := range h.upload.AllowedTypes {
		if allowed == contentType {
			return true
		}
	}
	return false
}

// writeActionError maps service errors onto HTTP statuses
func (h *DealHandler) writeActionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrDealNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Deal not found"})
	case errors.Is(err, service.ErrWrongStage),
		errors.Is(err, service.ErrManagerReceiptPending),
		errors.Is(err, service.ErrSlotOccupied),
		errors.Is(err, service.ErrSlotNotRemovable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUploadFailed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store receipt"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
