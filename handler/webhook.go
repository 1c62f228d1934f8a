package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/get2b/dealflow/backend/config"
	"github.com/get2b/dealflow/backend/model"
	"github.com/get2b/dealflow/backend/pkg/logger"
	"github.com/get2b/dealflow/backend/service"
	"github.com/gin-gonic/gin"
)

// WebhookHandler receives manager decisions from the Telegram bot. Each
// inline-keyboard button press arrives as a callback query whose data
// encodes the action and the deal it applies to.
type WebhookHandler struct {
	config *config.TelegramConfig
	store  service.DealStore
}

func NewWebhookHandler(cfg *config.TelegramConfig, store service.DealStore) *WebhookHandler {
	return &WebhookHandler{config: cfg, store: store}
}

type telegramUpdate struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type callbackQuery struct {
	ID   string `json:"id"`
	From struct {
		Username string `json:"username"`
	} `json:"from"`
	Data string `json:"data"`
}

// callback data prefixes, in match order. Client-receipt prefixes must
// be checked before the plain receipt ones they contain.
var callbackActions = []struct {
	prefix string
	apply  func(d *model.Deal)
}{
	{"approve_client_receipt_", func(d *model.Deal) {
		d.Status = model.StatusCompleted
	}},
	{"reject_client_receipt_", func(d *model.Deal) {
		d.Status = model.StatusInWork
	}},
	{"approve_project_", func(d *model.Deal) {
		d.ManagerApprovalStatus = model.ApprovalApproved
		d.ManagerApprovalMessage = ""
	}},
	{"reject_project_", func(d *model.Deal) {
		d.ManagerApprovalStatus = model.ApprovalRejected
		d.ManagerApprovalMessage = "Configuration rejected by manager"
	}},
	{"approve_receipt_", func(d *model.Deal) {
		d.Status = model.StatusReceiptApproved
	}},
	{"reject_receipt_", func(d *model.Deal) {
		d.Status = model.StatusReceiptRejected
	}},
}

// HandleUpdate processes a Telegram webhook update
func (h *WebhookHandler) HandleUpdate(c *gin.Context) {
	if h.config.WebhookSecret != "" {
		secret := c.GetHeader("X-Telegram-Bot-Api-Secret-Token")
		if secret != h.config.WebhookSecret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook secret"})
			return
		}
	}

	var update telegramUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	// Updates without a button press are acknowledged and dropped
	if update.CallbackQuery == nil || update.CallbackQuery.Data == "" {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	data := update.CallbackQuery.Data
	for _, action := range callbackActions {
		if !strings.HasPrefix(data, action.prefix) {
			continue
		}
		requestID := strings.TrimPrefix(data, action.prefix)

		deal, err := h.store.FindByRequestID(c.Request.Context(), requestID)
		if err != nil {
			if errors.Is(err, service.ErrDealNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Deal not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load deal"})
			return
		}

		if _, err := h.store.Update(c.Request.Context(), deal.ID, func(d *model.Deal) error {
			action.apply(d)
			return nil
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record decision"})
			return
		}

		logger.Info(c.Request.Context(), "manager decision recorded",
			"action", action.prefix,
			"deal_id", deal.RequestID,
			"manager", update.CallbackQuery.From.Username,
		)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	logger.Warn(c.Request.Context(), "unknown callback action", "data", data)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
