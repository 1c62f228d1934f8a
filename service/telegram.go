package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/get2b/dealflow/backend/config"
	"github.com/get2b/dealflow/backend/model"
	"github.com/get2b/dealflow/backend/pkg/logger"
)

// Notification event types sent to the manager channel
const (
	EventDealSubmitted         = "deal.submitted"
	EventReceiptUploaded       = "deal.receipt_uploaded"
	EventTransferRequested     = "deal.transfer_requested"
	EventClientReceiptUploaded = "deal.client_receipt_uploaded"
)

// Event is a structured notification for the manager channel
type Event struct {
	Type       string
	Deal       *model.Deal
	ReceiptURL string
}

// Notifier delivers best-effort notifications to the human operator.
// Delivery is observability-only: callers must never gate a state
// transition on the returned flag.
type Notifier interface {
	Notify(ctx context.Context, event Event) bool
}

// TelegramService sends deal events to the manager's Telegram chat.
// Transport failures are caught here and downgraded to a logged
// warning; Notify never fails the caller.
type TelegramService struct {
	config     *config.TelegramConfig
	httpClient *http.Client
}

func NewTelegramService(cfg *config.TelegramConfig) *TelegramService {
	return &TelegramService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// telegramResponse is the Bot API envelope
type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Notify formats and delivers the event. Always returns; a false result
// means the manager did not get the message and nothing else.
func (s *TelegramService) Notify(ctx context.Context, event Event) bool {
	text, keyboard := s.composeMessage(event)
	if text == "" {
		logger.Warn(ctx, "unknown notification event type", "type", event.Type)
		return false
	}

	if err := s.sendMessage(ctx, text, keyboard); err != nil {
		logger.Warn(ctx, "notification delivery failed",
			"type", event.Type,
			"deal_id", dealRequestID(event.Deal),
			"error", err,
		)
		return false
	}

	logger.Info(ctx, "notification delivered", "type", event.Type, "deal_id", dealRequestID(event.Deal))
	return true
}

func dealRequestID(deal *model.Deal) string {
	if deal == nil {
		return ""
	}
	return deal.RequestID
}

func (s *TelegramService) composeMessage(event Event) (string, *inlineKeyboard) {
	deal := event.Deal
	if deal == nil {
		return "", nil
	}

	switch event.Type {
	case EventDealSubmitted:
		var b strings.Builder
		fmt.Fprintf(&b, "NEW DEAL SUBMITTED\n\n")
		fmt.Fprintf(&b, "Request ID: %s\n", deal.RequestID)
		fmt.Fprintf(&b, "User: %s (%s)\n", deal.Owner, deal.Email)
		fmt.Fprintf(&b, "Company: %s\n", deal.CompanyName)
		fmt.Fprintf(&b, "Amount: %.2f %s\n", deal.Amount, deal.Currency)
		fmt.Fprintf(&b, "Payment method: %s\n", deal.PaymentMethod)
		appendManualData(&b, deal.ManualData)
		keyboard := &inlineKeyboard{InlineKeyboard: [][]inlineButton{{
			{Text: "Approve deal", CallbackData: "approve_project_" + deal.RequestID},
			{Text: "Reject deal", CallbackData: "reject_project_" + deal.RequestID},
		}}}
		return b.String(), keyboard

	case EventReceiptUploaded:
		var b strings.Builder
		fmt.Fprintf(&b, "SUPPLIER PAYMENT RECEIPT UPLOADED\n\n")
		fmt.Fprintf(&b, "Request ID: %s\n", deal.RequestID)
		fmt.Fprintf(&b, "Receipt: %s\n", event.ReceiptURL)
		fmt.Fprintf(&b, "Review the document and approve or reject the payment.\n")
		keyboard := &inlineKeyboard{InlineKeyboard: [][]inlineButton{{
			{Text: "Approve receipt", CallbackData: "approve_receipt_" + deal.RequestID},
			{Text: "Reject receipt", CallbackData: "reject_receipt_" + deal.RequestID},
		}}}
		return b.String(), keyboard

	case EventTransferRequested:
		var b strings.Builder
		fmt.Fprintf(&b, "TRANSFER REQUESTED\n\n")
		fmt.Fprintf(&b, "Request ID: %s\n", deal.RequestID)
		fmt.Fprintf(&b, "Company: %s\n", deal.CompanyName)
		fmt.Fprintf(&b, "Amount: %.2f %s\n", deal.Amount, deal.Currency)
		fmt.Fprintf(&b, "Payment method: %s\n", deal.PaymentMethod)
		if deal.Requisites != "" {
			fmt.Fprintf(&b, "\nRequisites:\n%s\n", deal.Requisites)
		}
		fmt.Fprintf(&b, "\nPerform the transfer and upload the proof for the client.\n")
		return b.String(), nil

	case EventClientReceiptUploaded:
		var b strings.Builder
		fmt.Fprintf(&b, "CLIENT CONFIRMED FUNDS RECEIVED\n\n")
		fmt.Fprintf(&b, "Request ID: %s\n", deal.RequestID)
		fmt.Fprintf(&b, "Receipt: %s\n", event.ReceiptURL)
		fmt.Fprintf(&b, "Check the document and complete the deal if everything is correct.\n")
		keyboard := &inlineKeyboard{InlineKeyboard: [][]inlineButton{{
			{Text: "Approve client receipt", CallbackData: "approve_client_receipt_" + deal.RequestID},
			{Text: "Reject client receipt", CallbackData: "reject_client_receipt_" + deal.RequestID},
		}}}
		return b.String(), keyboard
	}

	return "", nil
}

func appendManualData(b *strings.Builder, manualData map[int]any) {
	if len(manualData) == 0 {
		return
	}
	fmt.Fprintf(b, "\nConfiguration:\n")
	for step := 1; step <= 7; step++ {
		if data, ok := manualData[step]; ok {
			encoded, err := json.Marshal(data)
			if err != nil {
				continue
			}
			fmt.Fprintf(b, "  step %d: %s\n", step, encoded)
		}
	}
}

type sendMessageRequest struct {
	ChatID      string          `json:"chat_id"`
	Text        string          `json:"text"`
	ReplyMarkup *inlineKeyboard `json:"reply_markup,omitempty"`
}

func (s *TelegramService) sendMessage(ctx context.Context, text string, keyboard *inlineKeyboard) error {
	reqBody := sendMessageRequest{
		ChatID:      s.config.ManagerChatID,
		Text:        text,
		ReplyMarkup: keyboard,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.config.APIURL, s.config.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var result telegramResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w, body: %s", err, string(body))
	}

	if !result.OK {
		return fmt.Errorf("telegram API error: %s", result.Description)
	}

	return nil
}
