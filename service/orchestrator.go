package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/get2b/dealflow/backend/config"
	"github.com/get2b/dealflow/backend/model"
	"github.com/get2b/dealflow/backend/pkg/logger"
	"github.com/google/uuid"
)

// Poller condition names. At most one poller is live per condition per
// session; conditions never interfere with each other's cancellation.
const (
	condManagerApproval = "manager-approval"
	condReceiptApproval = "receipt-approval"
	condManagerReceipt  = "manager-receipt"
	condProjectStatus   = "project-status"
)

// Action preconditions surfaced to handlers
var (
	ErrWrongStage            = errors.New("action not allowed in current stage")
	ErrManagerReceiptPending = errors.New("manager receipt not yet available")
	ErrSessionClosed         = errors.New("deal session closed")
)

// SubmitInput is the stage-1 configuration payload
type SubmitInput struct {
	CompanyName   string
	Email         string
	Amount        float64
	Currency      string
	PaymentMethod string
	Requisites    string
	ManualData    map[int]any
}

// Orchestrator drives deals through the lifecycle stages. It owns one
// Session per live deal; manager-side transitions are observed by
// polling the record store, client-side transitions arrive as explicit
// actions. Both funnel through the session's single reducer.
type Orchestrator struct {
	store    DealStore
	receipts *ReceiptService
	notifier Notifier
	polling  *config.PollingConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewOrchestrator(store DealStore, receipts *ReceiptService, notifier Notifier, polling *config.PollingConfig) *Orchestrator {
	return &Orchestrator{
		store:    store,
		receipts: receipts,
		notifier: notifier,
		polling:  polling,
		sessions: make(map[string]*Session),
	}
}

// Submit creates a deal from the stage-1 configuration and moves it to
// manager review. The submission notification is best-effort: its
// failure never blocks the transition.
func (o *Orchestrator) Submit(ctx context.Context, owner string, input SubmitInput) (*model.Deal, error) {
	deal := &model.Deal{
		ID:                    uuid.New().String(),
		RequestID:             model.NewRequestID(),
		Owner:                 owner,
		Status:                model.StatusPending,
		CurrentStage:          model.StagePayment,
		ManagerApprovalStatus: model.ApprovalPending,
		Receipts:              make(map[model.ReceiptSlot]string),
		ManualData:            input.ManualData,
		Email:                 input.Email,
		CompanyName:           input.CompanyName,
		Amount:                input.Amount,
		Currency:              input.Currency,
		PaymentMethod:         input.PaymentMethod,
		Requisites:            input.Requisites,
	}

	if err := o.store.Create(ctx, deal); err != nil {
		return nil, fmt.Errorf("create deal: %w", err)
	}

	session := o.attach(deal)
	session.dispatchNotification(ctx, Event{Type: EventDealSubmitted, Deal: deal})
	session.startManagerApprovalPoll()

	logger.Info(ctx, "deal submitted", "deal_id", deal.RequestID, "owner", owner)
	return deal, nil
}

// Resubmit sends a reworked configuration back to manager review after
// a rejection was acknowledged.
func (o *Orchestrator) Resubmit(ctx context.Context, requestID string, input SubmitInput) (*model.Deal, error) {
	session, err := o.Attach(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return session.resubmit(ctx, input)
}

// Attach returns the live session for a deal, creating and resuming one
// if needed.
func (o *Orchestrator) Attach(ctx context.Context, requestID string) (*Session, error) {
	key := model.NormalizeRequestID(requestID)

	o.mu.Lock()
	if s, ok := o.sessions[key]; ok {
		o.mu.Unlock()
		return s, nil
	}
	o.mu.Unlock()

	deal, err := o.store.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	session := o.attach(deal)
	session.resume(deal)
	return session, nil
}

func (o *Orchestrator) attach(deal *model.Deal) *Session {
	key := model.NormalizeRequestID(deal.RequestID)

	o.mu.Lock()
	defer o.mu.Unlock()

	if s, ok := o.sessions[key]; ok {
		return s
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		orch:      o,
		dealID:    deal.ID,
		requestID: deal.RequestID,
		ctx:       ctx,
		cancel:    cancel,
		pollers:   NewPollerSet(),
	}
	o.sessions[key] = s
	s.startStatusWatch()
	return s
}

// Detach closes the session for a deal, cancelling all of its pollers.
// A poller left running past its useful stage is a defect, not a benign
// no-op.
func (o *Orchestrator) Detach(requestID string) {
	key := model.NormalizeRequestID(requestID)

	o.mu.Lock()
	s, ok := o.sessions[key]
	if ok {
		delete(o.sessions, key)
	}
	o.mu.Unlock()

	if ok {
		s.close()
	}
}

// Close shuts down every live session
func (o *Orchestrator) Close() {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.sessions))
	for key, s := range o.sessions {
		sessions = append(sessions, s)
		delete(o.sessions, key)
	}
	o.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// Session drives a single deal. Every transition, whether a client
// action or a poll observation, goes through apply under one mutex, so
// two pollers firing close together can never interleave their state
// updates.
type Session struct {
	orch      *Orchestrator
	dealID    string
	requestID string

	ctx     context.Context
	cancel  context.CancelFunc
	pollers *PollerSet

	mu     sync.Mutex
	closed bool
}

// event kinds consumed by the session reducer
type eventKind int

const (
	eventManagerApproved eventKind = iota
	eventManagerRejected
	eventRejectionAcknowledged
	eventSupplierReceiptUploaded
	eventReceiptApproved
	eventReceiptRejected
	eventManagerReceiptSeen
	eventProceedRequested
	eventClientReceiptUploaded
	eventClientReceiptRemoved
)

type transitionEvent struct {
	kind       eventKind
	receiptURL string
}

// RequestID returns the deal identifier this session drives
func (s *Session) RequestID() string {
	return s.requestID
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.pollers.StopAll()
	s.cancel()
}

func (s *Session) fetch(ctx context.Context) (*model.Deal, error) {
	return s.orch.store.FindByRequestID(ctx, s.requestID)
}

// resume restarts the pollers appropriate for the deal's current stage
// after a process restart or a fresh attach.
func (s *Session) resume(deal *model.Deal) {
	switch deal.CurrentStage {
	case model.StagePayment:
		if deal.ManagerApprovalStatus == model.ApprovalPending {
			s.startManagerApprovalPoll()
		}
		if deal.ReceiptApprovalStatus == model.ReceiptWaiting {
			s.startReceiptApprovalPoll()
		}
	case model.StageSettlement:
		if !deal.HasManagerReceipt() {
			s.enterSettlement(s.ctx)
		}
	}
}

// dispatchNotification fires a best-effort notification without holding
// up the transition that triggered it. The notifier already swallows
// transport failures.
func (s *Session) dispatchNotification(ctx context.Context, event Event) {
	notifyCtx := context.WithoutCancel(ctx)
	go s.orch.notifier.Notify(notifyCtx, event)
}

// apply is the single reducer for all transitions of this session
func (s *Session) apply(ctx context.Context, ev transitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	switch ev.kind {
	case eventManagerApproved:
		// Payment opens: the receipt review starts at pending and moves
		// to waiting once the client uploads
		_, err := s.orch.store.Update(ctx, s.dealID, func(d *model.Deal) error {
			if d.ReceiptApprovalStatus == model.ReceiptNone {
				d.ReceiptApprovalStatus = model.ReceiptPending
			}
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info(ctx, "manager approved configuration", "deal_id", s.requestID)
		return nil

	case eventManagerRejected:
		logger.Info(ctx, "manager rejected configuration", "deal_id", s.requestID)
		return nil

	case eventRejectionAcknowledged:
		_, err := s.orch.store.Update(ctx, s.dealID, func(d *model.Deal) error {
			d.CurrentStage = model.StageConfiguration
			d.ManagerApprovalStatus = model.ApprovalNone
			d.ManagerApprovalMessage = ""
			d.ReceiptApprovalStatus = model.ReceiptNone
			d.TransferRequested = false
			d.Status = model.StatusPending
			return nil
		})
		if err != nil {
			return err
		}
		s.pollers.Stop(condManagerApproval)
		s.pollers.Stop(condReceiptApproval)
		logger.Info(ctx, "rejection acknowledged, deal reset to configuration", "deal_id", s.requestID)
		return nil

	case eventSupplierReceiptUploaded:
		updated, err := s.orch.store.Update(ctx, s.dealID, func(d *model.Deal) error {
			d.Status = model.StatusWaitingReceipt
			d.ReceiptApprovalStatus = model.ReceiptWaiting
			return nil
		})
		if err != nil {
			return err
		}
		s.dispatchNotification(ctx, Event{Type: EventReceiptUploaded, Deal: updated, ReceiptURL: ev.receiptURL})
		s.startReceiptApprovalPoll()
		logger.Info(ctx, "supplier receipt uploaded, awaiting approval", "deal_id", s.requestID)
		return nil

	case eventReceiptApproved:
		_, err := s.orch.store.Update(ctx, s.dealID, func(d *model.Deal) error {
			d.ReceiptApprovalStatus = model.ReceiptApproved
			d.CurrentStage = model.StageSettlement
			return nil
		})
		if err != nil {
			return err
		}
		// Stage 2 loops are no longer relevant
		s.pollers.Stop(condManagerApproval)
		s.pollers.Stop(condReceiptApproval)
		s.enterSettlement(ctx)
		logger.Info(ctx, "receipt approved, deal entered settlement", "deal_id", s.requestID)
		return nil

	case eventReceiptRejected:
		// Sub-state reset: the stage number is unchanged, the client
		// re-uploads from the payment form
		_, err := s.orch.store.Update(ctx, s.dealID, func(d *model.Deal) error {
			d.ReceiptApprovalStatus = model.ReceiptRejected
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info(ctx, "receipt rejected, awaiting re-upload", "deal_id", s.requestID)
		return nil

	case eventManagerReceiptSeen:
		// Opportunistic status normalization, not a hard requirement of
		// downstream consumers
		_, err := s.orch.store.Update(ctx, s.dealID, func(d *model.Deal) error {
			if d.Status == model.StatusWaitingManagerReceipt {
				d.Status = model.StatusInWork
			}
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info(ctx, "manager receipt visible", "deal_id", s.requestID)
		return nil

	case eventProceedRequested:
		_, err := s.orch.store.Update(ctx, s.dealID, func(d *model.Deal) error {
			d.CurrentStage = model.StageClientConfirmation
			return nil
		})
		if err != nil {
			return err
		}
		s.pollers.Stop(condManagerReceipt)
		logger.Info(ctx, "client proceeded to confirmation", "deal_id", s.requestID)
		return nil

	case eventClientReceiptUploaded:
		updated, err := s.orch.store.Update(ctx, s.dealID, func(d *model.Deal) error {
			d.Status = model.StatusCompleted
			return nil
		})
		if err != nil {
			return err
		}
		s.dispatchNotification(ctx, Event{Type: EventClientReceiptUploaded, Deal: updated, ReceiptURL: ev.receiptURL})
		// The deal is terminal; release the session once this
		// transition returns. A later reopen attaches a fresh one.
		go s.orch.Detach(s.requestID)
		logger.Info(ctx, "client confirmation uploaded, deal completed", "deal_id", s.requestID)
		return nil

	case eventClientReceiptRemoved:
		_, err := s.orch.store.Update(ctx, s.dealID, func(d *model.Deal) error {
			if d.Status == model.StatusCompleted {
				d.Status = model.StatusInWork
			}
			return nil
		})
		return err
	}

	return fmt.Errorf("unknown transition event %d", ev.kind)
}

// enterSettlement issues the transfer request to the manager exactly
// once per deal and starts watching for the transfer proof. Safe to
// call on every settlement entry; re-entering the sub-state never
// re-issues the request.
func (s *Session) enterSettlement(ctx context.Context) {
	alreadyIssued := false
	updated, err := s.orch.store.Update(ctx, s.dealID, func(d *model.Deal) error {
		if d.TransferRequested {
			alreadyIssued = true
			return nil
		}
		d.TransferRequested = true
		d.Status = model.StatusWaitingManagerReceipt
		return nil
	})
	if err != nil {
		logger.Error(ctx, "failed to record transfer request", "deal_id", s.requestID, "error", err)
		return
	}

	if !alreadyIssued {
		s.dispatchNotification(ctx, Event{Type: EventTransferRequested, Deal: updated})
	}
	s.startManagerReceiptPoll()
}

// startManagerApprovalPoll watches for the manager's verdict on the
// stage-1 configuration
func (s *Session) startManagerApprovalPoll() {
	interval := s.orch.polling.ManagerStatusInterval()
	s.pollers.Start(s.ctx, condManagerApproval, interval, s.fetch, func(d *model.Deal) bool {
		switch d.ManagerApprovalStatus {
		case model.ApprovalApproved:
			s.applyFromPoll(transitionEvent{kind: eventManagerApproved})
			return true
		case model.ApprovalRejected:
			s.applyFromPoll(transitionEvent{kind: eventManagerRejected})
			return true
		}
		return false
	})
}

// startReceiptApprovalPoll watches the status channel for the manager's
// verdict on the supplier payment receipt
func (s *Session) startReceiptApprovalPoll() {
	interval := s.orch.polling.ReceiptStatusInterval()
	s.pollers.Start(s.ctx, condReceiptApproval, interval, s.fetch, func(d *model.Deal) bool {
		switch d.Status {
		case model.StatusReceiptApproved:
			s.applyFromPoll(transitionEvent{kind: eventReceiptApproved})
			return true
		case model.StatusReceiptRejected:
			s.applyFromPoll(transitionEvent{kind: eventReceiptRejected})
			return true
		}
		return false
	})
}

// startManagerReceiptPoll watches for the manager's transfer proof
func (s *Session) startManagerReceiptPoll() {
	interval := s.orch.polling.ManagerReceiptInterval()
	s.pollers.Start(s.ctx, condManagerReceipt, interval, s.fetch, func(d *model.Deal) bool {
		if d.HasManagerReceipt() {
			s.applyFromPoll(transitionEvent{kind: eventManagerReceiptSeen})
			return true
		}
		return false
	})
}

// startStatusWatch keeps a generic status loop alive for secondary
// views; it detaches the whole session once the deal reaches its
// terminal status, so completion observed from any path releases it.
func (s *Session) startStatusWatch() {
	interval := s.orch.polling.ProjectStatusInterval()
	// A deal already completed at attach time keeps its session alive:
	// the caller attached it to reopen the confirmation step. Only a
	// completion observed as a change releases the session.
	first := true
	s.pollers.Start(s.ctx, condProjectStatus, interval, s.fetch, func(d *model.Deal) bool {
		if d.Status == model.StatusCompleted {
			if !first {
				s.orch.Detach(s.requestID)
			}
			return true
		}
		first = false
		return false
	})
}

// applyFromPoll feeds a poll observation into the reducer. Errors are
// logged, never escalated: the transition will be re-observed because
// the record still carries the triggering state.
func (s *Session) applyFromPoll(ev transitionEvent) {
	if err := s.apply(s.ctx, ev); err != nil && !errors.Is(err, ErrSessionClosed) {
		logger.Warn(s.ctx, "poll-driven transition failed", "deal_id", s.requestID, "error", err)
	}
}

// AcknowledgeRejection resets a rejected deal back to configuration.
// Stage-2 statuses are cleared; the client reworks the configuration
// and resubmits.
func (s *Session) AcknowledgeRejection(ctx context.Context) error {
	deal, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	if deal.ManagerApprovalStatus != model.ApprovalRejected {
		return fmt.Errorf("%w: no rejection to acknowledge", ErrWrongStage)
	}
	return s.apply(ctx, transitionEvent{kind: eventRejectionAcknowledged})
}

// resubmit sends a reworked configuration back to review
func (s *Session) resubmit(ctx context.Context, input SubmitInput) (*model.Deal, error) {
	deal, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if deal.CurrentStage != model.StageConfiguration {
		return nil, fmt.Errorf("%w: deal is not in configuration", ErrWrongStage)
	}

	updated, err := s.orch.store.Update(ctx, s.dealID, func(d *model.Deal) error {
		d.CurrentStage = model.StagePayment
		d.ManagerApprovalStatus = model.ApprovalPending
		d.ManagerApprovalMessage = ""
		d.Status = model.StatusPending
		d.ManualData = input.ManualData
		d.CompanyName = input.CompanyName
		d.Email = input.Email
		d.Amount = input.Amount
		d.Currency = input.Currency
		d.PaymentMethod = input.PaymentMethod
		d.Requisites = input.Requisites
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.dispatchNotification(ctx, Event{Type: EventDealSubmitted, Deal: updated})
	s.startManagerApprovalPoll()
	return updated, nil
}

// UploadSupplierReceipt stores the client's proof of payment to the
// supplier and moves the receipt into manager review
func (s *Session) UploadSupplierReceipt(ctx context.Context, filename string, reader io.Reader, size int64, contentType string) (string, error) {
	deal, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	if deal.CurrentStage != model.StagePayment || deal.ManagerApprovalStatus != model.ApprovalApproved {
		return "", fmt.Errorf("%w: payment is not open", ErrWrongStage)
	}

	url, err := s.orch.receipts.Upload(ctx, s.requestID, model.SlotSupplierReceipt, filename, reader, size, contentType)
	if err != nil {
		return "", err
	}

	if err := s.apply(ctx, transitionEvent{kind: eventSupplierReceiptUploaded, receiptURL: url}); err != nil {
		return "", err
	}
	return url, nil
}

// Proceed advances from settlement to client confirmation. This is a
// manual action: the manager receipt must already be visible.
func (s *Session) Proceed(ctx context.Context) error {
	deal, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	if deal.CurrentStage != model.StageSettlement {
		return fmt.Errorf("%w: deal is not in settlement", ErrWrongStage)
	}
	if !deal.HasManagerReceipt() {
		return ErrManagerReceiptPending
	}
	return s.apply(ctx, transitionEvent{kind: eventProceedRequested})
}

// UploadClientReceipt stores the client's final funds-received
// confirmation and completes the deal
func (s *Session) UploadClientReceipt(ctx context.Context, filename string, reader io.Reader, size int64, contentType string) (string, error) {
	deal, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	if deal.CurrentStage != model.StageClientConfirmation {
		return "", fmt.Errorf("%w: deal is not awaiting client confirmation", ErrWrongStage)
	}

	url, err := s.orch.receipts.Upload(ctx, s.requestID, model.SlotClientReceipt, filename, reader, size, contentType)
	if err != nil {
		return "", err
	}

	if err := s.apply(ctx, transitionEvent{kind: eventClientReceiptUploaded, receiptURL: url}); err != nil {
		return "", err
	}
	return url, nil
}

// RemoveClientReceipt deletes the confirmation so a new file can be
// uploaded. The client slot is the only removable one.
func (s *Session) RemoveClientReceipt(ctx context.Context) error {
	deal, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	if deal.CurrentStage != model.StageClientConfirmation {
		return fmt.Errorf("%w: deal is not awaiting client confirmation", ErrWrongStage)
	}

	if err := s.orch.receipts.Remove(ctx, s.requestID, model.SlotClientReceipt); err != nil {
		return err
	}
	return s.apply(ctx, transitionEvent{kind: eventClientReceiptRemoved})
}

// ViewState is what the view layer renders: the current stage plus the
// statuses that select the sub-phase within it
type ViewState struct {
	RequestID              string                       `json:"request_id"`
	Stage                  int                          `json:"stage"`
	State                  string                       `json:"state"`
	Status                 string                       `json:"status"`
	ManagerApprovalStatus  model.ApprovalStatus         `json:"manager_approval_status,omitempty"`
	ManagerApprovalMessage string                       `json:"manager_approval_message,omitempty"`
	ReceiptApprovalStatus  model.ReceiptStatus          `json:"receipt_approval_status,omitempty"`
	Receipts               map[model.ReceiptSlot]string `json:"receipts,omitempty"`
	HasManagerReceipt      bool                         `json:"has_manager_receipt"`
	ManagerReceiptURL      string                       `json:"manager_receipt_url,omitempty"`
	TransferRequested      bool                         `json:"transfer_requested"`
	Completed              bool                         `json:"completed"`
}

// State computes the current view of the deal
func (s *Session) State(ctx context.Context) (*ViewState, error) {
	deal, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	view := &ViewState{
		RequestID:              deal.RequestID,
		Stage:                  deal.CurrentStage,
		Status:                 deal.Status,
		ManagerApprovalStatus:  deal.ManagerApprovalStatus,
		ManagerApprovalMessage: deal.ManagerApprovalMessage,
		ReceiptApprovalStatus:  deal.ReceiptApprovalStatus,
		Receipts:               deal.Receipts,
		HasManagerReceipt:      deal.HasManagerReceipt(),
		ManagerReceiptURL:      deal.ManagerReceiptURL(),
		TransferRequested:      deal.TransferRequested,
		Completed:              deal.Status == model.StatusCompleted,
	}
	view.State = stateName(deal)
	return view, nil
}

// stateName maps the persisted record onto the lifecycle state the view
// layer renders. The settlement sub-phases are derived, never persisted.
func stateName(d *model.Deal) string {
	switch d.CurrentStage {
	case model.StageConfiguration:
		return "configuring"
	case model.StagePayment:
		switch d.ManagerApprovalStatus {
		case model.ApprovalRejected:
			return "rejected"
		case model.ApprovalApproved:
			switch d.ReceiptApprovalStatus {
			case model.ReceiptWaiting:
				return "awaiting_receipt_approval"
			case model.ReceiptRejected:
				return "receipt_rejected"
			default:
				return "payment_pending"
			}
		default:
			return "awaiting_manager_approval"
		}
	case model.StageSettlement:
		if !d.TransferRequested {
			return "settlement_animation"
		}
		if !d.HasManagerReceipt() {
			return "awaiting_manager_receipt"
		}
		return "manager_receipt_ready"
	case model.StageClientConfirmation:
		if d.Status == model.StatusCompleted {
			return "completed"
		}
		return "awaiting_client_confirmation"
	}
	return "unknown"
}
