package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Deal represents one client-supplier transaction mediated by a manager.
// The record is the single source of truth for the lifecycle: the client
// writes its own fields, manager tooling writes the moderation fields,
// and the orchestrator observes the latter only by polling.
type Deal struct {
	ID                     string                 `json:"id"`
	RequestID              string                 `json:"request_id"`
	Owner                  string                 `json:"owner"`
	Status                 string                 `json:"status"`
	CurrentStage           int                    `json:"current_stage"`
	ManagerApprovalStatus  ApprovalStatus         `json:"manager_approval_status,omitempty"`
	ManagerApprovalMessage string                 `json:"manager_approval_message,omitempty"`
	ReceiptApprovalStatus  ReceiptStatus          `json:"receipt_approval_status,omitempty"`
	Receipts               map[ReceiptSlot]string `json:"receipts,omitempty"`
	LegacyReceipt          string                 `json:"-"`
	TransferRequested      bool                   `json:"transfer_requested"`
	ManualData             map[int]any            `json:"manual_data,omitempty"`
	Email                  string                 `json:"email,omitempty"`
	CompanyName            string                 `json:"company_name,omitempty"`
	Amount                 float64                `json:"amount,omitempty"`
	Currency               string                 `json:"currency,omitempty"`
	PaymentMethod          string                 `json:"payment_method,omitempty"`
	Requisites             string                 `json:"requisites,omitempty"`
	CreatedAt              time.Time              `json:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at"`
}

// Deal lifecycle stages
const (
	StageConfiguration      = 1 // client fills company, specification, payment data
	StagePayment            = 2 // manager review, then payment + receipt approval
	StageSettlement         = 3 // manager performs the transfer, uploads proof
	StageClientConfirmation = 4 // client confirms funds received
)

// Deal status constants. Status is the only channel by which manager
// tooling communicates transitions back to the orchestrator.
const (
	StatusPending               = "pending"
	StatusWaitingReceipt        = "waiting_receipt"
	StatusReceiptApproved       = "receipt_approved"
	StatusReceiptRejected       = "receipt_rejected"
	StatusWaitingManagerReceipt = "waiting_manager_receipt"
	StatusInWork                = "in_work"
	StatusCompleted             = "completed"
)

// ApprovalStatus is the manager's verdict on the stage-1 configuration
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = ""
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ReceiptStatus tracks the supplier payment receipt through review.
// Valid order is pending -> waiting -> approved or rejected; rejected
// requires a fresh upload which restarts at waiting.
type ReceiptStatus string

const (
	ReceiptNone     ReceiptStatus = ""
	ReceiptPending  ReceiptStatus = "pending"
	ReceiptWaiting  ReceiptStatus = "waiting"
	ReceiptApproved ReceiptStatus = "approved"
	ReceiptRejected ReceiptStatus = "rejected"
)

// ReceiptSlot names the three independent proof-of-payment slots
type ReceiptSlot string

const (
	SlotSupplierReceipt ReceiptSlot = "supplier_receipt"
	SlotManagerReceipt  ReceiptSlot = "manager_receipt"
	SlotClientReceipt   ReceiptSlot = "client_receipt"
)

// ValidSlot reports whether s is one of the known receipt slots
func ValidSlot(s ReceiptSlot) bool {
	switch s {
	case SlotSupplierReceipt, SlotManagerReceipt, SlotClientReceipt:
		return true
	}
	return false
}

// NewRequestID generates the externally-facing deal identifier.
// Kept short so it fits in manager chat messages.
func NewRequestID() string {
	return fmt.Sprintf("atomic%d", time.Now().UnixMilli())
}

// requestIDPrefixes and requestIDSuffixes are historical artifacts of
// earlier ID formats that some stored records still carry.
var (
	requestIDPrefixes = []string{"req_", "request_", "project-", "deal-"}
	requestIDSuffixes = []string{"_legacy", "-legacy"}
)

// NormalizeRequestID strips known non-canonical prefixes and suffixes
// from a request identifier. Lookups must compare normalized values via
// substring containment, never strict equality against the stored field.
func NormalizeRequestID(id string) string {
	id = strings.TrimSpace(id)
	for _, p := range requestIDPrefixes {
		if strings.HasPrefix(id, p) {
			id = strings.TrimPrefix(id, p)
			break
		}
	}
	for _, s := range requestIDSuffixes {
		if strings.HasSuffix(id, s) {
			id = strings.TrimSuffix(id, s)
			break
		}
	}
	return id
}

// DecodeReceipts normalizes the persisted receipts field into the
// structured map form. New records store a JSON object keyed by slot;
// legacy records store a bare URL string whose meaning (a manager
// receipt) is inferred from status == "in_work". Internal logic never
// branches on format after this point.
func DecodeReceipts(raw, status string) (map[ReceiptSlot]string, string) {
	if raw == "" {
		return map[ReceiptSlot]string{}, ""
	}

	var decoded map[ReceiptSlot]string
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		if decoded == nil {
			decoded = map[ReceiptSlot]string{}
		}
		return decoded, ""
	}

	// Legacy format: a bare reference string
	receipts := map[ReceiptSlot]string{}
	if status == StatusInWork {
		receipts[SlotManagerReceipt] = raw
	}
	return receipts, raw
}

// EncodeReceipts serializes the receipts map into the stored form.
// Always writes the structured format; legacy strings are migrated on
// the first write after a read.
func EncodeReceipts(receipts map[ReceiptSlot]string) string {
	if len(receipts) == 0 {
		return ""
	}
	data, err := json.Marshal(receipts)
	if err != nil {
		return ""
	}
	return string(data)
}

// ManagerReceiptURL returns the manager-side transfer proof reference,
// checking the structured map first and falling back to the legacy
// bare-string field for old records still in flight.
func (d *Deal) ManagerReceiptURL() string {
	if url, ok := d.Receipts[SlotManagerReceipt]; ok && url != "" {
		return url
	}
	if d.Status == StatusInWork && d.LegacyReceipt != "" {
		return d.LegacyReceipt
	}
	return ""
}

// HasManagerReceipt reports whether the manager transfer proof is visible
func (d *Deal) HasManagerReceipt() bool {
	return d.ManagerReceiptURL() != ""
}

// Clone returns a deep copy of the deal safe to hand to callers
func (d *Deal) Clone() *Deal {
	clone := *d
	if d.Receipts != nil {
		clone.Receipts = make(map[ReceiptSlot]string, len(d.Receipts))
		for k, v := range d.Receipts {
			clone.Receipts[k] = v
		}
	}
	if d.ManualData != nil {
		clone.ManualData = make(map[int]any, len(d.ManualData))
		for k, v := range d.ManualData {
			clone.ManualData[k] = v
		}
	}
	return &clone
}
