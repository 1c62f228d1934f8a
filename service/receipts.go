package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/get2b/dealflow/backend/model"
	"github.com/get2b/dealflow/backend/pkg/logger"
)

// ErrUploadFailed wraps storage failures during a receipt upload. The
// deal record is never mutated on a failed upload; the caller may retry
// with the same or a different file.
var ErrUploadFailed = errors.New("receipt upload failed")

// ErrSlotOccupied is returned when a receipt slot already holds a
// reference. A set slot is never silently overwritten; only an explicit
// remove-then-upload replaces it.
var ErrSlotOccupied = errors.New("receipt slot already set")

// ErrSlotNotRemovable is returned for removal of any slot other than
// the client confirmation, the one slot with remove-and-reupload.
var ErrSlotNotRemovable = errors.New("receipt slot cannot be removed")

// FileStorage is the blob-storage surface receipt uploads run against
type FileStorage interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	DeleteFile(ctx context.Context, objectName string) error
	GetPublicURL(objectName string) string
	ObjectNameFromURL(fileURL string) (string, error)
}

// ReceiptService uploads receipt files and records their references on
// the deal. Upload and store-merge are a read-modify-write against the
// deal record; last writer wins, which is acceptable because only the
// client writes its own slots.
type ReceiptService struct {
	files FileStorage
	store DealStore
}

func NewReceiptService(files FileStorage, store DealStore) *ReceiptService {
	return &ReceiptService{files: files, store: store}
}

// Upload stores the file and merges the resulting reference into the
// deal's receipts map. On failure no state is mutated.
func (s *ReceiptService) Upload(ctx context.Context, requestID string, slot model.ReceiptSlot, filename string, reader io.Reader, size int64, contentType string) (string, error) {
	if !model.ValidSlot(slot) {
		return "", fmt.Errorf("%w: unknown slot %q", ErrUploadFailed, slot)
	}

	deal, err := s.store.FindByRequestID(ctx, requestID)
	if err != nil {
		return "", err
	}
	// An occupied slot is never silently overwritten. The client slot
	// goes through explicit remove-then-upload; the supplier slot may
	// only be replaced after the previous file was rejected.
	if existing := deal.Receipts[slot]; existing != "" && slot != model.SlotClientReceipt {
		if !(slot == model.SlotSupplierReceipt && deal.ReceiptApprovalStatus == model.ReceiptRejected) {
			return "", fmt.Errorf("%w: %s", ErrSlotOccupied, slot)
		}
	}

	objectName := ReceiptObjectName(slot, requestID, filename)
	if err := s.files.UploadFile(ctx, objectName, reader, size, contentType); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	fileURL := s.files.GetPublicURL(objectName)

	_, err = s.store.Update(ctx, deal.ID, func(d *model.Deal) error {
		if d.Receipts == nil {
			d.Receipts = make(map[model.ReceiptSlot]string)
		}
		d.Receipts[slot] = fileURL
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("record receipt reference: %w", err)
	}

	logger.Info(ctx, "receipt uploaded", "slot", string(slot), "deal_id", requestID, "url", fileURL)
	return fileURL, nil
}

// Remove deletes the client confirmation receipt so a new one can be
// uploaded. Other slots are not removable.
func (s *ReceiptService) Remove(ctx context.Context, requestID string, slot model.ReceiptSlot) error {
	if slot != model.SlotClientReceipt {
		return fmt.Errorf("%w: %s", ErrSlotNotRemovable, slot)
	}

	deal, err := s.store.FindByRequestID(ctx, requestID)
	if err != nil {
		return err
	}

	fileURL := deal.Receipts[slot]
	if fileURL == "" {
		return nil
	}

	if objectName, err := s.files.ObjectNameFromURL(fileURL); err == nil {
		if err := s.files.DeleteFile(ctx, objectName); err != nil {
			// The stored reference is the source of truth; a stale blob
			// is preferable to a dangling reference
			logger.Warn(ctx, "failed to delete receipt blob", "deal_id", requestID, "error", err)
		}
	}

	_, err = s.store.Update(ctx, deal.ID, func(d *model.Deal) error {
		delete(d.Receipts, slot)
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear receipt reference: %w", err)
	}

	logger.Info(ctx, "client receipt removed", "deal_id", requestID)
	return nil
}
