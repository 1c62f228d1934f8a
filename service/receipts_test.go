package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/get2b/dealflow/backend/model"
)

// recordingFiles tracks blob operations and can be told to fail uploads
type recordingFiles struct {
	failUpload bool
	uploaded   []string
	deleted    []string
}

func (f *recordingFiles) UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	if f.failUpload {
		return fmt.Errorf("minio unreachable")
	}
	f.uploaded = append(f.uploaded, objectName)
	return nil
}

func (f *recordingFiles) DeleteFile(ctx context.Context, objectName string) error {
	f.deleted = append(f.deleted, objectName)
	return nil
}

func (f *recordingFiles) GetPublicURL(objectName string) string {
	return "https://files.local/receipts/" + objectName
}

func (f *recordingFiles) ObjectNameFromURL(fileURL string) (string, error) {
	return strings.TrimPrefix(fileURL, "https://files.local/receipts/"), nil
}

func (f *recordingFiles) objectName(fileURL string) string {
	name, _ := f.ObjectNameFromURL(fileURL)
	return name
}

func newReceiptFixture(t *testing.T) (*ReceiptService, *recordingFiles, *MemoryStore, *model.Deal) {
	t.Helper()

	store := NewMemoryStore(0)
	files := &recordingFiles{}
	svc := NewReceiptService(files, store)

	deal := &model.Deal{
		ID:           "d1",
		RequestID:    "atomic1700000000000",
		Owner:        "ivan",
		CurrentStage: model.StagePayment,
		Receipts:     make(map[model.ReceiptSlot]string),
	}
	if err := store.Create(context.Background(), deal); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return svc, files, store, deal
}

func TestReceiptUpload(t *testing.T) {
	svc, files, store, deal := newReceiptFixture(t)
	ctx := context.Background()

	url, err := svc.Upload(ctx, deal.RequestID, model.SlotSupplierReceipt, "платеж.pdf", strings.NewReader("x"), 1, "application/pdf")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !strings.HasPrefix(url, "https://files.local/receipts/supplier_receipt/") {
		t.Errorf("url = %q, want supplier_receipt object path", url)
	}
	if len(files.uploaded) != 1 {
		t.Fatalf("uploaded %d objects, want 1", len(files.uploaded))
	}

	got, err := store.Get(ctx, deal.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Receipts[model.SlotSupplierReceipt] != url {
		t.Errorf("stored reference = %q, want %q", got.Receipts[model.SlotSupplierReceipt], url)
	}
}

func TestReceiptUploadUnknownSlot(t *testing.T) {
	svc, _, _, deal := newReceiptFixture(t)

	_, err := svc.Upload(context.Background(), deal.RequestID, model.ReceiptSlot("other"), "f.pdf", strings.NewReader("x"), 1, "application/pdf")
	if !errors.Is(err, ErrUploadFailed) {
		t.Errorf("Upload() error = %v, want ErrUploadFailed", err)
	}
}

func TestReceiptUploadUnknownDeal(t *testing.T) {
	svc, _, _, _ := newReceiptFixture(t)

	_, err := svc.Upload(context.Background(), "missing", model.SlotSupplierReceipt, "f.pdf", strings.NewReader("x"), 1, "application/pdf")
	if !errors.Is(err, ErrDealNotFound) {
		t.Errorf("Upload() error = %v, want ErrDealNotFound", err)
	}
}

func TestReceiptUploadOccupiedSlot(t *testing.T) {
	svc, _, store, deal := newReceiptFixture(t)
	ctx := context.Background()

	if _, err := svc.Upload(ctx, deal.RequestID, model.SlotSupplierReceipt, "a.pdf", strings.NewReader("x"), 1, "application/pdf"); err != nil {
		t.Fatalf("first Upload() error = %v", err)
	}

	_, err := svc.Upload(ctx, deal.RequestID, model.SlotSupplierReceipt, "b.pdf", strings.NewReader("y"), 1, "application/pdf")
	if !errors.Is(err, ErrSlotOccupied) {
		t.Fatalf("second Upload() error = %v, want ErrSlotOccupied", err)
	}

	// After a manager rejection the same slot accepts a replacement
	if _, err := store.Update(ctx, deal.ID, func(d *model.Deal) error {
		d.ReceiptApprovalStatus = model.ReceiptRejected
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := svc.Upload(ctx, deal.RequestID, model.SlotSupplierReceipt, "b.pdf", strings.NewReader("y"), 1, "application/pdf"); err != nil {
		t.Errorf("Upload() after rejection error = %v", err)
	}
}

func TestReceiptUploadStorageFailure(t *testing.T) {
	svc, files, store, deal := newReceiptFixture(t)
	files.failUpload = true
	ctx := context.Background()

	_, err := svc.Upload(ctx, deal.RequestID, model.SlotSupplierReceipt, "f.pdf", strings.NewReader("x"), 1, "application/pdf")
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("Upload() error = %v, want ErrUploadFailed", err)
	}

	got, err := store.Get(ctx, deal.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Receipts[model.SlotSupplierReceipt] != "" {
		t.Errorf("failed upload left a reference: %q", got.Receipts[model.SlotSupplierReceipt])
	}
}

func TestReceiptRemove(t *testing.T) {
	svc, files, store, deal := newReceiptFixture(t)
	ctx := context.Background()

	url, err := svc.Upload(ctx, deal.RequestID, model.SlotClientReceipt, "confirm.jpg", strings.NewReader("x"), 1, "image/jpeg")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if err := svc.Remove(ctx, deal.RequestID, model.SlotClientReceipt); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	got, err := store.Get(ctx, deal.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Receipts[model.SlotClientReceipt] != "" {
		t.Errorf("reference still set after removal: %q", got.Receipts[model.SlotClientReceipt])
	}
	if len(files.deleted) != 1 || files.deleted[0] != files.objectName(url) {
		t.Errorf("deleted objects = %v, want the uploaded one", files.deleted)
	}
}

func TestReceiptRemoveOnlyClientSlot(t *testing.T) {
	svc, _, _, deal := newReceiptFixture(t)

	for _, slot := range []model.ReceiptSlot{model.SlotSupplierReceipt, model.SlotManagerReceipt} {
		if err := svc.Remove(context.Background(), deal.RequestID, slot); !errors.Is(err, ErrSlotNotRemovable) {
			t.Errorf("Remove(%s) error = %v, want ErrSlotNotRemovable", slot, err)
		}
	}
}
