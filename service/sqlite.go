package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/get2b/dealflow/backend/model"
	_ "modernc.org/sqlite"
)

const dealSchema = `
CREATE TABLE IF NOT EXISTS deals (
	id                       TEXT PRIMARY KEY,
	request_id               TEXT NOT NULL,
	owner                    TEXT NOT NULL DEFAULT '',
	status                   TEXT NOT NULL DEFAULT '',
	current_stage            INTEGER NOT NULL DEFAULT 1,
	manager_approval_status  TEXT NOT NULL DEFAULT '',
	manager_approval_message TEXT NOT NULL DEFAULT '',
	receipt_approval_status  TEXT NOT NULL DEFAULT '',
	receipts                 TEXT NOT NULL DEFAULT '',
	transfer_requested       INTEGER NOT NULL DEFAULT 0,
	manual_data              TEXT NOT NULL DEFAULT '{}',
	email                    TEXT NOT NULL DEFAULT '',
	company_name             TEXT NOT NULL DEFAULT '',
	amount                   REAL NOT NULL DEFAULT 0.0,
	currency                 TEXT NOT NULL DEFAULT '',
	payment_method           TEXT NOT NULL DEFAULT '',
	requisites               TEXT NOT NULL DEFAULT '',
	created_at               INTEGER NOT NULL,
	updated_at               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deals_request_id ON deals(request_id);
CREATE INDEX IF NOT EXISTS idx_deals_owner ON deals(owner, created_at);
`

// SqliteStore is the production deal store backed by SQLite
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens the database at path with recommended pragmas
// and runs the schema migration.
func NewSqliteStore(path string) (*SqliteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent reads but a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), dealSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SqliteStore{db: db}, nil
}

const dealColumns = `id, request_id, owner, status, current_stage,
	manager_approval_status, manager_approval_message, receipt_approval_status,
	receipts, transfer_requested, manual_data, email, company_name,
	amount, currency, payment_method, requisites, created_at, updated_at`

func (s *SqliteStore) Create(ctx context.Context, deal *model.Deal) error {
	now := time.Now()
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = now
	}
	deal.UpdatedAt = now

	manualData, err := json.Marshal(deal.ManualData)
	if err != nil {
		return fmt.Errorf("encode manual data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO deals (`+dealColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deal.ID, deal.RequestID, deal.Owner, deal.Status, deal.CurrentStage,
		string(deal.ManagerApprovalStatus), deal.ManagerApprovalMessage,
		string(deal.ReceiptApprovalStatus), encodeStoredReceipts(deal),
		boolToInt(deal.TransferRequested), string(manualData),
		deal.Email, deal.CompanyName, deal.Amount, deal.Currency,
		deal.PaymentMethod, deal.Requisites,
		deal.CreatedAt.UnixMilli(), deal.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}
	return nil
}

func (s *SqliteStore) Get(ctx context.Context, id string) (*model.Deal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = ?`, id)
	return scanDeal(row)
}

func (s *SqliteStore) FindByRequestID(ctx context.Context, requestID string) (*model.Deal, error) {
	needle := model.NormalizeRequestID(requestID)
	if needle == "" {
		return nil, ErrDealNotFound
	}

	// Exact match on the canonical identifier first; containment is the
	// legacy-record fallback, newest record wins on ties.
	row := s.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals
		WHERE request_id = ? ORDER BY created_at DESC LIMIT 1`, needle)
	deal, err := scanDeal(row)
	if err == nil {
		return deal, nil
	}
	if err != ErrDealNotFound {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals
		WHERE instr(request_id, ?) > 0 ORDER BY created_at DESC LIMIT 1`, needle)
	return scanDeal(row)
}

func (s *SqliteStore) Update(ctx context.Context, id string, mutate func(*model.Deal) error) (*model.Deal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = ?`, id)
	deal, err := scanDeal(row)
	if err != nil {
		return nil, err
	}

	if err := mutate(deal); err != nil {
		return nil, err
	}
	deal.UpdatedAt = time.Now()

	manualData, err := json.Marshal(deal.ManualData)
	if err != nil {
		return nil, fmt.Errorf("encode manual data: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE deals SET
		request_id = ?, owner = ?, status = ?, current_stage = ?,
		manager_approval_status = ?, manager_approval_message = ?,
		receipt_approval_status = ?, receipts = ?, transfer_requested = ?,
		manual_data = ?, email = ?, company_name = ?, amount = ?,
		currency = ?, payment_method = ?, requisites = ?, updated_at = ?
		WHERE id = ?`,
		deal.RequestID, deal.Owner, deal.Status, deal.CurrentStage,
		string(deal.ManagerApprovalStatus), deal.ManagerApprovalMessage,
		string(deal.ReceiptApprovalStatus), encodeStoredReceipts(deal),
		boolToInt(deal.TransferRequested), string(manualData),
		deal.Email, deal.CompanyName, deal.Amount, deal.Currency,
		deal.PaymentMethod, deal.Requisites, deal.UpdatedAt.UnixMilli(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update deal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return deal, nil
}

func (s *SqliteStore) ListByOwner(ctx context.Context, owner string) ([]*model.Deal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dealColumns+` FROM deals
		WHERE owner = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()

	var result []*model.Deal
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, deal)
	}
	return result, rows.Err()
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (*model.Deal, error) {
	var (
		deal              model.Deal
		approval, receipt string
		receiptsRaw       string
		transferRequested int
		manualData        string
		createdAt         int64
		updatedAt         int64
	)

	err := row.Scan(&deal.ID, &deal.RequestID, &deal.Owner, &deal.Status,
		&deal.CurrentStage, &approval, &deal.ManagerApprovalMessage,
		&receipt, &receiptsRaw, &transferRequested, &manualData,
		&deal.Email, &deal.CompanyName, &deal.Amount, &deal.Currency,
		&deal.PaymentMethod, &deal.Requisites, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan deal: %w", err)
	}

	deal.ManagerApprovalStatus = model.ApprovalStatus(approval)
	deal.ReceiptApprovalStatus = model.ReceiptStatus(receipt)
	deal.TransferRequested = transferRequested != 0
	deal.Receipts, deal.LegacyReceipt = model.DecodeReceipts(receiptsRaw, deal.Status)
	deal.CreatedAt = time.UnixMilli(createdAt)
	deal.UpdatedAt = time.UnixMilli(updatedAt)

	if manualData != "" && manualData != "null" {
		if err := json.Unmarshal([]byte(manualData), &deal.ManualData); err != nil {
			return nil, fmt.Errorf("decode manual data: %w", err)
		}
	}
	return &deal, nil
}

// encodeStoredReceipts keeps a legacy bare string as-is until a slot is
// actually written, so old records stay readable by old tooling.
func encodeStoredReceipts(deal *model.Deal) string {
	if len(deal.Receipts) == 0 && deal.LegacyReceipt != "" {
		return deal.LegacyReceipt
	}
	return model.EncodeReceipts(deal.Receipts)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
