package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/get2b/dealflow/backend/config"
	"github.com/get2b/dealflow/backend/model"
)

// ErrDealNotFound is returned when no deal matches a lookup. During
// early polling callers must treat this as "not yet created", not as a
// fatal error.
var ErrDealNotFound = errors.New("deal not found")

// DealStore is the persisted record API the orchestrator runs against.
// Lookups by request ID normalize the input and match by substring
// containment because stored identifiers may carry historical prefixes.
type DealStore interface {
	Create(ctx context.Context, deal *model.Deal) error
	Get(ctx context.Context, id string) (*model.Deal, error)
	FindByRequestID(ctx context.Context, requestID string) (*model.Deal, error)
	Update(ctx context.Context, id string, mutate func(*model.Deal) error) (*model.Deal, error)
	ListByOwner(ctx context.Context, owner string) ([]*model.Deal, error)
	Close() error
}

// NewDealStore builds the store selected by configuration
func NewDealStore(cfg *config.StoreConfig) (DealStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSqliteStore(cfg.Path)
	default:
		return NewMemoryStore(cfg.MaxDeals), nil
	}
}

// MemoryStore is an in-memory deal store used for tests and dev mode
type MemoryStore struct {
	deals    map[string]*model.Deal
	mu       sync.RWMutex
	maxDeals int // Maximum deals to keep, 0 = unlimited
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(maxDeals int) *MemoryStore {
	if maxDeals < 0 {
		maxDeals = 0
	}
	return &MemoryStore{
		deals:    make(map[string]*model.Deal),
		maxDeals: maxDeals,
	}
}

func (s *MemoryStore) Create(_ context.Context, deal *model.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = now
	}
	deal.UpdatedAt = now
	if deal.Receipts == nil {
		deal.Receipts = make(map[model.ReceiptSlot]string)
	}
	s.deals[deal.ID] = deal.Clone()

	s.cleanupIfNeeded()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deal, ok := s.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	return deal.Clone(), nil
}

func (s *MemoryStore) FindByRequestID(_ context.Context, requestID string) (*model.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := model.NormalizeRequestID(requestID)
	if needle == "" {
		return nil, ErrDealNotFound
	}

	// Exact match on the normalized canonical identifier first;
	// substring containment is the legacy-record fallback.
	var best *model.Deal
	for _, d := range s.deals {
		if model.NormalizeRequestID(d.RequestID) == needle {
			if best == nil || d.CreatedAt.After(best.CreatedAt) {
				best = d
			}
		}
	}
	if best == nil {
		for _, d := range s.deals {
			if strings.Contains(d.RequestID, needle) {
				if best == nil || d.CreatedAt.After(best.CreatedAt) {
					best = d
				}
			}
		}
	}
	if best == nil {
		return nil, ErrDealNotFound
	}
	return best.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, mutate func(*model.Deal) error) (*model.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deal, ok := s.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}

	updated := deal.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now()
	s.deals[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, owner string) ([]*model.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Deal
	for _, d := range s.deals {
		if d.Owner == owner {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Count returns the number of deals in the store
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deals)
}

// cleanupIfNeeded removes oldest deals if the store exceeds maxDeals.
// Must be called with lock held.
func (s *MemoryStore) cleanupIfNeeded() {
	if s.maxDeals <= 0 {
		return // Unlimited
	}

	if len(s.deals) <= s.maxDeals {
		return
	}

	deals := make([]*model.Deal, 0, len(s.deals))
	for _, d := range s.deals {
		deals = append(deals, d)
	}
	sort.Slice(deals, func(i, j int) bool {
		return deals[i].CreatedAt.Before(deals[j].CreatedAt)
	})

	removeCount := len(deals) - s.maxDeals
	for i := 0; i < removeCount; i++ {
		slog.Info("auto-cleaning old deal",
			"deal_id", deals[i].ID,
			"request_id", deals[i].RequestID,
			"created_at", deals[i].CreatedAt,
		)
		delete(s.deals, deals[i].ID)
	}
}
