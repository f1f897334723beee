package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// memoryInvoiceRepository keeps deep copies so callers never alias stored state.
type memoryInvoiceRepository struct {
	mu       sync.RWMutex
	invoices map[string]*entity.Invoice
}

// NewMemoryInvoiceRepository returns a process-local repository.
func NewMemoryInvoiceRepository() InvoiceRepository {
	return &memoryInvoiceRepository{invoices: make(map[string]*entity.Invoice)}
}

func (m *memoryInvoiceRepository) Create(_ context.Context, inv *entity.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.ID]; ok {
		return common.DatabaseError(common.InvalidInputf("invoice %s already exists", inv.ID), "create invoice")
	}
	m.invoices[inv.ID] = inv.Clone()
	return nil
}

func (m *memoryInvoiceRepository) Load(_ context.Context, id string) (*entity.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, nil
	}
	return inv.Clone(), nil
}

func (m *memoryInvoiceRepository) Save(_ context.Context, inv *entity.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := inv.Clone()
	if prev, ok := m.invoices[inv.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	m.invoices[inv.ID] = cp
	return nil
}

func (m *memoryInvoiceRepository) SaveIfStatus(_ context.Context, inv *entity.Invoice, from constants.InvoiceStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.invoices[inv.ID]
	if !ok || prev.Status != from {
		return false, nil
	}
	cp := inv.Clone()
	cp.CreatedAt = prev.CreatedAt
	m.invoices[inv.ID] = cp
	return true, nil
}

func (m *memoryInvoiceRepository) FindByBatch(_ context.Context, batchID string) ([]*entity.Invoice, error) {
	return m.collect(func(inv *entity.Invoice) bool { return inv.BatchID == batchID }, false), nil
}

func (m *memoryInvoiceRepository) ListByStatus(_ context.Context, statuses ...constants.InvoiceStatus) ([]*entity.Invoice, error) {
	want := make(map[constants.InvoiceStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return m.collect(func(inv *entity.Invoice) bool { return want[inv.Status] }, false), nil
}

func (m *memoryInvoiceRepository) List(_ context.Context, f ListFilter) ([]*entity.Invoice, int, error) {
	all := m.collect(func(inv *entity.Invoice) bool {
		switch {
		case f.Status != "" && inv.Status != f.Status:
			return false
		case f.BatchID != "" && inv.BatchID != f.BatchID:
			return false
		case f.OwnerID != "" && inv.OwnerID != f.OwnerID:
			return false
		case f.RequiresReview != nil && inv.RequiresReview != *f.RequiresReview:
			return false
		}
		return true
	}, true)

	total := len(all)
	if f.Limit == 0 {
		return all, total, nil
	}
	start := min(int(f.Offset), total)
	end := min(start+int(f.Limit), total)
	return all[start:end], total, nil
}

func (m *memoryInvoiceRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[id]; !ok {
		return common.NotFoundf("invoice %s not found", id)
	}
	delete(m.invoices, id)
	return nil
}

// collect returns clones of matching invoices ordered by creation time and id,
// newest first when desc is set.
func (m *memoryInvoiceRepository) collect(match func(*entity.Invoice) bool, desc bool) []*entity.Invoice {
	m.mu.RLock()
	out := make([]*entity.Invoice, 0)
	for _, inv := range m.invoices {
		if match(inv) {
			out = append(out, inv.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if desc {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if desc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	return out
}
