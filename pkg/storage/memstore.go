package storage

import (
	"sort"
	"sync"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/order"
)

// MemStore is the in-memory counterpart of AccountStore, used when no store
// path is configured.
type MemStore struct {
	mu       sync.Mutex
	orders   map[string]order.Order
	snapshot *account.Snapshot
}

func NewMemStore() *MemStore {
	return &MemStore{orders: make(map[string]order.Order)}
}

var _ order.Journal = (*MemStore)(nil)

func (s *MemStore) SaveOrder(o order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ClientOrderID] = o
	return nil
}

func (s *MemStore) LoadOrders() ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out, nil
}

func (s *MemStore) SaveSnapshot(snap *account.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != nil && s.snapshot.Sequence > snap.Sequence {
		return nil
	}
	s.snapshot = snap.Clone()
	return nil
}

func (s *MemStore) LoadSnapshot() (*account.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	return s.snapshot.Clone(), nil
}
