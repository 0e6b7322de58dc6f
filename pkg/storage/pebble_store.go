package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/order"
)

// PebbleStore persists session state for any number of accounts in one
// pebble database.
type PebbleStore struct {
	db *pebble.DB

	mu     sync.Mutex
	nonces map[common.Address]*NonceStore
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db, nonces: make(map[common.Address]*NonceStore)}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Account returns the per-account view of the store.
func (s *PebbleStore) Account(addr common.Address) *AccountStore {
	return &AccountStore{s: s, addr: addr}
}

// Nonces returns the persistent nonce source of addr. The same instance is
// returned on every call so issues are serialized.
func (s *PebbleStore) Nonces(addr common.Address) (*NonceStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nonces[addr]; ok {
		return n, nil
	}
	last, err := s.loadUint64(nonceKey(addr))
	if err != nil {
		return nil, err
	}
	n := &NonceStore{db: s.db, key: nonceKey(addr), last: last}
	s.nonces[addr] = n
	return n, nil
}

func (s *PebbleStore) loadUint64(key []byte) (uint64, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return decodeUint64(val)
}

// AccountStore implements order.Journal and snapshot persistence for one
// account.
type AccountStore struct {
	s    *PebbleStore
	addr common.Address
}

var _ order.Journal = (*AccountStore)(nil)

// SaveOrder persists an order to Pebble
func (a *AccountStore) SaveOrder(o order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := a.s.db.Set(orderKey(a.addr, o.ClientOrderID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// DeleteOrder removes an order from Pebble
func (a *AccountStore) DeleteOrder(id string) error {
	if err := a.s.db.Delete(orderKey(a.addr, id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// LoadOrders returns every journaled order of the account in key order.
func (a *AccountStore) LoadOrders() ([]order.Order, error) {
	prefix := orderPrefix(a.addr)
	iter, err := a.s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan orders: %w", err)
	}
	defer iter.Close()

	var orders []order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o order.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("corrupt order record %s: %w", iter.Key(), err)
		}
		orders = append(orders, o)
	}
	return orders, iter.Error()
}

// PruneOrders deletes terminal orders and returns how many were removed.
func (a *AccountStore) PruneOrders() (int, error) {
	orders, err := a.LoadOrders()
	if err != nil {
		return 0, err
	}
	batch := a.s.db.NewBatch()
	defer batch.Close()
	n := 0
	for _, o := range orders {
		if !o.IsClosed() {
			continue
		}
		if err := batch.Delete(orderKey(a.addr, o.ClientOrderID), nil); err != nil {
			return 0, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to prune orders: %w", err)
	}
	return n, nil
}

// SaveSnapshot keeps the last confirmed snapshot. Older snapshots never
// overwrite newer ones.
func (a *AccountStore) SaveSnapshot(snap *account.Snapshot) error {
	if snap.Account != a.addr {
		return fmt.Errorf("snapshot for %s saved under %s", snap.Account.Hex(), a.addr.Hex())
	}
	prev, err := a.LoadSnapshot()
	if err != nil {
		return err
	}
	if prev != nil && prev.Sequence > snap.Sequence {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := a.s.db.Set(snapshotKey(a.addr), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns nil if no snapshot was saved.
func (a *AccountStore) LoadSnapshot() (*account.Snapshot, error) {
	data, closer, err := a.s.db.Get(snapshotKey(a.addr))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	defer closer.Close()

	var snap account.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if snap.Balances == nil {
		snap.Balances = make(map[string]account.Balance)
	}
	if snap.Positions == nil {
		snap.Positions = make(map[string]account.Position)
	}
	return &snap, nil
}

// NonceStore is a persistent submit.NonceSource. The high-water mark is
// synced before a nonce is handed out, so a restart never reissues one.
type NonceStore struct {
	db  *pebble.DB
	key []byte

	mu   sync.Mutex
	last uint64
}

func (n *NonceStore) Next() (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := n.last + 1
	if err := n.db.Set(n.key, encodeUint64(next), pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to persist nonce: %w", err)
	}
	n.last = next
	return next, nil
}

func (n *NonceStore) Last() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}

// Advance raises the high-water mark, e.g. to a nonce the venue reports as
// already used. It never lowers it.
func (n *NonceStore) Advance(to uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if to <= n.last {
		return nil
	}
	if err := n.db.Set(n.key, encodeUint64(to), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist nonce: %w", err)
	}
	n.last = to
	return nil
}
