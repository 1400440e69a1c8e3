package engine

import (
	"context"
	"fmt"
	"sync"

	"stealthpay/storage"
)

// NonceAllocator issues strictly increasing derivation nonces per merchant.
// The counter lives in durable storage; the in-memory lock only serializes
// concurrent callers for the same merchant so unrelated merchants never
// contend.
type NonceAllocator struct {
	store *storage.Storage

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewNonceAllocator constructs an allocator over the durable store.
func NewNonceAllocator(store *storage.Storage) *NonceAllocator {
	return &NonceAllocator{store: store, locks: make(map[string]*sync.Mutex)}
}

func (a *NonceAllocator) merchantLock(merchantID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[merchantID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[merchantID] = lock
	}
	return lock
}

// Next returns the merchant's next nonce. Storage failure aborts allocation
// with ErrAllocationUnavailable; the counter is never advanced from memory.
func (a *NonceAllocator) Next(ctx context.Context, merchantID string) (uint64, error) {
	if a == nil || a.store == nil {
		return 0, fmt.Errorf("%w: store not configured", ErrAllocationUnavailable)
	}
	lock := a.merchantLock(merchantID)
	lock.Lock()
	defer lock.Unlock()
	nonce, err := a.store.NextNonce(ctx, merchantID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAllocationUnavailable, err)
	}
	return nonce, nil
}
