package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"stealthpay/storage"
)

func TestNonceAllocatorParallelCallersGetDistinctValues(t *testing.T) {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	alloc := NewNonceAllocator(store)
	const callers = 100

	var wg sync.WaitGroup
	results := make(chan uint64, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := alloc.Next(context.Background(), "spm-merchant")
			if err != nil {
				errs <- err
				return
			}
			results <- nonce
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("allocate nonce: %v", err)
	}

	seen := make(map[uint64]struct{}, callers)
	for nonce := range results {
		if _, dup := seen[nonce]; dup {
			t.Fatalf("nonce %d allocated twice", nonce)
		}
		seen[nonce] = struct{}{}
	}
	if len(seen) != callers {
		t.Fatalf("got %d distinct nonces, want %d", len(seen), callers)
	}
	for nonce := uint64(0); nonce < callers; nonce++ {
		if _, ok := seen[nonce]; !ok {
			t.Fatalf("gap in allocated nonces: missing %d", nonce)
		}
	}
}

func TestNonceAllocatorIndependentPerMerchant(t *testing.T) {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	alloc := NewNonceAllocator(store)
	for i := uint64(0); i < 3; i++ {
		got, err := alloc.Next(context.Background(), "spm-a")
		if err != nil {
			t.Fatalf("allocate for spm-a: %v", err)
		}
		if got != i {
			t.Fatalf("spm-a nonce %d, want %d", got, i)
		}
	}
	got, err := alloc.Next(context.Background(), "spm-b")
	if err != nil {
		t.Fatalf("allocate for spm-b: %v", err)
	}
	if got != 0 {
		t.Fatalf("spm-b first nonce %d, want 0", got)
	}
}
