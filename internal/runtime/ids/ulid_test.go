package ids

import (
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := 0; i < total; i++ {
		ids[i] = CreateULID()
	}

	for i := 0; i < total; i++ {
		if len(ids[i]) != 26 {
			t.Fatalf("expected ULID length 26, got %d", len(ids[i]))
		}
		if _, err := ulid.Parse(ids[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}

	for i := 1; i < total; i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", ids[i-1], ids[i])
		}
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := CreateULID()
				if len(id) != 26 {
					t.Errorf("expected ULID length 26, got %d", len(id))
				}
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate ULID generated: %s", id)
				} else {
					seen[id] = struct{}{}
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	expected := goroutines * perGoroutine
	if len(seen) != expected {
		t.Fatalf("expected %d unique ULIDs, got %d", expected, len(seen))
	}
}

func TestNewCorrelationIDFormat(t *testing.T) {
	const total = 500
	seen := make(map[string]struct{}, total)
	for i := 0; i < total; i++ {
		id := NewCorrelationID()
		if !IsCorrelationID(id) {
			t.Fatalf("correlation id %q does not match %s", id, CorrelationIDPattern)
		}
		if _, err := ulid.Parse(id[len(CorrelationIDPrefix):]); err != nil {
			t.Fatalf("expected ULID suffix, got %v", err)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate correlation id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestIsCorrelationIDRejectsForeignValues(t *testing.T) {
	for _, id := range []string{"", "corr-", "corr-123", "req-01ARZ3NDEKTSV4RRFFQ69G5FAV", "corr-01arz3ndektsv4rrffq69g5fav"} {
		if IsCorrelationID(id) {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}
