package limiter

import (
	"context"
	"fmt"
	"testing"
)

func TestShardedStorage_StablePlacement(t *testing.T) {
	nodes := map[string]Storage{
		"a": NewMemoryStorage(),
		"b": NewMemoryStorage(),
		"c": NewMemoryStorage(),
	}
	s, err := NewShardedStorage(nodes)
	if err != nil {
		t.Fatalf("NewShardedStorage failed: %v", err)
	}

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("user:%d", i)
		owner := s.Node(key)
		if s.Node(key) != owner {
			t.Fatalf("placement of %q is not stable", key)
		}
		counts[owner]++
	}
	for name := range nodes {
		if counts[name] == 0 {
			t.Errorf("backend %q received no keys", name)
		}
	}
}

func TestShardedStorage_DelegatesToOwner(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemoryStorage(), NewMemoryStorage()
	s, _ := NewShardedStorage(map[string]Storage{"a": a, "b": b})

	l, _ := New(s, PerHour(1, 2))
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i)
		l.TryAcquire(ctx, key)

		owner, other := a, b
		if s.Node(key) == "b" {
			owner, other = b, a
		}
		if st, _ := owner.Load(ctx, key); st == nil {
			t.Fatalf("key %q missing from its owner", key)
		}
		if st, _ := other.Load(ctx, key); st != nil {
			t.Fatalf("key %q leaked to the other backend", key)
		}
	}

	if a.Len()+b.Len() != 20 {
		t.Fatalf("expected 20 keys in total, got %d", a.Len()+b.Len())
	}
}

func TestShardedStorage_Validation(t *testing.T) {
	if _, err := NewShardedStorage(nil); err == nil {
		t.Error("expected error for no backends")
	}
	if _, err := NewShardedStorage(map[string]Storage{"a": nil}); err == nil {
		t.Error("expected error for nil backend")
	}
}
