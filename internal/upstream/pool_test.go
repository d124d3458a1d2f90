package upstream

import (
	"context"
	"testing"
	"time"
)

func TestGetReusesClientForSameKey(t *testing.T) {
	p := NewPool(time.Minute, 4, false)
	defer p.Close()

	key := Key{Authority: "example.test:443", Scheme: "https", ALPN: "http/1.1"}

	c1, release1, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	release1()

	c2, release2, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	release2()

	if c1 != c2 {
		t.Fatal("expected the same pooled client for the same key")
	}
	if p.Len() != 1 {
		t.Fatalf("expected exactly one pooled entry, got %d", p.Len())
	}
}

func TestGetBlocksUntilSlotFrees(t *testing.T) {
	p := NewPool(time.Minute, 1, false)
	defer p.Close()

	key := Key{Authority: "example.test:443", Scheme: "https"}

	_, release, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := p.Get(ctx, key); err == nil {
		t.Fatal("expected the second acquire to block and time out while the slot is held")
	}

	release()

	if _, release2, err := p.Get(context.Background(), key); err != nil {
		t.Fatalf("expected acquire to succeed once the slot was released: %v", err)
	} else {
		release2()
	}
}

func TestDistinctKeysGetDistinctClients(t *testing.T) {
	p := NewPool(time.Minute, 4, false)
	defer p.Close()

	h1, release1, _ := p.Get(context.Background(), Key{Authority: "a.test:443", Scheme: "https", ALPN: "h2"})
	h2, release2, _ := p.Get(context.Background(), Key{Authority: "b.test:443", Scheme: "https", ALPN: "http/1.1"})
	defer release1()
	defer release2()

	if h1 == h2 {
		t.Fatal("expected distinct clients for distinct keys")
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 pooled entries, got %d", p.Len())
	}
}

func TestEvictIdleRemovesUnusedEntries(t *testing.T) {
	p := NewPool(10*time.Millisecond, 4, false)
	defer p.Close()

	key := Key{Authority: "idle.test:443", Scheme: "https"}
	_, release, _ := p.Get(context.Background(), key)
	release()

	time.Sleep(30 * time.Millisecond)
	p.evictIdle()

	if p.Len() != 0 {
		t.Fatalf("expected idle entry to be evicted, pool still has %d entries", p.Len())
	}
}
