package store

import (
	"context"
	"testing"
)

func TestInMemoryKVRoundTrip(t *testing.T) {
	kv := NewInMemoryKV()
	ctx := context.Background()

	if _, ok, err := kv.Get(ctx, TranscriptKey("u1")); err != nil || ok {
		t.Fatalf("Get() on empty store = ok=%v err=%v, want miss", ok, err)
	}

	if err := kv.Set(ctx, TranscriptKey("u1"), `[]`); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, ok, err := kv.Get(ctx, TranscriptKey("u1"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || v != `[]` {
		t.Fatalf("Get() = %q ok=%v, want stored value", v, ok)
	}

	// Keys for different concerns must not collide.
	if TranscriptKey("u1") == MemoryKey("u1") || MemoryKey("u1") == ThemeKey("u1") {
		t.Fatalf("storage keys collide: %q %q %q", TranscriptKey("u1"), MemoryKey("u1"), ThemeKey("u1"))
	}
}
