package meshid

import (
	"context"
	"testing"

	"github.com/moukrea/serverless-chat-sub000/internal/meshkv"
)

func TestLoadOrCreateIdentity_CreatesThenReloads(t *testing.T) {
	ctx := context.Background()
	store := meshkv.NewMemStore()
	entropy := []byte("stable-local-entropy")

	id1, err := LoadOrCreateIdentity(ctx, store, "alice", entropy)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id1.PeerID == "" {
		t.Fatal("expected non-empty peer id")
	}

	id2, err := LoadOrCreateIdentity(ctx, store, "alice", entropy)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if id1.PeerID != id2.PeerID {
		t.Fatalf("reloaded identity has different peer id: %s vs %s", id1.PeerID, id2.PeerID)
	}
}

func TestNextSequence_MonotonicAndPersisted(t *testing.T) {
	ctx := context.Background()
	store := meshkv.NewMemStore()
	id, err := LoadOrCreateIdentity(ctx, store, "bob", []byte("entropy"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	seq1, err := id.NextSequence(ctx)
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	seq2, err := id.NextSequence(ctx)
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if seq2 != seq1+1 {
		t.Fatalf("sequence not monotone: %d then %d", seq1, seq2)
	}

	reloaded, err := LoadOrCreateIdentity(ctx, store, "bob", []byte("entropy"))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	seq3, err := reloaded.NextSequence(ctx)
	if err != nil {
		t.Fatalf("next sequence after reload: %v", err)
	}
	if seq3 != seq2+1 {
		t.Fatalf("sequence not persisted across reload: want %d, got %d", seq2+1, seq3)
	}
}

func TestDeriveSharedSecret_Symmetric(t *testing.T) {
	ctx := context.Background()
	storeA := meshkv.NewMemStore()
	storeB := meshkv.NewMemStore()

	alice, err := LoadOrCreateIdentity(ctx, storeA, "alice", []byte("a"))
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	bob, err := LoadOrCreateIdentity(ctx, storeB, "bob", []byte("b"))
	if err != nil {
		t.Fatalf("bob: %v", err)
	}

	secretA, err := alice.DeriveSharedSecret(bob.DHPublicKeyBytes())
	if err != nil {
		t.Fatalf("alice derive: %v", err)
	}
	secretB, err := bob.DeriveSharedSecret(alice.DHPublicKeyBytes())
	if err != nil {
		t.Fatalf("bob derive: %v", err)
	}
	if string(secretA) != string(secretB) {
		t.Fatal("ECDH shared secrets do not match")
	}
}
