package session

import (
	"testing"

	"github.com/basket/go-keepalive/internal/persistence"
)

func TestIndex_RemoveKeepsNewerAccountMapping(t *testing.T) {
	x := newIndex()
	x.insert(persistence.Task{ID: "a", ExternalAccountID: 1})
	x.insert(persistence.Task{ID: "b", ExternalAccountID: 1})

	x.remove("a", 1)
	if id, ok := x.lookupAccount(1); !ok || id != "b" {
		t.Fatalf("expected account 1 -> b, got %q ok=%v", id, ok)
	}
	if _, ok := x.get("b"); !ok {
		t.Fatal("b missing")
	}

	x.remove("b", 1)
	if _, ok := x.lookupAccount(1); ok {
		t.Fatal("expected account mapping removed")
	}
	if x.len() != 0 {
		t.Fatalf("expected empty index, got %d", x.len())
	}
}

func TestAccountLocks_ReleasedEntriesAreDropped(t *testing.T) {
	a := newAccountLocks()
	unlock1 := a.lock(1)
	unlock2 := a.lock(2)
	if a.len() != 2 {
		t.Fatalf("expected 2 held locks, got %d", a.len())
	}
	unlock1()
	unlock2()
	if a.len() != 0 {
		t.Fatalf("expected no locks after release, got %d", a.len())
	}
}
