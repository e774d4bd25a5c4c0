package resolve

import (
	"context"
	"testing"

	"wellspring/session/internal/entitlement"
	"wellspring/session/internal/platform"
	"wellspring/session/internal/prefs"
)

func newAccountResolver(t *testing.T) (*AccountResolver, prefs.Store) {
	t.Helper()
	store := prefs.NewMemoryStore()
	return NewAccountResolver(store, entitlement.Policy{Product: "LR"}), store
}

func entitledAccounts() []platform.Account {
	return []platform.Account{
		{ID: "a1", Name: "First", Products: []string{"LR"}},
		{ID: "a2", Name: "Second", Products: []string{"LR"}},
	}
}

func TestResolveSelectsFirstWithoutPreference(t *testing.T) {
	resolver, _ := newAccountResolver(t)

	state, err := resolver.Resolve(context.Background(), "u1", entitledAccounts(), "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if state.Account == nil || state.Account.ID != "a1" {
		t.Fatalf("expected first entitled account a1, got %+v", state.Account)
	}
}

func TestResolveHonorsStoredPreference(t *testing.T) {
	resolver, store := newAccountResolver(t)
	ctx := context.Background()
	if err := store.Set(ctx, prefs.AccountKey("u1"), "a2"); err != nil {
		t.Fatalf("seed preference: %v", err)
	}

	state, err := resolver.Resolve(ctx, "u1", entitledAccounts(), "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if state.Account.ID != "a2" {
		t.Fatalf("expected preferred account a2, got %s", state.Account.ID)
	}
}

func TestResolveOverrideBeatsPreference(t *testing.T) {
	resolver, store := newAccountResolver(t)
	ctx := context.Background()
	if err := store.Set(ctx, prefs.AccountKey("u1"), "a2"); err != nil {
		t.Fatalf("seed preference: %v", err)
	}

	state, err := resolver.Resolve(ctx, "u1", entitledAccounts(), "a1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if state.Account.ID != "a1" {
		t.Fatalf("expected override a1, got %s", state.Account.ID)
	}
}

func TestResolveUnknownOverrideFallsThrough(t *testing.T) {
	resolver, store := newAccountResolver(t)
	ctx := context.Background()
	if err := store.Set(ctx, prefs.AccountKey("u1"), "a2"); err != nil {
		t.Fatalf("seed preference: %v", err)
	}

	state, err := resolver.Resolve(ctx, "u1", entitledAccounts(), "bogus")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if state.Account.ID != "a2" {
		t.Fatalf("expected fallback to preference a2, got %s", state.Account.ID)
	}
}

func TestResolveIsIdempotentAndPersists(t *testing.T) {
	resolver, store := newAccountResolver(t)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "u1", entitledAccounts(), "a2")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	second, err := resolver.Resolve(ctx, "u1", entitledAccounts(), "a2")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first.Account.ID != second.Account.ID {
		t.Fatalf("resolution not idempotent: %s vs %s", first.Account.ID, second.Account.ID)
	}

	stored, err := store.Get(ctx, prefs.AccountKey("u1"))
	if err != nil {
		t.Fatalf("read persisted preference: %v", err)
	}
	if stored != "a2" {
		t.Fatalf("expected persisted preference a2, got %s", stored)
	}
}

func TestResolveEmptyListIsNoAccountState(t *testing.T) {
	resolver, _ := newAccountResolver(t)

	state, err := resolver.Resolve(context.Background(), "u1", []platform.Account{
		{ID: "a9", Products: []string{"OTHER"}},
	}, "")
	if err != nil {
		t.Fatalf("expected no error for empty entitled list, got %v", err)
	}
	if state.Account != nil {
		t.Fatalf("expected no account, got %+v", state.Account)
	}
	if len(state.AccountsWithProduct) != 0 {
		t.Fatalf("expected no entitled accounts, got %+v", state.AccountsWithProduct)
	}
}

func TestResolvePicksUpRefetchedList(t *testing.T) {
	resolver, store := newAccountResolver(t)
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, "u1", entitledAccounts(), ""); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	// The list changes underneath the resolver, e.g. after an invite accept
	// marked a3 preferred.
	if err := store.Set(ctx, prefs.AccountKey("u1"), "a3"); err != nil {
		t.Fatalf("seed preference: %v", err)
	}
	grown := append(entitledAccounts(), platform.Account{ID: "a3", Name: "Joined", Products: []string{"LR"}})

	state, err := resolver.Resolve(ctx, "u1", grown, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if state.Account.ID != "a3" {
		t.Fatalf("expected newly joined account a3, got %s", state.Account.ID)
	}
}

func TestResolveSetsAccountHeader(t *testing.T) {
	resolver, _ := newAccountResolver(t)

	state, err := resolver.Resolve(context.Background(), "u1", entitledAccounts(), "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if state.AccountHeaders[platform.AccountHeader] != "a1" {
		t.Fatalf("expected account header a1, got %v", state.AccountHeaders)
	}
}
