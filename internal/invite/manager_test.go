package invite

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"wellspring/session/internal/notify"
	"wellspring/session/internal/platform"
	"wellspring/session/internal/prefs"
	"wellspring/session/internal/querycache"
)

type fakePlatform struct {
	acceptInviteFn func(context.Context, string, string) (platform.AcceptedInvite, error)
	refreshTokenFn func(context.Context, string) (string, error)
}

func (f *fakePlatform) AcceptInvite(ctx context.Context, token, inviteID string) (platform.AcceptedInvite, error) {
	if f.acceptInviteFn != nil {
		return f.acceptInviteFn(ctx, token, inviteID)
	}
	return platform.AcceptedInvite{}, nil
}

func (f *fakePlatform) RefreshToken(ctx context.Context, token string) (string, error) {
	if f.refreshTokenFn != nil {
		return f.refreshTokenFn(ctx, token)
	}
	return token, nil
}

func newTestManager(t *testing.T, client *fakePlatform) (*Manager, *querycache.Cache, prefs.Store, *notify.Notifier) {
	t.Helper()
	cache, err := querycache.New(16, time.Minute)
	if err != nil {
		t.Fatalf("querycache.New() error = %v", err)
	}
	store := prefs.NewMemoryStore()
	notifier := notify.New()
	return NewManager(client, cache, store, notifier, "LR"), cache, store, notifier
}

func TestAcceptSequenceOrdering(t *testing.T) {
	var order []string
	client := &fakePlatform{
		acceptInviteFn: func(_ context.Context, _, inviteID string) (platform.AcceptedInvite, error) {
			order = append(order, "mutate:"+inviteID)
			return platform.AcceptedInvite{ID: inviteID, Account: "a2", AccountName: "New Clinic"}, nil
		},
		refreshTokenFn: func(context.Context, string) (string, error) {
			order = append(order, "refresh")
			return "tok-2", nil
		},
	}
	manager, _, store, notifier := newTestManager(t, client)

	var pendingAtSettle Pending
	notifier.SubscribeAccepted(func(notify.InviteAccepted) { order = append(order, "accepted") })
	notifier.SubscribeSettled(func() {
		order = append(order, "settled")
		pendingAtSettle = manager.Pending()
	})

	manager.SetPending("inv-1", "")
	newToken, err := manager.Accept(context.Background(), "tok-1", "u1")
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if newToken != "tok-2" {
		t.Fatalf("expected refreshed token, got %s", newToken)
	}

	want := []string{"mutate:inv-1", "refresh", "accepted", "settled"}
	if len(order) != len(want) {
		t.Fatalf("unexpected event order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected event order %v, got %v", want, order)
		}
	}

	// Pending clears only after the settled signal.
	if pendingAtSettle.InviteID != "inv-1" {
		t.Fatalf("expected pending still set at settle time, got %+v", pendingAtSettle)
	}
	if manager.Pending() != (Pending{}) {
		t.Fatalf("expected pending cleared, got %+v", manager.Pending())
	}

	// The joined account becomes preferred ahead of normal precedence.
	preferred, err := store.Get(context.Background(), prefs.AccountKey("u1"))
	if err != nil {
		t.Fatalf("read preferred account: %v", err)
	}
	if preferred != "a2" {
		t.Fatalf("expected preferred account a2, got %s", preferred)
	}
}

func TestAcceptInvalidatesCachedAccounts(t *testing.T) {
	client := &fakePlatform{
		acceptInviteFn: func(context.Context, string, string) (platform.AcceptedInvite, error) {
			return platform.AcceptedInvite{Account: "a2"}, nil
		},
	}
	manager, cache, _, _ := newTestManager(t, client)
	cache.Put(querycache.AccountsKey("u1"), []platform.Account{{ID: "a1"}})
	cache.Put(querycache.ProjectsKey("a1"), []platform.Project{{ID: "p1"}})

	manager.SetPending("inv-1", "")
	if _, err := manager.Accept(context.Background(), "tok", "u1"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected only the re-seeded account list to survive, got %d entries", cache.Len())
	}

	// The joined account must be readable from the cache without refetching.
	fetched := false
	value, err := cache.Get(context.Background(), querycache.AccountsKey("u1"), func(context.Context) (any, error) {
		fetched = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if fetched {
		t.Fatal("expected injected account list served from cache, not a refetch")
	}
	accounts, _ := value.([]platform.Account)
	if len(accounts) != 2 || accounts[0].ID != "a1" || accounts[1].ID != "a2" {
		t.Fatalf("expected [a1 a2] after injection, got %v", accounts)
	}
}

func TestAcceptWithoutCachedAccountsLeavesCacheCold(t *testing.T) {
	client := &fakePlatform{
		acceptInviteFn: func(context.Context, string, string) (platform.AcceptedInvite, error) {
			return platform.AcceptedInvite{Account: "a2"}, nil
		},
	}
	manager, cache, _, _ := newTestManager(t, client)
	cache.Put(querycache.ProjectsKey("a1"), []platform.Project{{ID: "p1"}})

	manager.SetPending("inv-1", "")
	if _, err := manager.Accept(context.Background(), "tok", "u1"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected an empty cache when no account list was cached, got %d entries", cache.Len())
	}
}

type fakeSessions struct {
	invalidated []string
}

func (f *fakeSessions) Invalidate(_ context.Context, userID string) error {
	f.invalidated = append(f.invalidated, userID)
	return nil
}

func TestAcceptInvalidatesAggregatedSession(t *testing.T) {
	client := &fakePlatform{
		acceptInviteFn: func(context.Context, string, string) (platform.AcceptedInvite, error) {
			return platform.AcceptedInvite{Account: "a2"}, nil
		},
	}
	manager, _, _, _ := newTestManager(t, client)
	sessions := &fakeSessions{}
	manager.BindSessions(sessions)

	manager.SetPending("inv-1", "")
	if _, err := manager.Accept(context.Background(), "tok", "u1"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if len(sessions.invalidated) != 1 || sessions.invalidated[0] != "u1" {
		t.Fatalf("expected aggregated session invalidated for u1, got %v", sessions.invalidated)
	}
}

func TestAcceptAlreadyAcceptedIsBenign(t *testing.T) {
	client := &fakePlatform{
		acceptInviteFn: func(context.Context, string, string) (platform.AcceptedInvite, error) {
			return platform.AcceptedInvite{}, &platform.APIError{
				StatusCode: http.StatusBadRequest,
				Body:       `{"error":"Invitation has already been accepted"}`,
			}
		},
	}
	manager, cache, _, notifier := newTestManager(t, client)
	cache.Put(querycache.AccountsKey("u1"), []platform.Account{{ID: "a1"}})

	var settled bool
	notifier.SubscribeSettled(func() { settled = true })

	manager.SetPending("inv-1", "")
	token, err := manager.Accept(context.Background(), "tok", "u1")
	if err != nil {
		t.Fatalf("expected benign outcome, got %v", err)
	}
	if token != "tok" {
		t.Fatalf("expected original token back, got %s", token)
	}
	if manager.Pending() != (Pending{}) {
		t.Fatalf("expected pending cleared, got %+v", manager.Pending())
	}
	if !settled {
		t.Fatal("expected settled signal")
	}
	if cache.Len() != 0 {
		t.Fatal("expected cached account list cleared")
	}
}

func TestAcceptFailureClearsPending(t *testing.T) {
	boom := &platform.APIError{StatusCode: http.StatusBadGateway, Body: "upstream down"}
	client := &fakePlatform{
		acceptInviteFn: func(context.Context, string, string) (platform.AcceptedInvite, error) {
			return platform.AcceptedInvite{}, boom
		},
	}
	manager, _, _, notifier := newTestManager(t, client)

	var settled bool
	notifier.SubscribeSettled(func() { settled = true })

	manager.SetPending("inv-1", "")
	if _, err := manager.Accept(context.Background(), "tok", "u1"); !errors.Is(err, boom) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if manager.Pending() != (Pending{}) {
		t.Fatalf("expected pending cleared after failure, got %+v", manager.Pending())
	}
	if !settled {
		t.Fatal("expected settled signal even on failure")
	}
}

func TestAcceptRefreshFailureFallsBackToOldToken(t *testing.T) {
	client := &fakePlatform{
		acceptInviteFn: func(context.Context, string, string) (platform.AcceptedInvite, error) {
			return platform.AcceptedInvite{Account: "a2"}, nil
		},
		refreshTokenFn: func(context.Context, string) (string, error) {
			return "", errors.New("token service down")
		},
	}
	manager, _, _, _ := newTestManager(t, client)

	manager.SetPending("inv-1", "")
	token, err := manager.Accept(context.Background(), "tok-1", "u1")
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("expected fallback to old token, got %s", token)
	}
}

func TestAcceptWithoutPendingInvite(t *testing.T) {
	manager, _, _, _ := newTestManager(t, &fakePlatform{})
	if _, err := manager.Accept(context.Background(), "tok", "u1"); !errors.Is(err, ErrNoPendingInvite) {
		t.Fatalf("expected ErrNoPendingInvite, got %v", err)
	}
}

func TestPendingReplayToLateSubscriber(t *testing.T) {
	manager, _, _, notifier := newTestManager(t, &fakePlatform{})
	manager.SetPending("inv-1", "code")

	var got []notify.InviteDetected
	notifier.SubscribeDetected(func(e notify.InviteDetected) { got = append(got, e) })
	if len(got) != 1 || got[0].InviteID != "inv-1" || got[0].EVC != "code" {
		t.Fatalf("expected replayed pending invite, got %v", got)
	}

	manager.Clear()
	var late []notify.InviteDetected
	notifier.SubscribeDetected(func(e notify.InviteDetected) { late = append(late, e) })
	if len(late) != 0 {
		t.Fatalf("expected no replay after clear, got %v", late)
	}
}
