// Package invite tracks the pending invite and runs the acceptance sequence:
// accept mutation, auth-token refresh, cache invalidation, settled signal.
// Whatever happens, the user is never left stuck in an accepting state.
package invite

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"wellspring/session/internal/notify"
	"wellspring/session/internal/platform"
	"wellspring/session/internal/prefs"
	"wellspring/session/internal/querycache"
)

var (
	ErrNoPendingInvite  = errors.New("no pending invite")
	ErrAcceptInProgress = errors.New("invite acceptance already in progress")
)

// Pending is held only in memory and cleared on accept or failure.
type Pending struct {
	InviteID string `json:"inviteId,omitempty"`
	EVC      string `json:"evc,omitempty"`
}

type platformClient interface {
	AcceptInvite(ctx context.Context, token, inviteID string) (platform.AcceptedInvite, error)
	RefreshToken(ctx context.Context, token string) (string, error)
}

// sessionInvalidator discards a user's aggregated session cache.
type sessionInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

type Manager struct {
	platform platformClient
	cache    *querycache.Cache
	prefs    prefs.Store
	notifier *notify.Notifier
	product  string
	sessions sessionInvalidator

	mu        sync.Mutex
	pending   Pending
	accepting bool
}

func NewManager(client platformClient, cache *querycache.Cache, store prefs.Store, notifier *notify.Notifier, product string) *Manager {
	return &Manager{
		platform: client,
		cache:    cache,
		prefs:    store,
		notifier: notifier,
		product:  product,
	}
}

// BindSessions hooks up the aggregated-session cache so acceptance clears it
// along with the query cache.
func (m *Manager) BindSessions(sessions sessionInvalidator) {
	m.sessions = sessions
}

// SetPending records a detected invite and publishes it. The notifier replays
// it to late subscribers until the invite is accepted or cleared.
func (m *Manager) SetPending(inviteID, evc string) {
	m.mu.Lock()
	m.pending = Pending{InviteID: inviteID, EVC: evc}
	m.mu.Unlock()
	m.notifier.EmitDetected(notify.InviteDetected{InviteID: inviteID, EVC: evc})
}

func (m *Manager) Pending() Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *Manager) Clear() {
	m.mu.Lock()
	m.pending = Pending{}
	m.mu.Unlock()
	m.notifier.ClearDetected()
}

// Accept runs the acceptance sequence for the pending invite and returns the
// refreshed access token. Order is fixed: accept mutation, token refresh,
// accepted event, cache invalidation, settled event; the pending invite is
// cleared only after settled. An upstream "already accepted" rejection is
// benign: caches are still cleared and no error surfaces.
func (m *Manager) Accept(ctx context.Context, token, userID string) (string, error) {
	m.mu.Lock()
	if m.accepting {
		m.mu.Unlock()
		return "", ErrAcceptInProgress
	}
	pending := m.pending
	if pending.InviteID == "" {
		m.mu.Unlock()
		return "", ErrNoPendingInvite
	}
	m.accepting = true
	m.mu.Unlock()

	accepted, err := m.platform.AcceptInvite(ctx, token, pending.InviteID)
	if err != nil {
		benign := isAlreadyAccepted(err)
		if benign {
			log.Printf("invite: %s was already accepted", pending.InviteID)
			m.cache.Invalidate(querycache.AccountsKey(userID))
			m.invalidateSessions(ctx, userID)
		}
		m.settle()
		if benign {
			return token, nil
		}
		return "", fmt.Errorf("accept invite %s: %w", pending.InviteID, err)
	}

	newToken, err := m.platform.RefreshToken(ctx, token)
	if err != nil {
		// The accept went through; stale claims are better than a stuck user.
		log.Printf("invite: refresh token after accept: %v", err)
		newToken = token
	}

	// The joined account becomes preferred ahead of the resolver's normal
	// precedence.
	if err := m.prefs.Set(ctx, prefs.AccountKey(userID), accepted.Account); err != nil {
		log.Printf("invite: persist preferred account: %v", err)
	}

	m.notifier.EmitAccepted(notify.InviteAccepted{
		AccountID:   accepted.Account,
		AccountName: accepted.AccountName,
	})

	// Inject the joined account into the cached account list, drop every
	// other cached query so no stale cross-account data survives the switch,
	// then re-seed the list. Readers see the new account without a refetch.
	joined := platform.Account{ID: accepted.Account, Name: accepted.AccountName, Products: []string{m.product}}
	var injected []platform.Account
	m.cache.Update(querycache.AccountsKey(userID), func(value any) any {
		accounts, ok := value.([]platform.Account)
		if !ok {
			return value
		}
		injected = accounts
		for _, account := range accounts {
			if account.ID == joined.ID {
				return accounts
			}
		}
		injected = append(append([]platform.Account(nil), accounts...), joined)
		return injected
	})
	m.cache.Invalidate("")
	if injected != nil {
		m.cache.Put(querycache.AccountsKey(userID), injected)
	}
	m.invalidateSessions(ctx, userID)

	m.settle()
	return newToken, nil
}

func (m *Manager) invalidateSessions(ctx context.Context, userID string) {
	if m.sessions == nil {
		return
	}
	if err := m.sessions.Invalidate(ctx, userID); err != nil {
		log.Printf("invite: invalidate aggregated session for %s: %v", userID, err)
	}
}

// settle emits the completion signal, then clears pending and in-flight
// state. Subscribers doing mutation-state resets run before pending empties.
func (m *Manager) settle() {
	m.notifier.EmitSettled()
	m.mu.Lock()
	m.pending = Pending{}
	m.accepting = false
	m.mu.Unlock()
	m.notifier.ClearDetected()
}

// isAlreadyAccepted sniffs the upstream error body for the known
// already-accepted rejection. Heuristic: the API has no stable error code for
// this condition.
func isAlreadyAccepted(err error) bool {
	var apiErr *platform.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Body), "already accepted")
}
