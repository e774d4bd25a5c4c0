// Package resolve picks the user's active account and project/subject pair.
// Selection precedence is always explicit override, then persisted
// preference, then first in list order; resolution is re-evaluated on every
// call so a changed account list (invite acceptance, refetch) is picked up.
package resolve

import (
	"context"
	"errors"
	"log"

	"wellspring/session/internal/entitlement"
	"wellspring/session/internal/platform"
	"wellspring/session/internal/prefs"
)

// AccountState is derived, never persisted: recomputed from the entitled
// account list plus the preferred id.
type AccountState struct {
	Account             *platform.Account  `json:"account"`
	AccountsWithProduct []platform.Account `json:"accountsWithProduct"`
	AccountHeaders      map[string]string  `json:"accountHeaders,omitempty"`
}

type AccountResolver struct {
	prefs  prefs.Store
	policy entitlement.Policy
}

func NewAccountResolver(store prefs.Store, policy entitlement.Policy) *AccountResolver {
	return &AccountResolver{prefs: store, policy: policy}
}

// Resolve deterministically picks one account: override, then persisted
// preference, then the first entitled account. An empty entitled list is a
// first-class "no account" state, not an error; the caller routes it to the
// invitation-required path. The chosen id is persisted on every resolution.
func (r *AccountResolver) Resolve(ctx context.Context, userID string, accounts []platform.Account, overrideID string) (AccountState, error) {
	entitled := r.policy.Filter(accounts)
	if len(entitled) == 0 {
		return AccountState{}, nil
	}

	preferred := ""
	if stored, err := r.prefs.Get(ctx, prefs.AccountKey(userID)); err == nil {
		preferred = stored
	} else if !errors.Is(err, prefs.ErrNotFound) {
		log.Printf("resolve: read preferred account for %s: %v", userID, err)
	}

	chosen := pickAccount(entitled, overrideID, preferred)

	// Write-through on every resolution, not just on explicit change.
	if err := r.prefs.Set(ctx, prefs.AccountKey(userID), chosen.ID); err != nil {
		log.Printf("resolve: persist preferred account for %s: %v", userID, err)
	}

	return AccountState{
		Account:             &chosen,
		AccountsWithProduct: entitled,
		AccountHeaders:      map[string]string{platform.AccountHeader: chosen.ID},
	}, nil
}

func pickAccount(entitled []platform.Account, overrideID, preferred string) platform.Account {
	for _, id := range []string{overrideID, preferred} {
		if id == "" {
			continue
		}
		for _, account := range entitled {
			if account.ID == id {
				return account
			}
		}
	}
	return entitled[0]
}
