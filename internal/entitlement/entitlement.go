// Package entitlement gates which accounts are selectable: only accounts
// whose product list includes the configured product code.
package entitlement

import "wellspring/session/internal/platform"

type Policy struct {
	Product string
}

func (p Policy) Selectable(account platform.Account) bool {
	for _, product := range account.Products {
		if product == p.Product {
			return true
		}
	}
	return false
}

// Filter returns the entitled accounts in their original order.
func (p Policy) Filter(accounts []platform.Account) []platform.Account {
	var entitled []platform.Account
	for _, account := range accounts {
		if p.Selectable(account) {
			entitled = append(entitled, account)
		}
	}
	return entitled
}
