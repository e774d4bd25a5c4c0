// Package prefs persists the user's last-selected account and project ids.
// These pointers bias future automatic selection; they are the only durable
// state this service owns.
package prefs

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("preference not found")

// Store is a durable key-value store. Best-effort: values may be cleared
// externally (logout, storage reset) at any time.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// AccountKey holds the user's preferred account id.
func AccountKey(userID string) string {
	return "preferred-account:" + userID
}

// ProjectKey holds the user's preferred project id. Namespacing by user id
// keeps a stale project from leaking across user switches.
func ProjectKey(userID string) string {
	return "preferred-project:" + userID
}
