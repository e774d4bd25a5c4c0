// Package session pre-fetches the user's full account/project/subject/config
// graph into one cached object so app launches skip the fan-out of upstream
// calls. The cache holds for seven days unless explicitly invalidated.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"wellspring/session/internal/entitlement"
	"wellspring/session/internal/platform"
)

type platformClient interface {
	Me(ctx context.Context, token string) (platform.User, error)
	ListAccounts(ctx context.Context, token string) ([]platform.Account, error)
	ListSubjects(ctx context.Context, token, accountID string) ([]platform.Subject, error)
	GetProject(ctx context.Context, token, accountID, projectID string) (platform.Project, error)
	AppConfig(ctx context.Context, token, accountID, projectID string) (platform.AppConfig, error)
}

type SubjectInfo struct {
	Subject   platform.Subject   `json:"subject"`
	Project   platform.Project   `json:"project"`
	AppConfig platform.AppConfig `json:"appConfig,omitempty"`
}

type AccountSession struct {
	Account  platform.Account `json:"account"`
	Subjects []SubjectInfo    `json:"subjects"`
}

type Session struct {
	User      platform.User    `json:"user"`
	Accounts  []AccountSession `json:"accounts"`
	FetchedAt time.Time        `json:"fetchedAt"`
}

type Aggregator struct {
	client   *redis.Client
	platform platformClient
	policy   entitlement.Policy
	maxAge   time.Duration
	prefix   string
	now      func() time.Time
}

func NewAggregator(client *redis.Client, upstream platformClient, policy entitlement.Policy, maxAge time.Duration) *Aggregator {
	return &Aggregator{
		client:   client,
		platform: upstream,
		policy:   policy,
		maxAge:   maxAge,
		prefix:   "session:",
		now:      time.Now,
	}
}

func (a *Aggregator) key(userID string) string {
	return a.prefix + userID
}

// Load returns the cached session when it is fresher than the max age,
// otherwise rebuilds it from the upstream and caches the result.
func (a *Aggregator) Load(ctx context.Context, token, userID string) (Session, error) {
	if cached, ok := a.cached(ctx, userID); ok {
		return cached, nil
	}

	session, err := a.build(ctx, token)
	if err != nil {
		return Session{}, err
	}

	encoded, err := json.Marshal(session)
	if err != nil {
		return Session{}, fmt.Errorf("marshal session: %w", err)
	}
	if err := a.client.Set(ctx, a.key(userID), encoded, a.maxAge).Err(); err != nil {
		// Serving the freshly built session matters more than caching it.
		log.Printf("session: cache write for %s: %v", userID, err)
	}
	return session, nil
}

// Invalidate discards the cached session immediately; the next Load treats
// state as not yet loaded. Used on logout and by the dev-only clear action.
func (a *Aggregator) Invalidate(ctx context.Context, userID string) error {
	if err := a.client.Del(ctx, a.key(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

func (a *Aggregator) cached(ctx context.Context, userID string) (Session, bool) {
	encoded, err := a.client.Get(ctx, a.key(userID)).Result()
	if err == redis.Nil {
		return Session{}, false
	}
	if err != nil {
		log.Printf("session: cache read for %s: %v", userID, err)
		return Session{}, false
	}

	var session Session
	if err := json.Unmarshal([]byte(encoded), &session); err != nil {
		log.Printf("session: corrupt cached session for %s: %v", userID, err)
		return Session{}, false
	}
	// The key carries a TTL, but the timestamp is authoritative in case the
	// freshness window shrank since the entry was written.
	if a.now().Sub(session.FetchedAt) >= a.maxAge {
		return Session{}, false
	}
	return session, true
}

// build fetches, in order, the user, the entitled accounts, and per account
// the subject list with each subject's project and app-config.
func (a *Aggregator) build(ctx context.Context, token string) (Session, error) {
	user, err := a.platform.Me(ctx, token)
	if err != nil {
		return Session{}, err
	}

	accounts, err := a.platform.ListAccounts(ctx, token)
	if err != nil {
		return Session{}, err
	}

	session := Session{User: user, FetchedAt: a.now()}
	for _, account := range a.policy.Filter(accounts) {
		subjects, err := a.platform.ListSubjects(ctx, token, account.ID)
		if err != nil {
			return Session{}, err
		}

		accountSession := AccountSession{Account: account}
		for _, subject := range subjects {
			project, err := a.platform.GetProject(ctx, token, account.ID, subject.ProjectID)
			if err != nil {
				return Session{}, err
			}
			info := SubjectInfo{Subject: subject, Project: project}
			if config, err := a.platform.AppConfig(ctx, token, account.ID, subject.ProjectID); err != nil {
				// App config is optional per project; missing is normal.
				log.Printf("session: app config for %s: %v", subject.ProjectID, err)
			} else {
				info.AppConfig = config
			}
			accountSession.Subjects = append(accountSession.Subjects, info)
		}
		session.Accounts = append(session.Accounts, accountSession)
	}
	return session, nil
}
