package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"wellspring/session/internal/auth"
	"wellspring/session/internal/config"
	"wellspring/session/internal/entitlement"
	"wellspring/session/internal/invite"
	"wellspring/session/internal/platform"
	"wellspring/session/internal/prefs"
	"wellspring/session/internal/querycache"
	"wellspring/session/internal/resolve"
	"wellspring/session/internal/session"
)

// Session identifies the caller for the duration of one request.
type Session struct {
	Token    string
	UserID   string
	UserName string
}

type platformClient interface {
	ListAccounts(ctx context.Context, token string) ([]platform.Account, error)
	ListProjects(ctx context.Context, token, accountID string) ([]platform.Project, error)
	ListSubjects(ctx context.Context, token, accountID string) ([]platform.Subject, error)
}

type sessionAggregator interface {
	Load(ctx context.Context, token, userID string) (session.Session, error)
	Invalidate(ctx context.Context, userID string) error
}

type Service struct {
	cfg      config.Config
	platform platformClient
	cache    *querycache.Cache
	prefs    prefs.Store
	accounts *resolve.AccountResolver
	projects *resolve.ProjectResolver
	invites  *invite.Manager
	sessions sessionAggregator
}

func New(cfg config.Config, upstream platformClient, cache *querycache.Cache, store prefs.Store, invites *invite.Manager, sessions sessionAggregator) *Service {
	policy := entitlement.Policy{Product: cfg.EntitlementProduct}
	return &Service{
		cfg:      cfg,
		platform: upstream,
		cache:    cache,
		prefs:    store,
		accounts: resolve.NewAccountResolver(store, policy),
		projects: resolve.NewProjectResolver(store),
		invites:  invites,
		sessions: sessions,
	}
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, UserID: claims.Sub, UserName: claims.Name}, nil
}

func (s *Service) cachedAccounts(ctx context.Context, sess Session) ([]platform.Account, error) {
	value, err := s.cache.Get(ctx, querycache.AccountsKey(sess.UserID), func(ctx context.Context) (any, error) {
		return s.platform.ListAccounts(ctx, sess.Token)
	})
	if err != nil {
		return nil, err
	}
	accounts, _ := value.([]platform.Account)
	return accounts, nil
}

func (s *Service) cachedPairs(ctx context.Context, sess Session, accountID string) ([]resolve.Pair, error) {
	projectsValue, err := s.cache.Get(ctx, querycache.ProjectsKey(accountID), func(ctx context.Context) (any, error) {
		return s.platform.ListProjects(ctx, sess.Token, accountID)
	})
	if err != nil {
		return nil, err
	}
	subjectsValue, err := s.cache.Get(ctx, querycache.SubjectsKey(accountID), func(ctx context.Context) (any, error) {
		return s.platform.ListSubjects(ctx, sess.Token, accountID)
	})
	if err != nil {
		return nil, err
	}
	projects, _ := projectsValue.([]platform.Project)
	subjects, _ := subjectsValue.([]platform.Subject)
	return resolve.PairSubjects(projects, subjects), nil
}

// ActiveAccount resolves the caller's active account. A nil Account in the
// returned state means no entitled account exists and the caller should be
// routed to the invitation-required path.
func (s *Service) ActiveAccount(ctx context.Context, sess Session, overrideID string) (resolve.AccountState, error) {
	accounts, err := s.cachedAccounts(ctx, sess)
	if err != nil {
		return resolve.AccountState{}, fmt.Errorf("fetch accounts: %w", err)
	}
	return s.accounts.Resolve(ctx, sess.UserID, accounts, overrideID)
}

// SelectAccount resolves with an explicit override and drops the previous
// account's project selection from the cache path by scoping.
func (s *Service) SelectAccount(ctx context.Context, sess Session, accountID string) (resolve.AccountState, error) {
	return s.ActiveAccount(ctx, sess, accountID)
}

// ActiveProject resolves the active project/subject pair for the account. An
// empty accountID resolves the active account first.
func (s *Service) ActiveProject(ctx context.Context, sess Session, accountID string) (resolve.ProjectState, error) {
	if accountID == "" {
		state, err := s.ActiveAccount(ctx, sess, "")
		if err != nil {
			return resolve.ProjectState{}, err
		}
		if state.Account == nil {
			return resolve.ProjectState{}, nil
		}
		accountID = state.Account.ID
	}
	pairs, err := s.cachedPairs(ctx, sess, accountID)
	if err != nil {
		return resolve.ProjectState{}, fmt.Errorf("fetch projects: %w", err)
	}
	return s.projects.Resolve(ctx, sess.UserID, pairs)
}

// SelectProject records an explicit project choice. An unknown project id is
// a silent no-op; the previous selection is returned unchanged.
func (s *Service) SelectProject(ctx context.Context, sess Session, accountID, projectID string) (resolve.ProjectState, error) {
	if accountID == "" {
		state, err := s.ActiveAccount(ctx, sess, "")
		if err != nil {
			return resolve.ProjectState{}, err
		}
		if state.Account == nil {
			return resolve.ProjectState{}, nil
		}
		accountID = state.Account.ID
	}
	pairs, err := s.cachedPairs(ctx, sess, accountID)
	if err != nil {
		return resolve.ProjectState{}, fmt.Errorf("fetch projects: %w", err)
	}
	if err := s.projects.SetActive(ctx, sess.UserID, projectID, pairs); err != nil {
		return resolve.ProjectState{}, err
	}
	return s.projects.Resolve(ctx, sess.UserID, pairs)
}

// Subjects lists the user's project/subject pairs for the account. An empty
// accountID resolves the active account first; no entitled account yields an
// empty list.
func (s *Service) Subjects(ctx context.Context, sess Session, accountID string) ([]resolve.Pair, error) {
	if accountID == "" {
		state, err := s.ActiveAccount(ctx, sess, "")
		if err != nil {
			return nil, err
		}
		if state.Account == nil {
			return nil, nil
		}
		accountID = state.Account.ID
	}
	pairs, err := s.cachedPairs(ctx, sess, accountID)
	if err != nil {
		return nil, fmt.Errorf("fetch subjects: %w", err)
	}
	return pairs, nil
}

func (s *Service) PendingInvite() invite.Pending {
	return s.invites.Pending()
}

func (s *Service) SetPendingInvite(inviteID, evc string) {
	s.invites.SetPending(inviteID, evc)
}

func (s *Service) ClearPendingInvite() {
	s.invites.Clear()
}

// AcceptInvite runs the acceptance sequence and returns the refreshed token
// for the client to adopt.
func (s *Service) AcceptInvite(ctx context.Context, sess Session) (string, error) {
	return s.invites.Accept(ctx, sess.Token, sess.UserID)
}

func (s *Service) AggregatedSession(ctx context.Context, sess Session) (session.Session, error) {
	if s.sessions == nil {
		return session.Session{}, domainError(http.StatusServiceUnavailable, "SESSION_CACHE_UNAVAILABLE", "Aggregated sessions not configured", nil)
	}
	return s.sessions.Load(ctx, sess.Token, sess.UserID)
}

func (s *Service) ClearAggregatedSession(ctx context.Context, sess Session) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.Invalidate(ctx, sess.UserID)
}

// Logout clears the user's preference pointers and cached state. Preferred
// ids persist until this explicit clear.
func (s *Service) Logout(ctx context.Context, sess Session) error {
	if err := s.prefs.Remove(ctx, prefs.AccountKey(sess.UserID)); err != nil {
		log.Printf("app: clear preferred account for %s: %v", sess.UserID, err)
	}
	if err := s.prefs.Remove(ctx, prefs.ProjectKey(sess.UserID)); err != nil {
		log.Printf("app: clear preferred project for %s: %v", sess.UserID, err)
	}
	s.cache.Invalidate(querycache.AccountsKey(sess.UserID))
	s.invites.Clear()
	if s.sessions != nil {
		if err := s.sessions.Invalidate(ctx, sess.UserID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.prefs.Ping(ctx)
}
