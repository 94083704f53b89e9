// Package credentials implements the Credential Resolver (§4.2): producing
// a usable bearer token and project id for an account, memoized with TTL,
// with per-email single-flight coalescing so concurrent callers for the
// same stale entry trigger exactly one refresh (§5, scenario 5).
package credentials

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
	"github.com/poemonsense/antigravity-proxy-go/internal/clock"
	"github.com/poemonsense/antigravity-proxy-go/internal/coreerrors"
	"github.com/poemonsense/antigravity-proxy-go/internal/logging"
)

// TokenRefreshIntervalMs is the TTL a cached access token is considered
// fresh for (§6): 5 minutes.
const TokenRefreshIntervalMs = 300_000

// RefreshResult is what an external TokenRefresher hands back on success.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int64 // seconds, informational only; freshness is TTL-based
}

// TokenRefresher is the external "refresh an OAuth refresh-token into an
// access token" collaborator (C6 #2). It must fail distinguishably for a
// permanently revoked token vs. a transient transport failure.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// DatabaseAuth is what the DatabaseAuthReader collaborator returns.
type DatabaseAuth struct {
	APIKey string
	Email  string
}

// DatabaseAuthReader is the external "read auth status from the Antigravity
// local DB" collaborator (C6 #3), used only for source=database accounts.
type DatabaseAuthReader interface {
	Read(ctx context.Context) (*DatabaseAuth, error)
}

// ProjectDiscoverer performs the upstream loadCodeAssist discovery call.
type ProjectDiscoverer interface {
	DiscoverProject(ctx context.Context, account *accountpool.Account, token string) (string, error)
}

// AccountInvalidator is invoked when the resolver determines an account's
// credential is permanently bad (mirrors the source's onInvalid callback,
// promoted to an explicit interface per SPEC_FULL.md §9).
type AccountInvalidator interface {
	MarkInvalid(email, reason string)
	ClearInvalid(email string)
}

type cachedToken struct {
	token       string
	extractedAt time.Time
}

// Resolver implements get-token and get-project (§4.2).
type Resolver struct {
	logger      *logging.Logger
	clock       clock.Clock
	refresher   TokenRefresher
	dbReader    DatabaseAuthReader
	discoverer  ProjectDiscoverer
	invalidator AccountInvalidator

	defaultProjectID string

	mu           sync.Mutex
	tokenCache   map[string]*cachedToken
	projectCache map[string]string

	tokenGroup   singleflight.Group
	projectGroup singleflight.Group
}

// New builds a Resolver. defaultProjectID is the compiled-in fallback used
// when project discovery exhausts every endpoint (§4.2; configuration, not
// a hardcoded constant, per §9's resolved open question).
func New(logger *logging.Logger, clk clock.Clock, refresher TokenRefresher, dbReader DatabaseAuthReader, discoverer ProjectDiscoverer, invalidator AccountInvalidator, defaultProjectID string) *Resolver {
	return &Resolver{
		logger:           logger,
		clock:            clk,
		refresher:        refresher,
		dbReader:         dbReader,
		discoverer:       discoverer,
		invalidator:      invalidator,
		defaultProjectID: defaultProjectID,
		tokenCache:       make(map[string]*cachedToken),
		projectCache:     make(map[string]string),
	}
}

// networkErrorMarkers is the substring set used to distinguish a transient
// transport failure from a permanently revoked credential (§4.2).
var networkErrorMarkers = []string{
	"fetch failed", "network", "econnreset", "etimedout", "socket hang up", "timeout",
}

func looksLikeNetworkError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range networkErrorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// GetToken implements get-token(account) (§4.2).
func (r *Resolver) GetToken(ctx context.Context, account *accountpool.Account) (string, error) {
	switch account.Source {
	case accountpool.SourceManual:
		return account.APIKey, nil

	case accountpool.SourceDatabase:
		if r.dbReader == nil {
			return "", &coreerrors.AuthInvalid{Email: account.Email, Reason: "no database auth reader configured"}
		}
		auth, err := r.dbReader.Read(ctx)
		if err != nil {
			return "", &coreerrors.AuthNetwork{Cause: err}
		}
		return auth.APIKey, nil

	case accountpool.SourceOAuth:
		return r.getOAuthToken(ctx, account)

	default:
		return "", &coreerrors.AuthInvalid{Email: account.Email, Reason: "unknown credential source"}
	}
}

func (r *Resolver) getOAuthToken(ctx context.Context, account *accountpool.Account) (string, error) {
	r.mu.Lock()
	cached, ok := r.tokenCache[account.Email]
	r.mu.Unlock()
	if ok && r.clock.Now().Sub(cached.extractedAt) < TokenRefreshIntervalMs*time.Millisecond {
		return cached.token, nil
	}

	result, err, _ := r.tokenGroup.Do(account.Email, func() (any, error) {
		res, refreshErr := r.refresher.Refresh(ctx, account.RefreshToken)
		if refreshErr != nil {
			return nil, refreshErr
		}
		r.mu.Lock()
		r.tokenCache[account.Email] = &cachedToken{token: res.AccessToken, extractedAt: r.clock.Now()}
		r.mu.Unlock()
		if account.IsInvalid && r.invalidator != nil {
			r.invalidator.ClearInvalid(account.Email)
		}
		return res.AccessToken, nil
	})
	if err != nil {
		if looksLikeNetworkError(err.Error()) {
			return "", &coreerrors.AuthNetwork{Cause: err}
		}
		if r.invalidator != nil {
			r.invalidator.MarkInvalid(account.Email, err.Error())
		}
		return "", &coreerrors.AuthInvalid{Email: account.Email, Reason: err.Error()}
	}
	return result.(string), nil
}

// GetProject implements get-project(account, token) (§4.2).
func (r *Resolver) GetProject(ctx context.Context, account *accountpool.Account, token string) (string, error) {
	r.mu.Lock()
	if cached, ok := r.projectCache[account.Email]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	if account.ProjectID != "" {
		r.projectCache[account.Email] = account.ProjectID
		r.mu.Unlock()
		return account.ProjectID, nil
	}
	r.mu.Unlock()

	result, err, _ := r.projectGroup.Do(account.Email, func() (any, error) {
		if r.discoverer == nil {
			return r.defaultProjectID, nil
		}
		project, discoverErr := r.discoverer.DiscoverProject(ctx, account, token)
		if discoverErr != nil || project == "" {
			if r.logger != nil {
				r.logger.Warn("project discovery failed, using default", logging.Account(account.Email), logging.Err(discoverErr))
			}
			return r.defaultProjectID, nil
		}
		return project, nil
	})
	if err != nil {
		return r.defaultProjectID, nil
	}
	project := result.(string)
	r.mu.Lock()
	r.projectCache[account.Email] = project
	r.mu.Unlock()
	return project, nil
}

// Clear invalidates both caches for email, or for every account if email is "".
// Called by the Dispatcher when upstream returns 401/AUTH_INVALID (§4.2).
func (r *Resolver) Clear(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email == "" {
		r.tokenCache = make(map[string]*cachedToken)
		r.projectCache = make(map[string]string)
		return
	}
	delete(r.tokenCache, email)
	delete(r.projectCache, email)
}
