package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sevenofnine/coursework-sync/internal/apierr"
)

const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// TokenSource hands out bearer tokens for the academic-records and calendar
// APIs. Refresh is called once after a 401 and must return a fresh token or
// a *apierr.SessionExpiredError.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticSource serves a token supplied by the host. It cannot refresh on its
// own; the host replaces the token with Set after re-authenticating.
type StaticSource struct {
	mu    sync.RWMutex
	token string
}

func NewStaticSource(token string) *StaticSource { return &StaticSource{token: token} }

func (s *StaticSource) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *StaticSource) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", &apierr.SessionExpiredError{}
	}
	return s.token, nil
}

func (s *StaticSource) Refresh(context.Context) (string, error) {
	return "", &apierr.SessionExpiredError{Cause: errors.New("static token cannot be refreshed")}
}

// Refresher exchanges stored refresh tokens for access tokens. Access tokens
// are cached in memory only; the vault holds the refresh token.
type Refresher struct {
	http         *resty.Client
	tokenURL     string
	clientID     string
	clientSecret string
	vault        Vault
	now          func() time.Time

	mu     sync.Mutex
	access map[string]accessToken
	// userLocks holds one *sync.Mutex per user id.
	userLocks sync.Map
}

type accessToken struct {
	token  string
	expiry time.Time
}

type RefresherOptions struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	Vault        Vault
	HTTP         *resty.Client
}

func NewRefresher(opts RefresherOptions) *Refresher {
	httpClient := opts.HTTP
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = resty.New().SetTimeout(timeout)
	}
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &Refresher{
		http:         httpClient,
		tokenURL:     tokenURL,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		vault:        opts.Vault,
		now:          time.Now,
		access:       map[string]accessToken{},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// AccessToken returns a valid access token for userID, running the
// refresh-token grant when the cached one is missing or about to expire.
// Calls for the same user are serialized so concurrent callers share one
// grant.
func (r *Refresher) AccessToken(ctx context.Context, userID string) (string, error) {
	mu := r.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	if tok, ok := r.cached(userID); ok {
		return tok, nil
	}
	return r.refreshUser(ctx, userID)
}

// ForceRefresh ignores any cached access token.
func (r *Refresher) ForceRefresh(ctx context.Context, userID string) (string, error) {
	mu := r.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	return r.refreshUser(ctx, userID)
}

// Seed caches an access token the host obtained itself. An empty token drops
// the cached one.
func (r *Refresher) Seed(userID, token string, lifetime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token == "" {
		delete(r.access, userID)
		return
	}
	r.access[userID] = accessToken{token: token, expiry: r.now().Add(lifetime)}
}

func (r *Refresher) cached(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.access[userID]
	if !ok || !r.now().Add(time.Minute).Before(at.expiry) {
		return "", false
	}
	return at.token, true
}

func (r *Refresher) userLock(userID string) *sync.Mutex {
	v, _ := r.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (r *Refresher) refreshUser(ctx context.Context, userID string) (string, error) {
	session, err := r.vault.Load(userID)
	if err != nil {
		return "", &apierr.SessionExpiredError{Cause: err}
	}
	return r.refresh(ctx, session)
}

func (r *Refresher) refresh(ctx context.Context, session Session) (string, error) {
	if session.RefreshToken == "" {
		return "", &apierr.SessionExpiredError{Cause: errors.New("no refresh token")}
	}
	resp, err := r.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": session.RefreshToken,
			"client_id":     r.clientID,
			"client_secret": r.clientSecret,
		}).
		Post(r.tokenURL)
	if err != nil {
		return "", &apierr.NetworkError{Op: "refresh token", Err: err}
	}
	if resp.StatusCode() == http.StatusBadRequest || resp.StatusCode() == http.StatusUnauthorized {
		return "", &apierr.SessionExpiredError{Cause: apierr.FromResponse(resp.StatusCode(), resp.Body())}
	}
	if resp.IsError() {
		return "", apierr.FromResponse(resp.StatusCode(), resp.Body())
	}
	var out tokenResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", &apierr.SessionExpiredError{Cause: errors.New("token response without access token")}
	}
	lifetime := time.Hour
	if out.ExpiresIn > 0 {
		lifetime = time.Duration(out.ExpiresIn) * time.Second
	}
	if out.RefreshToken != "" && out.RefreshToken != session.RefreshToken {
		session.RefreshToken = out.RefreshToken
		if err := r.vault.Save(session); err != nil {
			return "", err
		}
	}
	r.Seed(session.UserID, out.AccessToken, lifetime)
	return out.AccessToken, nil
}

// RefreshingSource is a TokenSource bound to one user's vault entry.
type RefreshingSource struct {
	refresher *Refresher
	userID    string
}

func (r *Refresher) ForUser(userID string) *RefreshingSource {
	return &RefreshingSource{refresher: r, userID: userID}
}

func (s *RefreshingSource) Token(ctx context.Context) (string, error) {
	return s.refresher.AccessToken(ctx, s.userID)
}

func (s *RefreshingSource) Refresh(ctx context.Context) (string, error) {
	return s.refresher.ForceRefresh(ctx, s.userID)
}
