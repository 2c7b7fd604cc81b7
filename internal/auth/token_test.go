package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/apierr"
)

func TestStaticSource(t *testing.T) {
	t.Parallel()
	src := NewStaticSource("")
	if _, err := src.Token(context.Background()); !errors.Is(err, apierr.ErrSessionExpired) {
		t.Fatalf("expected session expired for empty token, got %v", err)
	}
	src.Set("abc")
	tok, err := src.Token(context.Background())
	if err != nil || tok != "abc" {
		t.Fatalf("unexpected token %q %v", tok, err)
	}
	if _, err := src.Refresh(context.Background()); !errors.Is(err, apierr.ErrSessionExpired) {
		t.Fatalf("expected static refresh to expire the session, got %v", err)
	}
}

func newTokenServer(t *testing.T, calls *int32, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "rt-1" {
			t.Errorf("unexpected form %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRefresherCachesAccessToken(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := newTokenServer(t, &calls, http.StatusOK, `{"access_token":"at-2","expires_in":3600,"refresh_token":"rt-1"}`)
	vault := Vault{Secrets: newMemorySecrets(), Password: "pw"}
	if err := vault.Save(Session{UserID: "u1", RefreshToken: "rt-1"}); err != nil {
		t.Fatal(err)
	}
	r := NewRefresher(RefresherOptions{TokenURL: srv.URL, ClientID: "cid", Vault: vault})
	src := r.ForUser("u1")

	for i := 0; i < 3; i++ {
		tok, err := src.Token(context.Background())
		if err != nil || tok != "at-2" {
			t.Fatalf("token: %q %v", tok, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one refresh grant, got %d", got)
	}
	if _, err := src.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected forced refresh, got %d calls", got)
	}
	blob, err := vault.Secrets.Secret("u1")
	if err != nil {
		t.Fatal(err)
	}
	plaintext, err := open(vault.Password, blob)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(plaintext), "at-2") || strings.Contains(string(plaintext), "access_token") {
		t.Fatalf("access token must stay out of the vault, got %s", plaintext)
	}
}

func TestRefresherStoresRotatedRefreshToken(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := newTokenServer(t, &calls, http.StatusOK, `{"access_token":"at-2","expires_in":3600,"refresh_token":"rt-2"}`)
	vault := Vault{Secrets: newMemorySecrets(), Password: "pw"}
	_ = vault.Save(Session{UserID: "u1", RefreshToken: "rt-1"})
	r := NewRefresher(RefresherOptions{TokenURL: srv.URL, Vault: vault})

	if _, err := r.AccessToken(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	stored, err := vault.Load("u1")
	if err != nil || stored.RefreshToken != "rt-2" {
		t.Fatalf("expected rotated refresh token, got %+v %v", stored, err)
	}
}

func TestRefresherSeedSkipsGrant(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := newTokenServer(t, &calls, http.StatusOK, `{"access_token":"at-2","expires_in":3600}`)
	vault := Vault{Secrets: newMemorySecrets(), Password: "pw"}
	_ = vault.Save(Session{UserID: "u1", RefreshToken: "rt-1"})
	r := NewRefresher(RefresherOptions{TokenURL: srv.URL, Vault: vault})

	r.Seed("u1", "host-token", 50*time.Minute)
	tok, err := r.AccessToken(context.Background(), "u1")
	if err != nil || tok != "host-token" {
		t.Fatalf("expected seeded token, got %q %v", tok, err)
	}
	r.Seed("u1", "", 0)
	tok, err = r.AccessToken(context.Background(), "u1")
	if err != nil || tok != "at-2" {
		t.Fatalf("expected granted token after drop, got %q %v", tok, err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one grant, got %d", got)
	}
}

func TestConcurrentForceRefreshIsSerializedPerUser(t *testing.T) {
	t.Parallel()
	var calls, inFlight, overlap int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		defer atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-2","expires_in":3600,"refresh_token":"rt-1"}`))
	}))
	t.Cleanup(srv.Close)
	vault := Vault{Secrets: newMemorySecrets(), Password: "pw"}
	_ = vault.Save(Session{UserID: "u1", RefreshToken: "rt-1"})
	r := NewRefresher(RefresherOptions{TokenURL: srv.URL, Vault: vault})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.ForceRefresh(context.Background(), "u1"); err != nil {
				t.Errorf("force refresh: %v", err)
			}
		}()
	}
	wg.Wait()
	if atomic.LoadInt32(&overlap) != 0 {
		t.Fatal("refresh grants for one user overlapped")
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected every forced refresh to run, got %d", got)
	}

	atomic.StoreInt32(&calls, 0)
	r.Seed("u1", "", 0)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := r.AccessToken(context.Background(), "u1"); err != nil || tok != "at-2" {
				t.Errorf("access token: %q %v", tok, err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("concurrent callers should share one grant, got %d", got)
	}
}

func TestRefresherInvalidGrantExpiresSession(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := newTokenServer(t, &calls, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been revoked"}`)
	vault := Vault{Secrets: newMemorySecrets(), Password: "pw"}
	_ = vault.Save(Session{UserID: "u1", RefreshToken: "rt-1"})
	r := NewRefresher(RefresherOptions{TokenURL: srv.URL, Vault: vault})

	_, err := r.AccessToken(context.Background(), "u1")
	if !errors.Is(err, apierr.ErrSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if _, err := r.AccessToken(context.Background(), "unknown"); !errors.Is(err, apierr.ErrSessionExpired) {
		t.Fatalf("expected session expired for user without vault entry, got %v", err)
	}
}
