package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sevenofnine/coursework-sync/internal/api"
	"github.com/sevenofnine/coursework-sync/internal/auth"
	"github.com/sevenofnine/coursework-sync/internal/config"
	"github.com/sevenofnine/coursework-sync/internal/domain"
	"github.com/sevenofnine/coursework-sync/internal/leaderboard"
	"github.com/sevenofnine/coursework-sync/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		UserID:            "u1",
		DBPath:            filepath.Join(t.TempDir(), "sync.db"),
		BindAddress:       "127.0.0.1:0",
		BearerToken:       "secret",
		RequestTimeout:    time.Second,
		SyncInterval:      time.Hour,
		MirrorInterval:    time.Hour,
		SyncConcurrency:   2,
		MirrorConcurrency: 2,
		LogLevel:          "info",
	}
}

func openStore(t *testing.T, cfg config.Config) *store.Store {
	t.Helper()
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func idToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func newClassroomServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/courses", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"courses":[{"id":"c1","name":"Biology","courseState":"ACTIVE"}]}`))
	})
	mux.HandleFunc("/v1/courses/c1/courseWork", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"courseWork":[
			{"id":"w1","title":"Lab report","dueDate":{"year":2030,"month":1,"day":10}},
			{"id":"w2","title":"Essay","dueDate":{"year":2030,"month":2,"day":1}}
		]}`))
	})
	mux.HandleFunc("/v1/courses/c1/courseWork/-/studentSubmissions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"studentSubmissions":[
			{"id":"s1","courseWorkId":"w1","state":"TURNED_IN","updateTime":"2026-10-01T10:00:00Z",
			 "submissionHistory":[{"stateHistory":{"state":"TURNED_IN","stateTimestamp":"2026-10-01T10:00:00Z"}}]}
		]}`))
	})
	mux.HandleFunc("/v1/courses/c1/announcements", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"announcements":[]}`))
	})
	mux.HandleFunc("/v1/courses/c1/courseWorkMaterials", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"courseWorkMaterial":[]}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, h http.Handler, path string, out any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s: status %d body %s", path, rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestApplicationRunCancel(t *testing.T) {
	cfg := testConfig(t)
	a := New(cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

type errTray struct{}

func (errTray) Run(context.Context) error { return errors.New("tray failed") }
func (errTray) SetStatus(string)          {}

func TestApplicationRunTrayError(t *testing.T) {
	cfg := testConfig(t)
	cfg.BindAddress = ""
	cfg.EnableTray = true
	a := New(cfg, errTray{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Run(ctx); err == nil {
		t.Fatal("expected tray error")
	}
}

func TestApplicationRunStoreError(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.DBPath = filepath.Join(blocker, "nested", "sync.db")
	if err := New(cfg, nil, nil).Run(context.Background()); err == nil {
		t.Fatal("expected store open error")
	}
}

type recordingTray struct {
	mu       sync.Mutex
	statuses []string
}

func (r *recordingTray) Run(ctx context.Context) error { <-ctx.Done(); return nil }
func (r *recordingTray) SetStatus(s string) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func TestOnStateUpdatesTray(t *testing.T) {
	tr := &recordingTray{}
	a := New(testConfig(t), tr, nil)
	a.onState(domain.SyncState{UserID: "u1", Paused: true, LastError: "expired"})
	if len(tr.statuses) != 1 || !strings.Contains(tr.statuses[0], "paused") {
		t.Fatalf("unexpected tray statuses: %v", tr.statuses)
	}
}

func TestBuildProvider(t *testing.T) {
	cfg := testConfig(t)
	if got := BuildProvider(cfg).Name(); got != "disabled" {
		t.Fatalf("expected disabled provider, got %s", got)
	}
	cfg.EnableMirror = true
	if got := BuildProvider(cfg).Name(); got != "google" {
		t.Fatalf("expected google provider, got %s", got)
	}
}

func TestEndToEndSyncThroughAPI(t *testing.T) {
	ts := newClassroomServer(t)
	cfg := testConfig(t)
	cfg.AccessToken = "tok"
	cfg.ClassroomURL = ts.URL
	cfg.RequireBearerToken = true
	st := openStore(t, cfg)

	svc, err := Build(context.Background(), cfg, st, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer svc.Close()

	orch, ok := svc.Registry.Get("u1")
	if !ok {
		t.Fatal("expected orchestrator for configured user")
	}
	res, err := orch.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Assignments) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(res.Assignments))
	}
	orch.WaitBackground()

	h := svc.Server(cfg, nil).Handler()
	var items []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	getJSON(t, h, "/v1/assignments", &items)
	byID := map[string]string{}
	for _, it := range items {
		byID[it.ID] = it.Status
	}
	if byID["w1"] != string(domain.StatusSubmitted) || byID["w2"] != string(domain.StatusBacklog) {
		t.Fatalf("unexpected statuses: %v", byID)
	}

	var board []leaderboard.Entry
	getJSON(t, h, "/v1/leaderboard", &board)
	if len(board) != 1 || !board[0].IsViewer || board[0].Score < leaderboard.PointsPerCompletion {
		t.Fatalf("unexpected leaderboard: %+v", board)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/assignments", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}
}

func TestSessionsStaticToken(t *testing.T) {
	cfg := testConfig(t)
	st := openStore(t, cfg)
	svc, err := Build(context.Background(), cfg, st, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()

	ctx := context.Background()
	if _, err := svc.Sessions.Static["u1"].Token(ctx); err == nil {
		t.Fatal("expected no token before the session is supplied")
	}
	in := api.SessionRequest{
		AccessToken: "fresh",
		IDToken:     idToken(t, jwt.MapClaims{"sub": "u1", "email": "ada@school.edu", "name": "Ada"}),
	}
	if err := svc.Sessions.UpdateSession(ctx, "u1", in); err != nil {
		t.Fatalf("update session: %v", err)
	}
	if tok, err := svc.Sessions.Static["u1"].Token(ctx); err != nil || tok != "fresh" {
		t.Fatalf("expected fresh token, got %q %v", tok, err)
	}
	if v, err := svc.Boards.viewer("u1"); err != nil || v.Domain != "school.edu" {
		t.Fatalf("expected viewer domain from id token, got %+v %v", v, err)
	}
	if err := svc.Sessions.UpdateSession(ctx, "nobody", in); err == nil {
		t.Fatal("expected unknown user error")
	}
	if err := svc.Sessions.UpdateSession(ctx, "u1", api.SessionRequest{}); err == nil {
		t.Fatal("expected missing token error")
	}
}

func TestSessionsStoreRefreshTokenInVault(t *testing.T) {
	cfg := testConfig(t)
	cfg.ClientID = "client"
	cfg.VaultPassword = "correct horse"
	st := openStore(t, cfg)
	svc, err := Build(context.Background(), cfg, st, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()

	err = svc.Sessions.UpdateSession(context.Background(), "u1", api.SessionRequest{AccessToken: "acc", RefreshToken: "ref"})
	if err != nil {
		t.Fatalf("update session: %v", err)
	}
	session, err := auth.Vault{Secrets: st, Password: cfg.VaultPassword}.Load("u1")
	if err != nil {
		t.Fatalf("load vault: %v", err)
	}
	if session.RefreshToken != "ref" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if tok, err := svc.Sessions.Refresher.AccessToken(context.Background(), "u1"); err != nil || tok != "acc" {
		t.Fatalf("expected the supplied access token to be served from memory, got %q %v", tok, err)
	}
	err = svc.Sessions.UpdateSession(context.Background(), "u1", api.SessionRequest{AccessToken: "only-access"})
	if err == nil {
		t.Fatal("expected refresh token to be required")
	}
}

func TestBoardsViewFiltersAndOverridesName(t *testing.T) {
	cfg := testConfig(t)
	st := openStore(t, cfg)
	if err := st.SaveCourses("u1", []domain.Course{{ID: "c1"}}); err != nil {
		t.Fatal(err)
	}
	if err := st.Merge(store.BucketPrefs, "u1", map[string]any{"display_name": "Me"}); err != nil {
		t.Fatal(err)
	}
	records := []domain.Participant{
		{ID: "u1", DisplayName: "Ada", Domain: "school.edu", Enrollments: []string{"c1"}, Score: 10},
		{ID: "u2", DisplayName: "Bo", Domain: "school.edu", Enrollments: []string{"c1"}, Score: 20},
		{ID: "u3", DisplayName: "Cy", Domain: "other.edu", Enrollments: []string{"c1"}, Score: 30},
	}
	for _, p := range records {
		if err := st.SaveParticipant(leaderboard.CourseShard("c1"), p); err != nil {
			t.Fatal(err)
		}
	}

	boards := NewBoards(st, nil)
	defer boards.Close()
	entries, err := boards.View(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != "u2" || entries[1].ID != "u1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[1].DisplayName != "Me" || !entries[1].IsViewer || entries[1].Rank != 2 {
		t.Fatalf("unexpected viewer entry: %+v", entries[1])
	}

	if err := st.SaveCourses("u1", []domain.Course{{ID: "c1"}, {ID: "c2"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := boards.View(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	boards.mu.Lock()
	shards := boards.boards["u1"].shards
	boards.mu.Unlock()
	if len(shards) != 3 {
		t.Fatalf("expected aggregator restarted with new shards, got %v", shards)
	}
}

type fakeRemotePrefs struct {
	calls []string
}

func (f *fakeRemotePrefs) SetMirror(_ context.Context, userID string, enabled bool, calendarID string) error {
	if enabled {
		f.calls = append(f.calls, userID+":"+calendarID)
	}
	return nil
}

func TestDocumentsSetMirrorWritesBothStores(t *testing.T) {
	cfg := testConfig(t)
	st := openStore(t, cfg)
	remote := &fakeRemotePrefs{}
	docs := documents{Store: st, remote: remote}
	if err := docs.SetMirror("u1", true, "primary"); err != nil {
		t.Fatal(err)
	}
	prefs, _ := st.Prefs("u1")
	if !prefs.MirrorEnabled || len(remote.calls) != 1 || remote.calls[0] != "u1:primary" {
		t.Fatalf("unexpected mirror state: %+v %v", prefs, remote.calls)
	}
}

func TestStaticExchanger(t *testing.T) {
	ex := staticExchanger{"u1": auth.NewStaticSource("tok")}
	if tok, err := ex.AccessToken(context.Background(), "u1"); err != nil || tok != "tok" {
		t.Fatalf("unexpected token %q %v", tok, err)
	}
	if _, err := ex.AccessToken(context.Background(), "u2"); err == nil {
		t.Fatal("expected error for unknown user")
	}
}
