package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/apierr"
	"github.com/sevenofnine/coursework-sync/internal/calendar"
	"github.com/sevenofnine/coursework-sync/internal/domain"
	"github.com/sevenofnine/coursework-sync/internal/leaderboard"
	"github.com/sevenofnine/coursework-sync/internal/security"
	"github.com/sevenofnine/coursework-sync/internal/status"
	"github.com/sevenofnine/coursework-sync/internal/syncer"
	"github.com/sevenofnine/coursework-sync/internal/version"
)

type Documents interface {
	Assignments(userID string) ([]domain.Assignment, error)
	Prefs(userID string) (domain.UserPrefs, error)
	SetOverride(userID, courseworkID string, status domain.UserStatus) error
	SetMirror(userID string, enabled bool, calendarID string) error
}

type Syncer interface {
	Sync(ctx context.Context, background bool) (syncer.Result, error)
	State() (domain.SyncState, error)
}

type SessionRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Sessions accepts fresh credentials for a user and resumes their sync.
type Sessions interface {
	UpdateSession(ctx context.Context, userID string, in SessionRequest) error
}

type Leaderboard interface {
	View(ctx context.Context, userID string) ([]leaderboard.Entry, error)
}

type Options struct {
	Documents   Documents
	Syncer      func(userID string) (Syncer, bool)
	Sessions    Sessions
	Leaderboard Leaderboard
	Auth        security.BearerAuth
	Logger      *slog.Logger
}

type Server struct {
	docs     Documents
	syncer   func(userID string) (Syncer, bool)
	sessions Sessions
	board    Leaderboard
	auth     security.BearerAuth
	log      *slog.Logger
	now      func() time.Time
	httpSrv  *http.Server
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		docs:     opts.Documents,
		syncer:   opts.Syncer,
		sessions: opts.Sessions,
		board:    opts.Leaderboard,
		auth:     opts.Auth,
		log:      logger,
		now:      time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/assignments", s.handleAssignments)
	mux.HandleFunc("/v1/assignments/groups", s.handleGroups)
	mux.HandleFunc("/v1/assignments/status", s.handleSetStatus)
	mux.HandleFunc("/v1/sync", s.handleSync)
	mux.HandleFunc("/v1/sync/state", s.handleSyncState)
	mux.HandleFunc("/v1/session", s.handleSession)
	mux.HandleFunc("/v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/v1/calendar.ics", s.handleICS)
	mux.HandleFunc("/v1/mirror/optin", s.handleMirrorOptIn)
	s.httpSrv = &http.Server{Handler: s.wrapAuth(mux), ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) ServeTCP(ctx context.Context, bind string) error {
	if bind == "" {
		return errors.New("bind required")
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	go s.shutdownOnContext(ctx)
	return s.httpSrv.Serve(ln)
}

func (s *Server) ServeUnix(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("socket path required")
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return err
	}
	go s.shutdownOnContext(ctx)
	return s.httpSrv.Serve(ln)
}

func (s *Server) wrapAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		userID, ok := s.auth.Authenticate(r)
		if !ok || userID == "" {
			writeErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(security.WithUser(r.Context(), userID)))
	})
}

func (s *Server) shutdownOnContext(ctx context.Context) {
	<-ctx.Done()
	timeout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(timeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

type assignmentView struct {
	domain.Assignment
	Status domain.SystemStatus `json:"status"`
	Group  status.Group        `json:"group"`
}

// current loads the stored assignments with the user's latest overrides
// applied, since overrides can change between syncs.
func (s *Server) current(userID string) ([]domain.Assignment, error) {
	items, err := s.docs.Assignments(userID)
	if err != nil {
		return nil, err
	}
	prefs, err := s.docs.Prefs(userID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].UserStatus = prefs.Overrides[items[i].ID]
	}
	return items, nil
}

func toViews(items []domain.Assignment) []assignmentView {
	out := make([]assignmentView, 0, len(items))
	for _, a := range items {
		out = append(out, assignmentView{Assignment: a, Status: status.Effective(a.SystemStatus, a.UserStatus), Group: status.GroupOf(a)})
	}
	return out
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	items, err := s.current(security.UserFrom(r.Context()))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if course := r.URL.Query().Get("course_id"); course != "" {
		filtered := items[:0]
		for _, a := range items {
			if a.CourseID == course {
				filtered = append(filtered, a)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, toViews(items))
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	items, err := s.current(security.UserFrom(r.Context()))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	groups := status.GroupAll(items)
	out := make(map[status.Group][]assignmentView, len(groups))
	for g, list := range groups {
		out[g] = toViews(list)
	}
	writeJSON(w, http.StatusOK, out)
}

type statusRequest struct {
	CourseworkID string            `json:"coursework_id"`
	Status       domain.UserStatus `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload statusRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if payload.CourseworkID == "" || !payload.Status.Valid() {
		writeErr(w, http.StatusBadRequest, "coursework_id and a valid status are required")
		return
	}
	if err := s.docs.SetOverride(security.UserFrom(r.Context()), payload.CourseworkID, payload.Status); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) lookupSyncer(w http.ResponseWriter, r *http.Request) (Syncer, bool) {
	if s.syncer == nil {
		writeErr(w, http.StatusNotFound, "no sync configured")
		return nil, false
	}
	sy, ok := s.syncer(security.UserFrom(r.Context()))
	if !ok {
		writeErr(w, http.StatusNotFound, "no sync configured for user")
		return nil, false
	}
	return sy, true
}

type syncResponse struct {
	RunID        string            `json:"run_id"`
	Changed      bool              `json:"changed"`
	Assignments  int               `json:"assignments"`
	CourseErrors map[string]string `json:"course_errors,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sy, ok := s.lookupSyncer(w, r)
	if !ok {
		return
	}
	background, _ := strconv.ParseBool(r.URL.Query().Get("background"))
	res, err := sy.Sync(r.Context(), background)
	switch {
	case errors.Is(err, syncer.ErrSyncInProgress):
		writeErr(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, apierr.ErrSessionExpired):
		writeErr(w, http.StatusForbidden, "session expired: supply a new token via /v1/session")
		return
	case err != nil:
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	out := syncResponse{RunID: res.RunID, Changed: res.Changed, Assignments: len(res.Assignments)}
	if len(res.CourseErrors) > 0 {
		out.CourseErrors = make(map[string]string, len(res.CourseErrors))
		for id, cerr := range res.CourseErrors {
			out.CourseErrors[id] = cerr.Error()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sy, ok := s.lookupSyncer(w, r)
	if !ok {
		return
	}
	st, err := sy.State()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.sessions == nil {
		writeErr(w, http.StatusNotImplemented, "sessions not supported")
		return
	}
	var payload SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if payload.AccessToken == "" && payload.RefreshToken == "" {
		writeErr(w, http.StatusBadRequest, "access_token or refresh_token is required")
		return
	}
	if err := s.sessions.UpdateSession(r.Context(), security.UserFrom(r.Context()), payload); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.board == nil {
		writeErr(w, http.StatusNotImplemented, "leaderboard not enabled")
		return
	}
	entries, err := s.board.View(r.Context(), security.UserFrom(r.Context()))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	items, err := s.current(security.UserFrom(r.Context()))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := calendar.WriteICS(w, "Coursework", items, s.now()); err != nil {
		s.log.Warn("write ics failed", "error", err)
	}
}

type optInRequest struct {
	Enabled    bool   `json:"enabled"`
	CalendarID string `json:"calendar_id"`
}

func (s *Server) handleMirrorOptIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload optInRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if payload.CalendarID == "" {
		payload.CalendarID = "primary"
	}
	if err := s.docs.SetMirror(security.UserFrom(r.Context()), payload.Enabled, payload.CalendarID); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
