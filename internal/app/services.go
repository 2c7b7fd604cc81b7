package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/api"
	"github.com/sevenofnine/coursework-sync/internal/auth"
	"github.com/sevenofnine/coursework-sync/internal/cache"
	"github.com/sevenofnine/coursework-sync/internal/calendar"
	"github.com/sevenofnine/coursework-sync/internal/classroom"
	"github.com/sevenofnine/coursework-sync/internal/config"
	"github.com/sevenofnine/coursework-sync/internal/domain"
	"github.com/sevenofnine/coursework-sync/internal/leaderboard"
	"github.com/sevenofnine/coursework-sync/internal/mirror"
	"github.com/sevenofnine/coursework-sync/internal/security"
	"github.com/sevenofnine/coursework-sync/internal/store"
	"github.com/sevenofnine/coursework-sync/internal/store/pgstore"
	"github.com/sevenofnine/coursework-sync/internal/syncer"
)

// Services is the wired object graph behind the HTTP API.
type Services struct {
	Store     *store.Store
	Cache     *cache.Cache
	Classroom *classroom.Client
	Registry  *syncer.Registry
	Mirror    *mirror.Mirror
	Sessions  *Sessions
	Boards    *Boards
	Documents api.Documents

	mirrorEnabled bool
	pg            *pgstore.Store
}

// BuildProvider picks the calendar backend for the mirror.
func BuildProvider(cfg config.Config) calendar.Provider {
	if !cfg.EnableMirror {
		return calendar.Disabled{}
	}
	return calendar.NewGoogleProvider(calendar.GoogleOptions{BaseURL: cfg.CalendarURL, Timeout: cfg.RequestTimeout})
}

// Build wires every component over an open store. onState receives each
// sync state change of the configured user.
func Build(ctx context.Context, cfg config.Config, st *store.Store, onState func(domain.SyncState), logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Services{
		Store:         st,
		Cache:         cache.New(st.CacheBackend(), cache.WithLogger(logger)),
		Classroom:     classroom.NewClient(classroom.ClientOptions{BaseURL: cfg.ClassroomURL, Timeout: cfg.RequestTimeout}),
		mirrorEnabled: cfg.EnableMirror,
	}

	var (
		mappings mirror.MappingStore = st
		users    mirror.UserLister   = st
		remote   mirrorPrefs
	)
	if cfg.MappingDSN != "" {
		pg, err := pgstore.Connect(ctx, cfg.MappingDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		svc.pg = pg
		mappings, users, remote = pg, pg, pg
	}
	svc.Documents = documents{Store: st, remote: remote}

	static := auth.NewStaticSource(cfg.AccessToken)
	var (
		tokens    auth.TokenSource      = static
		exchanger mirror.TokenExchanger = staticExchanger{cfg.UserID: static}
		refresher *auth.Refresher
		vault     auth.Vault
	)
	if cfg.RefreshEnabled() {
		vault = auth.Vault{Secrets: st, Password: cfg.VaultPassword}
		refresher = auth.NewRefresher(auth.RefresherOptions{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Timeout:      cfg.RequestTimeout,
			Vault:        vault,
		})
		tokens = refresher.ForUser(cfg.UserID)
		exchanger = refresher
	}

	svc.Mirror = mirror.New(mirror.Options{
		Mappings:    mappings,
		Users:       users,
		Tokens:      exchanger,
		Classroom:   svc.Classroom,
		Provider:    BuildProvider(cfg),
		Concurrency: cfg.MirrorConcurrency,
		Logger:      logger,
	})

	opts := syncer.Options{
		UserID:       cfg.UserID,
		Tokens:       tokens,
		Classroom:    svc.Classroom,
		Store:        st,
		Cache:        svc.Cache,
		Bookkeeper:   leaderboard.NewBookkeeper(st),
		CourseFilter: cfg.Courses,
		Concurrency:  cfg.SyncConcurrency,
		Interval:     cfg.SyncInterval,
		Logger:       logger,
		OnState:      onState,
	}
	if cfg.EnableMirror {
		opts.Mirror = svc.Mirror
	}
	orch := syncer.New(opts)
	svc.Registry = syncer.NewRegistry(orch)
	svc.Boards = NewBoards(st, logger)

	svc.Sessions = &Sessions{
		Registry: svc.Registry,
		Static:   map[string]*auth.StaticSource{cfg.UserID: static},
		Boards:   svc.Boards,
		Log:      logger,
	}
	if refresher != nil {
		svc.Sessions.Vault = &vault
		svc.Sessions.Refresher = refresher
	}
	if cfg.IDToken != "" {
		if err := svc.Sessions.applyIdentity(cfg.UserID, cfg.IDToken); err != nil {
			logger.Warn("ignoring configured id token", "error", err)
		}
	}
	return svc, nil
}

// Server builds the HTTP API over the services.
func (s *Services) Server(cfg config.Config, logger *slog.Logger) *api.Server {
	return api.New(api.Options{
		Documents: s.Documents,
		Syncer: func(userID string) (api.Syncer, bool) {
			o, ok := s.Registry.Get(userID)
			if !ok {
				return nil, false
			}
			return o, true
		},
		Sessions:    s.Sessions,
		Leaderboard: s.Boards,
		Auth: security.BearerAuth{
			Enabled:     cfg.RequireBearerToken,
			Tokens:      map[string]string{cfg.BearerToken: cfg.UserID},
			DefaultUser: cfg.UserID,
		},
		Logger: logger,
	})
}

func (s *Services) Close() {
	s.Boards.Close()
	if s.pg != nil {
		s.pg.Close()
	}
}

type mirrorPrefs interface {
	SetMirror(ctx context.Context, userID string, enabled bool, calendarID string) error
}

// documents keeps the mirror opt-in in the local store and, when configured,
// in the shared mapping database the mirror reads from.
type documents struct {
	*store.Store
	remote mirrorPrefs
}

func (d documents) SetMirror(userID string, enabled bool, calendarID string) error {
	if err := d.Store.SetMirror(userID, enabled, calendarID); err != nil {
		return err
	}
	if d.remote == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.remote.SetMirror(ctx, userID, enabled, calendarID); err != nil {
		return fmt.Errorf("record mirror opt-in: %w", err)
	}
	return nil
}

// staticExchanger serves host-supplied tokens to the mirror when no OAuth
// client is configured.
type staticExchanger map[string]*auth.StaticSource

func (s staticExchanger) AccessToken(ctx context.Context, userID string) (string, error) {
	src, ok := s[userID]
	if !ok {
		return "", fmt.Errorf("no token source for user %s", userID)
	}
	return src.Token(ctx)
}
