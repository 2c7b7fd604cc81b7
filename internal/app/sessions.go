package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/api"
	"github.com/sevenofnine/coursework-sync/internal/auth"
	"github.com/sevenofnine/coursework-sync/internal/leaderboard"
	"github.com/sevenofnine/coursework-sync/internal/syncer"
)

// accessTokenLifetime is how long a host-supplied access token is trusted
// before the refresh grant runs.
const accessTokenLifetime = 50 * time.Minute

// Sessions applies re-authentication results: it stores the new
// credentials, updates the user's profile and resumes their sync.
type Sessions struct {
	Registry  *syncer.Registry
	Static    map[string]*auth.StaticSource
	Vault     *auth.Vault
	Refresher *auth.Refresher
	Boards    *Boards
	Log       *slog.Logger
}

func (s *Sessions) UpdateSession(_ context.Context, userID string, in api.SessionRequest) error {
	orch, ok := s.Registry.Get(userID)
	if !ok {
		return fmt.Errorf("unknown user %s", userID)
	}
	switch {
	case s.Vault != nil && in.RefreshToken != "":
		if err := s.Vault.Save(auth.Session{UserID: userID, RefreshToken: in.RefreshToken}); err != nil {
			return fmt.Errorf("store session: %w", err)
		}
		if s.Refresher != nil {
			s.Refresher.Seed(userID, in.AccessToken, accessTokenLifetime)
		}
	case in.AccessToken != "":
		src, ok := s.Static[userID]
		if !ok {
			return fmt.Errorf("user %s uses refresh tokens; refresh_token is required", userID)
		}
		src.Set(in.AccessToken)
	default:
		return fmt.Errorf("access_token is required")
	}
	if in.IDToken != "" {
		if err := s.applyIdentity(userID, in.IDToken); err != nil {
			return err
		}
	}
	s.logger().Info("session updated, resuming sync", "user_id", userID)
	orch.Resume()
	return nil
}

func (s *Sessions) applyIdentity(userID, idToken string) error {
	id, err := auth.ParseIdentity(idToken)
	if err != nil {
		return err
	}
	if orch, ok := s.Registry.Get(userID); ok {
		orch.SetProfile(leaderboard.Profile{DisplayName: id.Name, PhotoURL: id.Picture, Domain: id.Domain})
	}
	if s.Boards != nil {
		s.Boards.SetDomain(userID, id.Domain)
	}
	return nil
}

func (s *Sessions) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
