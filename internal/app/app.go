package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/config"
	"github.com/sevenofnine/coursework-sync/internal/domain"
	"github.com/sevenofnine/coursework-sync/internal/store"
	"github.com/sevenofnine/coursework-sync/internal/tray"
)

const cacheSweepInterval = 5 * time.Minute

type Application struct {
	cfg    config.Config
	tray   tray.App
	logger *slog.Logger
}

func New(cfg config.Config, tr tray.App, logger *slog.Logger) *Application {
	if logger == nil {
		logger = slog.Default()
	}
	if tr == nil {
		tr = tray.NewNoop()
	}
	return &Application{cfg: cfg, tray: tr, logger: logger}
}

func (a *Application) Run(ctx context.Context) error {
	st, err := store.Open(a.cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := Build(ctx, a.cfg, st, a.onState, a.logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	svc.Boards.Start(ctx)
	server := svc.Server(a.cfg, a.logger)

	errCh := make(chan error, 4)
	wg := sync.WaitGroup{}
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if a.cfg.BindAddress != "" {
		goRun(func() {
			if err := server.ServeTCP(ctx, a.cfg.BindAddress); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("tcp server: %w", err)
			}
		})
	}
	if a.cfg.UnixSocketPath != "" {
		goRun(func() {
			if err := server.ServeUnix(ctx, a.cfg.UnixSocketPath); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("unix server: %w", err)
			}
		})
	}
	if a.cfg.EnableTray {
		goRun(func() {
			if err := a.tray.Run(ctx); err != nil {
				errCh <- fmt.Errorf("tray: %w", err)
			}
		})
	}

	for _, orch := range svc.Registry.All() {
		orch := orch
		goRun(func() { _ = orch.Run(ctx) })
	}
	if a.cfg.EnableMirror {
		goRun(func() { _ = svc.Mirror.Run(ctx, a.cfg.MirrorInterval) })
	}
	goRun(func() { svc.Cache.RunSweeper(ctx, cacheSweepInterval) })

	a.logger.Info("coursework sync started", "user_id", a.cfg.UserID, "bind", a.cfg.BindAddress, "mirror", a.cfg.EnableMirror)

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return nil
	}
}

func (a *Application) onState(st domain.SyncState) {
	a.tray.SetStatus(tray.StatusText(st))
}
