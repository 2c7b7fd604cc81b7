package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sevenofnine/coursework-sync/internal/apierr"
	"github.com/sevenofnine/coursework-sync/internal/cache"
	"github.com/sevenofnine/coursework-sync/internal/domain"
)

const (
	TaskAuxiliary   = "auxiliary"
	TaskMirror      = "mirror"
	TaskBookkeeping = "bookkeeping"
)

// spawnBackground starts each background task in its own goroutine. The
// tasks outlive the caller's context but not the process.
func (o *Orchestrator) spawnBackground(ctx context.Context, logger *slog.Logger, token string, courses []domain.Course, prefs domain.UserPrefs, items []domain.Assignment) map[string]<-chan error {
	ctx = context.WithoutCancel(ctx)
	out := map[string]<-chan error{}
	out[TaskAuxiliary] = o.spawn(ctx, logger, TaskAuxiliary, func(ctx context.Context) error {
		return o.syncAuxiliary(ctx, logger, token, courses)
	})
	if o.mirror != nil && prefs.MirrorEnabled {
		out[TaskMirror] = o.spawn(ctx, logger, TaskMirror, func(ctx context.Context) error {
			report := o.mirror.MirrorUser(ctx, o.userID, prefs.CalendarID)
			logger.Debug("mirror finished", "created", report.Created, "updated", report.Updated, "recreated", report.Recreated)
			return report.Err
		})
	}
	if o.bookkeeper != nil {
		out[TaskBookkeeping] = o.spawn(ctx, logger, TaskBookkeeping, func(ctx context.Context) error {
			p, err := o.bookkeeper.Record(ctx, o.userID, o.currentProfile(), items)
			if err == nil {
				logger.Debug("leaderboard record written", "score", p.Score, "badges", len(p.Badges))
			}
			return err
		})
	}
	return out
}

func (o *Orchestrator) spawn(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) <-chan error {
	errc := make(chan error, 1)
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s task panic: %v", name, r)
			}
			if err != nil {
				logger.Warn("background task failed", "task", name, "error", err)
			}
			errc <- err
		}()
		err = fn(ctx)
	}()
	return errc
}

// WaitBackground blocks until every spawned background task has finished.
func (o *Orchestrator) WaitBackground() { o.bg.Wait() }

// syncAuxiliary refreshes announcements and materials. A 403 on either marks
// that scope as reduced instead of failing.
func (o *Orchestrator) syncAuxiliary(ctx context.Context, logger *slog.Logger, token string, courses []domain.Course) error {
	reduced := map[string]struct{}{}
	var errs []error
	for _, course := range courses {
		ann, err := fetchCached(o.cache, cache.Key{Kind: cache.KindAnnouncements, Scope: course.ID}, func() ([]domain.Announcement, error) {
			return o.classroom.ListAnnouncements(ctx, token, course.ID)
		})
		switch {
		case err == nil:
			if err := o.store.SaveAnnouncements(course.ID, ann); err != nil {
				errs = append(errs, err)
			}
		case errors.Is(err, apierr.ErrPermission):
			reduced["announcements"] = struct{}{}
		default:
			errs = append(errs, err)
		}

		mat, err := fetchCached(o.cache, cache.Key{Kind: cache.KindMaterials, Scope: course.ID}, func() ([]domain.Material, error) {
			return o.classroom.ListMaterials(ctx, token, course.ID)
		})
		switch {
		case err == nil:
			if err := o.store.SaveMaterials(course.ID, mat); err != nil {
				errs = append(errs, err)
			}
		case errors.Is(err, apierr.ErrPermission):
			reduced["materials"] = struct{}{}
		default:
			errs = append(errs, err)
		}
	}
	scopes := make([]string, 0, len(reduced))
	for s := range reduced {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	if len(scopes) > 0 {
		logger.Info("running with reduced scopes", "scopes", scopes)
	}
	o.updateState(func(st *domain.SyncState) { st.ReducedScopes = scopes })
	return errors.Join(errs...)
}

func fetchCached[T any](c *cache.Cache, key cache.Key, fetch func() (T, error)) (T, error) {
	if v, ok := cache.Get[T](c, key); ok {
		return v, nil
	}
	v, err := fetch()
	if err != nil {
		return v, err
	}
	_ = cache.Set(c, key, v)
	return v, nil
}
