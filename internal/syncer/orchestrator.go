// Package syncer runs the per-user sync: fetch courses, coursework and
// submissions, derive statuses, and publish the assignment list.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sevenofnine/coursework-sync/internal/apierr"
	"github.com/sevenofnine/coursework-sync/internal/auth"
	"github.com/sevenofnine/coursework-sync/internal/cache"
	"github.com/sevenofnine/coursework-sync/internal/domain"
	"github.com/sevenofnine/coursework-sync/internal/leaderboard"
	"github.com/sevenofnine/coursework-sync/internal/mirror"
	"github.com/sevenofnine/coursework-sync/internal/status"
	"golang.org/x/sync/errgroup"
)

var ErrSyncInProgress = errors.New("sync already in progress")

type Classroom interface {
	ListCourses(ctx context.Context, token string) ([]domain.Course, error)
	ListCoursework(ctx context.Context, token, courseID string) ([]domain.CourseworkItem, error)
	ListSubmissions(ctx context.Context, token, courseID string) ([]domain.SubmissionRecord, error)
	ListAnnouncements(ctx context.Context, token, courseID string) ([]domain.Announcement, error)
	ListMaterials(ctx context.Context, token, courseID string) ([]domain.Material, error)
}

type Store interface {
	Assignments(userID string) ([]domain.Assignment, error)
	ReplaceAssignments(userID string, items []domain.Assignment) error
	Prefs(userID string) (domain.UserPrefs, error)
	SaveCourses(userID string, courses []domain.Course) error
	SyncState(userID string) (domain.SyncState, error)
	SaveSyncState(st domain.SyncState) error
	SaveAnnouncements(courseID string, items []domain.Announcement) error
	SaveMaterials(courseID string, items []domain.Material) error
}

type MirrorRunner interface {
	MirrorUser(ctx context.Context, userID, calendarID string) mirror.UserReport
}

type Recorder interface {
	Record(ctx context.Context, userID string, profile leaderboard.Profile, items []domain.Assignment) (domain.Participant, error)
}

type Options struct {
	UserID       string
	Tokens       auth.TokenSource
	Classroom    Classroom
	Store        Store
	Cache        *cache.Cache
	Mirror       MirrorRunner
	Bookkeeper   Recorder
	CourseFilter []string
	Concurrency  int
	Interval     time.Duration
	Logger       *slog.Logger
	// OnState is called after every sync state change.
	OnState func(domain.SyncState)
}

type Orchestrator struct {
	userID     string
	tokens     auth.TokenSource
	classroom  Classroom
	store      Store
	cache      *cache.Cache
	mirror     MirrorRunner
	bookkeeper Recorder
	filter     map[string]struct{}
	limit      int
	interval   time.Duration
	log        *slog.Logger
	onState    func(domain.SyncState)
	now        func() time.Time

	running atomic.Bool
	paused  atomic.Bool
	trigger chan struct{}
	bg      sync.WaitGroup
	stateMu sync.Mutex

	profileMu sync.RWMutex
	profile   leaderboard.Profile
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 4
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	var filter map[string]struct{}
	if len(opts.CourseFilter) > 0 {
		filter = make(map[string]struct{}, len(opts.CourseFilter))
		for _, id := range opts.CourseFilter {
			filter[id] = struct{}{}
		}
	}
	return &Orchestrator{
		userID:     opts.UserID,
		tokens:     opts.Tokens,
		classroom:  opts.Classroom,
		store:      opts.Store,
		cache:      opts.Cache,
		mirror:     opts.Mirror,
		bookkeeper: opts.Bookkeeper,
		filter:     filter,
		limit:      limit,
		interval:   interval,
		log:        logger.With("user_id", opts.UserID),
		onState:    opts.OnState,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
	}
}

func (o *Orchestrator) UserID() string { return o.userID }

func (o *Orchestrator) SetProfile(p leaderboard.Profile) {
	o.profileMu.Lock()
	o.profile = p
	o.profileMu.Unlock()
}

func (o *Orchestrator) currentProfile() leaderboard.Profile {
	o.profileMu.RLock()
	defer o.profileMu.RUnlock()
	return o.profile
}

// Result describes one completed sync. Background holds one error channel
// per spawned background task; each receives exactly one value.
type Result struct {
	RunID        string
	Assignments  []domain.Assignment
	Changed      bool
	CourseErrors map[string]error
	Background   map[string]<-chan error
}

// Sync runs the critical path and, on success, spawns the background tasks.
// Background runs read through the cache; foreground runs drop cached
// coursework and submissions first.
func (o *Orchestrator) Sync(ctx context.Context, background bool) (Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer o.running.Store(false)

	res := Result{RunID: uuid.NewString(), CourseErrors: map[string]error{}}
	logger := o.log.With("run_id", res.RunID, "background", background)
	started := o.now().UTC()
	o.updateState(func(st *domain.SyncState) {
		st.RunID = res.RunID
		st.Running = true
		st.LastRunAt = &started
	})

	token, err := o.token(ctx)
	if err != nil {
		return res, o.fail(logger, err)
	}
	if !background {
		o.invalidate(logger)
	}

	courses, token, err := o.courses(ctx, token)
	if err != nil {
		return res, o.fail(logger, err)
	}
	prefs, err := o.store.Prefs(o.userID)
	if err != nil {
		logger.Warn("load prefs failed", "error", err)
	}

	perCourse := o.syncCourses(ctx, logger, token, courses, prefs.Overrides, res.CourseErrors)
	if retry := unauthorizedCourses(courses, res.CourseErrors); len(retry) > 0 {
		logger.Info("course call unauthorized, refreshing token", "courses", len(retry))
		o.dropCourses(logger)
		token, err = o.tokens.Refresh(ctx)
		if err != nil {
			return res, o.fail(logger, expired(err))
		}
		for _, c := range retry {
			delete(res.CourseErrors, c.ID)
		}
		for id, items := range o.syncCourses(ctx, logger, token, retry, prefs.Overrides, res.CourseErrors) {
			perCourse[id] = items
		}
		for _, c := range retry {
			if apierr.IsUnauthorized(res.CourseErrors[c.ID]) {
				return res, o.fail(logger, &apierr.SessionExpiredError{Cause: res.CourseErrors[c.ID]})
			}
		}
	}
	if len(courses) > 0 && len(res.CourseErrors) == len(courses) {
		return res, o.fail(logger, fmt.Errorf("every course failed: %s", summarize(res.CourseErrors)))
	}

	merged := make([]domain.Assignment, 0)
	for _, c := range courses {
		merged = append(merged, perCourse[c.ID]...)
	}
	if len(res.CourseErrors) > 0 {
		merged = append(merged, o.retained(logger, res.CourseErrors)...)
	}
	status.Sort(merged)
	res.Assignments = merged

	changed, err := o.publish(merged)
	if err != nil {
		return res, o.fail(logger, err)
	}
	res.Changed = changed

	finished := o.now().UTC()
	o.paused.Store(false)
	o.updateState(func(st *domain.SyncState) {
		st.Running = false
		st.Paused = false
		st.LastSuccessAt = &finished
		st.Assignments = len(merged)
		st.LastError = summarize(res.CourseErrors)
	})
	logger.Info("sync finished", "courses", len(courses), "assignments", len(merged), "changed", changed, "course_errors", len(res.CourseErrors))

	res.Background = o.spawnBackground(ctx, logger, token, courses, prefs, merged)
	return res, nil
}

// syncCourses runs syncCourse for each course under the concurrency limit.
// Failures are recorded in errs and leave the course out of the result.
func (o *Orchestrator) syncCourses(ctx context.Context, logger *slog.Logger, token string, courses []domain.Course, overrides map[string]domain.UserStatus, errs map[string]error) map[string][]domain.Assignment {
	out := make(map[string][]domain.Assignment, len(courses))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.limit)
	for _, course := range courses {
		course := course
		g.Go(func() error {
			items, err := o.syncCourse(gctx, token, course, overrides)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("course sync failed", "course_id", course.ID, "error", err)
				errs[course.ID] = err
				return nil
			}
			out[course.ID] = items
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func unauthorizedCourses(courses []domain.Course, errs map[string]error) []domain.Course {
	var out []domain.Course
	for _, c := range courses {
		if apierr.IsUnauthorized(errs[c.ID]) {
			out = append(out, c)
		}
	}
	return out
}

// dropCourses forgets the cached course list so the next run asks the API
// again with whatever token it then holds.
func (o *Orchestrator) dropCourses(logger *slog.Logger) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Remove(cache.Key{Kind: cache.KindCourses, Scope: o.userID}); err != nil {
		logger.Debug("cache invalidation failed", "kind", cache.KindCourses.String(), "error", err)
	}
}

// retained returns the previously published assignments of the failed
// courses.
func (o *Orchestrator) retained(logger *slog.Logger, failed map[string]error) []domain.Assignment {
	prev, err := o.store.Assignments(o.userID)
	if err != nil {
		logger.Warn("load assignments failed", "error", err)
		return nil
	}
	var out []domain.Assignment
	for _, a := range prev {
		if _, ok := failed[a.CourseID]; ok {
			out = append(out, a)
		}
	}
	return out
}

// token asks the source for a bearer token and makes one silent refresh when
// none is available.
func (o *Orchestrator) token(ctx context.Context) (string, error) {
	tok, err := o.tokens.Token(ctx)
	if err == nil && tok != "" {
		return tok, nil
	}
	tok, rerr := o.tokens.Refresh(ctx)
	if rerr != nil {
		return "", expired(rerr)
	}
	if tok == "" {
		return "", &apierr.SessionExpiredError{Cause: err}
	}
	return tok, nil
}

func (o *Orchestrator) invalidate(logger *slog.Logger) {
	if o.cache == nil {
		return
	}
	for _, k := range []cache.Kind{cache.KindCoursework, cache.KindSubmissions} {
		if err := o.cache.RemoveKind(k); err != nil {
			logger.Debug("cache invalidation failed", "kind", k.String(), "error", err)
		}
	}
}

// courses lists the user's active courses. A 401 refreshes the token once
// and retries; the returned token is the one that worked.
func (o *Orchestrator) courses(ctx context.Context, token string) ([]domain.Course, string, error) {
	key := cache.Key{Kind: cache.KindCourses, Scope: o.userID}
	courses, ok := cache.Get[[]domain.Course](o.cache, key)
	if !ok {
		var err error
		courses, err = o.classroom.ListCourses(ctx, token)
		if apierr.IsUnauthorized(err) {
			o.log.Info("courses call unauthorized, refreshing token")
			token, err = o.tokens.Refresh(ctx)
			if err != nil {
				return nil, "", expired(err)
			}
			courses, err = o.classroom.ListCourses(ctx, token)
			if apierr.IsUnauthorized(err) {
				return nil, "", &apierr.SessionExpiredError{Cause: err}
			}
		}
		if err != nil {
			return nil, "", err
		}
		for i := range courses {
			if courses[i].Color == "" {
				courses[i].Color = domain.CourseColor(courses[i].Name)
			}
		}
		if err := cache.Set(o.cache, key, courses); err != nil {
			o.log.Debug("cache courses failed", "error", err)
		}
	}

	now := o.now().UTC()
	out := make([]domain.Course, 0, len(courses))
	for _, c := range courses {
		if c.State != "" && c.State != domain.CourseStateActive {
			continue
		}
		if o.filter != nil {
			if _, ok := o.filter[c.ID]; !ok {
				continue
			}
		}
		c.LastSyncedAt = &now
		out = append(out, c)
	}
	if err := o.store.SaveCourses(o.userID, out); err != nil {
		o.log.Warn("save courses failed", "error", err)
	}
	return out, token, nil
}

// syncCourse fetches a course's coursework and the user's submissions
// concurrently and joins them.
func (o *Orchestrator) syncCourse(ctx context.Context, token string, course domain.Course, overrides map[string]domain.UserStatus) ([]domain.Assignment, error) {
	var items []domain.CourseworkItem
	var subs []domain.SubmissionRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		key := cache.Key{Kind: cache.KindCoursework, Scope: course.ID}
		if cached, ok := cache.Get[[]domain.CourseworkItem](o.cache, key); ok {
			items = cached
			return nil
		}
		fetched, err := o.classroom.ListCoursework(gctx, token, course.ID)
		if err != nil {
			return err
		}
		items = fetched
		_ = cache.Set(o.cache, key, fetched)
		return nil
	})
	g.Go(func() error {
		key := cache.Key{Kind: cache.KindSubmissions, Scope: o.userID + ":" + course.ID}
		if cached, ok := cache.Get[[]domain.SubmissionRecord](o.cache, key); ok {
			subs = cached
			return nil
		}
		fetched, err := o.classroom.ListSubmissions(gctx, token, course.ID)
		if err != nil {
			return err
		}
		subs = fetched
		_ = cache.Set(o.cache, key, fetched)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return status.Join(course, items, subs, overrides, o.now()), nil
}

// publish writes the list only when its encoding differs from the stored
// one.
func (o *Orchestrator) publish(items []domain.Assignment) (bool, error) {
	prev, err := o.store.Assignments(o.userID)
	if err != nil {
		return false, fmt.Errorf("load assignments: %w", err)
	}
	if prev != nil {
		a, errA := json.Marshal(prev)
		b, errB := json.Marshal(items)
		if errA == nil && errB == nil && bytes.Equal(a, b) {
			return false, nil
		}
	}
	if err := o.store.ReplaceAssignments(o.userID, items); err != nil {
		return false, fmt.Errorf("replace assignments: %w", err)
	}
	return true, nil
}

func (o *Orchestrator) fail(logger *slog.Logger, err error) error {
	if errors.Is(err, apierr.ErrSessionExpired) {
		o.paused.Store(true)
		logger.Error("session expired, sync paused", "error", err)
	} else {
		logger.Warn("sync failed", "error", err)
	}
	o.updateState(func(st *domain.SyncState) {
		st.Running = false
		st.Paused = o.paused.Load()
		st.LastError = err.Error()
	})
	return err
}

func expired(err error) error {
	if errors.Is(err, apierr.ErrSessionExpired) {
		return err
	}
	return &apierr.SessionExpiredError{Cause: err}
}

func summarize(errs map[string]error) string {
	if len(errs) == 0 {
		return ""
	}
	ids := make([]string, 0, len(errs))
	for id := range errs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("%d course(s) failed: %s: %v", len(ids), ids[0], errs[ids[0]])
}

func (o *Orchestrator) updateState(fn func(*domain.SyncState)) {
	o.stateMu.Lock()
	st, err := o.store.SyncState(o.userID)
	if err != nil {
		st = domain.SyncState{}
	}
	st.UserID = o.userID
	fn(&st)
	if err := o.store.SaveSyncState(st); err != nil {
		o.log.Warn("save sync state failed", "error", err)
	}
	o.stateMu.Unlock()
	if o.onState != nil {
		o.onState(st)
	}
}

func (o *Orchestrator) State() (domain.SyncState, error) {
	return o.store.SyncState(o.userID)
}

func (o *Orchestrator) Paused() bool { return o.paused.Load() }
