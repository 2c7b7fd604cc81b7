// Package mirror copies coursework due dates into each opted-in user's
// external calendar, keeping one event per (user, coursework) pair.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sevenofnine/coursework-sync/internal/apierr"
	"github.com/sevenofnine/coursework-sync/internal/calendar"
	"github.com/sevenofnine/coursework-sync/internal/domain"
	"golang.org/x/sync/semaphore"
)

type MappingStore interface {
	GetMapping(ctx context.Context, userID, courseworkID string) (domain.CalendarEventMapping, bool, error)
	PutMapping(ctx context.Context, m domain.CalendarEventMapping) error
}

type UserLister interface {
	MirrorUsers(ctx context.Context) ([]domain.UserPrefs, error)
}

// TokenExchanger turns a user's stored refresh token into an access token.
type TokenExchanger interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

type Classroom interface {
	ListCourses(ctx context.Context, token string) ([]domain.Course, error)
	ListCoursework(ctx context.Context, token, courseID string) ([]domain.CourseworkItem, error)
}

type Options struct {
	Mappings    MappingStore
	Users       UserLister
	Tokens      TokenExchanger
	Classroom   Classroom
	Provider    calendar.Provider
	Concurrency int
	Logger      *slog.Logger
}

type Mirror struct {
	mappings  MappingStore
	users     UserLister
	tokens    TokenExchanger
	classroom Classroom
	provider  calendar.Provider
	policy    *bluemonday.Policy
	limit     int64
	log       *slog.Logger
	now       func() time.Time

	// userLocks holds one *sync.Mutex per user id.
	userLocks sync.Map
}

func New(opts Options) *Mirror {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := int64(opts.Concurrency)
	if limit <= 0 {
		limit = 4
	}
	return &Mirror{
		mappings:  opts.Mappings,
		users:     opts.Users,
		tokens:    opts.Tokens,
		classroom: opts.Classroom,
		provider:  opts.Provider,
		policy:    bluemonday.StrictPolicy(),
		limit:     limit,
		log:       logger,
		now:       time.Now,
	}
}

type UserReport struct {
	UserID    string `json:"user_id"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Recreated int    `json:"recreated"`
	Failed    int    `json:"failed"`
	Err       error  `json:"-"`
}

type Report struct {
	RunID     string       `json:"run_id"`
	Users     []UserReport `json:"users"`
	Created   int          `json:"created"`
	Updated   int          `json:"updated"`
	Recreated int          `json:"recreated"`
	Failed    int          `json:"failed_users"`
}

// RunAll mirrors every opted-in user. A failure for one user never stops the
// others; it is recorded in that user's report entry.
func (m *Mirror) RunAll(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.NewString()}
	users, err := m.users.MirrorUsers(ctx)
	if err != nil {
		return report, fmt.Errorf("list mirror users: %w", err)
	}
	logger := m.log.With("run_id", report.RunID)
	logger.Info("mirror run started", "users", len(users))

	sem := semaphore.NewWeighted(m.limit)
	results := make([]UserReport, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(users); j++ {
				results[j] = UserReport{UserID: users[j].UserID, Err: err}
			}
			break
		}
		wg.Add(1)
		go func(i int, u domain.UserPrefs) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = m.safeMirror(ctx, u.UserID, u.CalendarID)
		}(i, u)
	}
	wg.Wait()

	for _, r := range results {
		report.Users = append(report.Users, r)
		report.Created += r.Created
		report.Updated += r.Updated
		report.Recreated += r.Recreated
		if r.Err != nil {
			report.Failed++
			logger.Warn("mirror failed for user", "user_id", r.UserID, "error", r.Err)
		}
	}
	logger.Info("mirror run finished",
		"created", report.Created, "updated", report.Updated,
		"recreated", report.Recreated, "failed_users", report.Failed)
	return report, nil
}

func (m *Mirror) safeMirror(ctx context.Context, userID, calendarID string) (out UserReport) {
	defer func() {
		if r := recover(); r != nil {
			out = UserReport{UserID: userID, Err: fmt.Errorf("mirror panic: %v", r)}
		}
	}()
	return m.MirrorUser(ctx, userID, calendarID)
}

// MirrorUser creates or patches one event per dated coursework item of the
// user's active courses. A 403 from either API aborts the user with a
// *apierr.PermissionError. Runs for the same user are serialized so a
// mapping is always visible to the next run before it looks it up.
func (m *Mirror) MirrorUser(ctx context.Context, userID, calendarID string) UserReport {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	report := UserReport{UserID: userID}
	if calendarID == "" {
		calendarID = "primary"
	}
	token, err := m.tokens.AccessToken(ctx, userID)
	if err != nil {
		report.Err = err
		return report
	}
	courses, err := m.classroom.ListCourses(ctx, token)
	if err != nil {
		report.Err = apierr.AsPermission("courses", err)
		return report
	}
	for _, course := range courses {
		if course.State != "" && course.State != domain.CourseStateActive {
			continue
		}
		items, err := m.classroom.ListCoursework(ctx, token, course.ID)
		if err != nil {
			if apierr.IsForbidden(err) {
				report.Err = apierr.AsPermission("coursework", err)
				return report
			}
			report.Failed++
			report.Err = errors.Join(report.Err, err)
			continue
		}
		for _, item := range items {
			mutation, ok := calendar.MutationFor(item, course.Name)
			if !ok {
				continue
			}
			mutation.Description = m.describe(item)
			err := m.upsert(ctx, token, userID, calendarID, item.ID, mutation, &report)
			if err == nil {
				continue
			}
			if apierr.IsForbidden(err) {
				report.Err = apierr.AsPermission("calendar", err)
				return report
			}
			report.Failed++
			report.Err = errors.Join(report.Err, err)
		}
	}
	return report
}

func (m *Mirror) userLock(userID string) *sync.Mutex {
	v, _ := m.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *Mirror) upsert(ctx context.Context, token, userID, calendarID, courseworkID string, in calendar.EventMutation, report *UserReport) error {
	existing, ok, err := m.mappings.GetMapping(ctx, userID, courseworkID)
	if err != nil {
		return fmt.Errorf("load mapping: %w", err)
	}
	if ok {
		target := existing.CalendarID
		if target == "" {
			target = calendarID
		}
		_, err := m.provider.UpdateEvent(ctx, token, target, existing.EventID, in)
		if err == nil {
			report.Updated++
			return nil
		}
		if !errors.Is(err, calendar.ErrEventGone) {
			return err
		}
		m.log.Info("mapped event was deleted, recreating", "user_id", userID, "coursework_id", courseworkID, "event_id", existing.EventID)
	}
	ev, err := m.provider.CreateEvent(ctx, token, calendarID, in)
	if err != nil {
		return err
	}
	err = m.mappings.PutMapping(ctx, domain.CalendarEventMapping{
		UserID:       userID,
		CourseworkID: courseworkID,
		CalendarID:   calendarID,
		EventID:      ev.ID,
		UpdatedAt:    m.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}
	if ok {
		report.Recreated++
	} else {
		report.Created++
	}
	return nil
}

// describe strips markup from the coursework description and appends the
// link back to the item. Entities are decoded before sanitizing so encoded
// markup is stripped too.
func (m *Mirror) describe(item domain.CourseworkItem) string {
	text := strings.TrimSpace(m.policy.Sanitize(html.UnescapeString(item.Description)))
	if item.AlternateLink == "" {
		return text
	}
	if text == "" {
		return item.AlternateLink
	}
	return text + "\n\n" + item.AlternateLink
}

// Run mirrors all users immediately and then every interval until ctx ends.
func (m *Mirror) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunAll(ctx); err != nil {
			m.log.Warn("mirror run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
