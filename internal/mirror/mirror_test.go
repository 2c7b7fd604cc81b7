package mirror

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/apierr"
	"github.com/sevenofnine/coursework-sync/internal/calendar"
	"github.com/sevenofnine/coursework-sync/internal/domain"
	"github.com/sevenofnine/coursework-sync/internal/store"
)

type fakeTokens struct{}

func (fakeTokens) AccessToken(_ context.Context, userID string) (string, error) {
	if userID == "expired" {
		return "", &apierr.SessionExpiredError{}
	}
	return "token-" + userID, nil
}

type fakeClassroom struct {
	courses map[string][]domain.Course
	work    map[string][]domain.CourseworkItem
}

func (f *fakeClassroom) ListCourses(_ context.Context, token string) ([]domain.Course, error) {
	if token == "token-forbidden" {
		return nil, &apierr.RemoteAPIError{Status: 403, Message: "The caller does not have permission"}
	}
	return f.courses[strings.TrimPrefix(token, "token-")], nil
}

func (f *fakeClassroom) ListCoursework(_ context.Context, _ string, courseID string) ([]domain.CourseworkItem, error) {
	return f.work[courseID], nil
}

type fakeCalendar struct {
	mu      sync.Mutex
	next    int
	events  map[string]calendar.EventMutation
	creates int
	updates int
	delay   time.Duration
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: map[string]calendar.EventMutation{}}
}

func (f *fakeCalendar) Name() string { return "fake" }

func (f *fakeCalendar) CreateEvent(_ context.Context, _, _ string, in calendar.EventMutation) (calendar.Event, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("ev%d", f.next)
	f.events[id] = in
	f.creates++
	return calendar.Event{ID: id}, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _, _, eventID string, in calendar.EventMutation) (calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[eventID]; !ok {
		return calendar.Event{}, calendar.ErrEventGone
	}
	f.events[eventID] = in
	f.updates++
	return calendar.Event{ID: eventID}, nil
}

func (f *fakeCalendar) delete(eventID string) {
	f.mu.Lock()
	delete(f.events, eventID)
	f.mu.Unlock()
}

func setup(t *testing.T) (*Mirror, *store.Store, *fakeCalendar) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	room := &fakeClassroom{
		courses: map[string][]domain.Course{
			"u1":        {{ID: "c1", Name: "Math", State: domain.CourseStateActive}},
			"u2":        {{ID: "c1", Name: "Math", State: domain.CourseStateActive}},
			"forbidden": {{ID: "c1", Name: "Math"}},
		},
		work: map[string][]domain.CourseworkItem{
			"c1": {
				{ID: "w1", CourseID: "c1", Title: "Sheet 1", Description: "<b>Read</b> <script>x()</script>ch. 2", AlternateLink: "https://classroom/w1", Due: &domain.DueDate{Year: 2026, Month: 11, Day: 2}},
				{ID: "w2", CourseID: "c1", Title: "Quiz", Due: &domain.DueDate{Year: 2026, Month: 11, Day: 3, HasTime: true, Hour: 8}},
				{ID: "w3", CourseID: "c1", Title: "Reading"},
			},
		},
	}
	cal := newFakeCalendar()
	m := New(Options{Mappings: s, Users: s, Tokens: fakeTokens{}, Classroom: room, Provider: cal, Concurrency: 2})
	return m, s, cal
}

func TestMirrorUserIsIdempotent(t *testing.T) {
	m, s, cal := setup(t)
	ctx := context.Background()

	first := m.MirrorUser(ctx, "u1", "")
	if first.Err != nil || first.Created != 2 {
		t.Fatalf("unexpected first report %+v", first)
	}
	second := m.MirrorUser(ctx, "u1", "")
	if second.Err != nil || second.Created != 0 || second.Updated != 2 {
		t.Fatalf("unexpected second report %+v", second)
	}
	if cal.creates != 2 {
		t.Fatalf("expected two events created in total, got %d", cal.creates)
	}
	mappings, _ := s.ListMappings(ctx, "u1")
	if len(mappings) != 2 {
		t.Fatalf("expected one mapping per dated item, got %d", len(mappings))
	}
}

func TestMirrorRecreatesDeletedEvent(t *testing.T) {
	m, s, cal := setup(t)
	ctx := context.Background()
	m.MirrorUser(ctx, "u1", "primary")

	before, _, _ := s.GetMapping(ctx, "u1", "w1")
	cal.delete(before.EventID)

	report := m.MirrorUser(ctx, "u1", "primary")
	if report.Err != nil || report.Recreated != 1 || report.Updated != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	after, ok, _ := s.GetMapping(ctx, "u1", "w1")
	if !ok || after.EventID == before.EventID {
		t.Fatalf("mapping was not replaced: before=%+v after=%+v", before, after)
	}
	if _, ok := cal.events[after.EventID]; !ok {
		t.Fatal("replacement event missing")
	}
}

func TestMirrorSanitizesDescription(t *testing.T) {
	m, s, cal := setup(t)
	ctx := context.Background()
	m.MirrorUser(ctx, "u1", "")
	mapping, _, _ := s.GetMapping(ctx, "u1", "w1")
	desc := cal.events[mapping.EventID].Description
	if strings.Contains(desc, "<") || strings.Contains(desc, "x()") {
		t.Fatalf("markup leaked into description: %q", desc)
	}
	if !strings.HasSuffix(desc, "https://classroom/w1") {
		t.Fatalf("expected link in description: %q", desc)
	}
}

func TestMirrorDecodesEntitiesBeforeSanitizing(t *testing.T) {
	m, _, _ := setup(t)
	got := m.describe(domain.CourseworkItem{Description: "&lt;script&gt;alert(1)&lt;/script&gt;Read &lt;b&gt;ch. 2&lt;/b&gt;"})
	if strings.Contains(got, "<") || strings.Contains(got, "alert") || strings.Contains(got, "&lt;") {
		t.Fatalf("encoded markup survived: %q", got)
	}
	if got != "Read ch. 2" {
		t.Fatalf("unexpected description %q", got)
	}
}

func TestConcurrentMirrorUserCreatesOneEventPerItem(t *testing.T) {
	m, s, cal := setup(t)
	cal.delay = 20 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	reports := make([]UserReport, 2)
	for i := range reports {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = m.MirrorUser(ctx, "u1", "")
		}()
	}
	wg.Wait()

	for _, r := range reports {
		if r.Err != nil {
			t.Fatalf("mirror failed: %v", r.Err)
		}
	}
	if cal.creates != 2 || len(cal.events) != 2 {
		t.Fatalf("expected 2 events for 2 dated items, created=%d live=%d", cal.creates, len(cal.events))
	}
	if reports[0].Created+reports[1].Created != 2 || reports[0].Updated+reports[1].Updated != 2 {
		t.Fatalf("unexpected reports %+v", reports)
	}
	mappings, _ := s.ListMappings(ctx, "u1")
	if len(mappings) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(mappings))
	}
}

func TestRunAllIsolatesUsers(t *testing.T) {
	m, s, _ := setup(t)
	for _, u := range []string{"u1", "u2", "forbidden", "expired"} {
		if err := s.SetMirror(u, true, ""); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.SetMirror("optedout", false, "")

	report, err := m.RunAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Users) != 4 || report.Failed != 2 || report.Created != 4 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, u := range report.Users {
		switch u.UserID {
		case "forbidden":
			var perm *apierr.PermissionError
			if !errors.As(u.Err, &perm) {
				t.Fatalf("expected permission error, got %v", u.Err)
			}
		case "expired":
			if !errors.Is(u.Err, apierr.ErrSessionExpired) {
				t.Fatalf("expected session expired, got %v", u.Err)
			}
		default:
			if u.Err != nil {
				t.Fatalf("user %s failed: %v", u.UserID, u.Err)
			}
		}
	}
}

type panickyClassroom struct{ fakeClassroom }

func (p *panickyClassroom) ListCourses(_ context.Context, token string) ([]domain.Course, error) {
	if token == "token-boom" {
		panic("boom")
	}
	return p.fakeClassroom.ListCourses(context.Background(), token)
}

func TestRunAllRecoversPanics(t *testing.T) {
	_, s, cal := setup(t)
	room := &panickyClassroom{fakeClassroom{courses: map[string][]domain.Course{"u1": {{ID: "c1"}}}}}
	m := New(Options{Mappings: s, Users: s, Tokens: fakeTokens{}, Classroom: room, Provider: cal})
	_ = s.SetMirror("boom", true, "")
	_ = s.SetMirror("u1", true, "")
	report, err := m.RunAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 || len(report.Users) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
}
