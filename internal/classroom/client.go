// Package classroom is the client for the academic-records API (Google
// Classroom v1 paths).
package classroom

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sevenofnine/coursework-sync/internal/apierr"
	"github.com/sevenofnine/coursework-sync/internal/domain"
	"github.com/sevenofnine/coursework-sync/internal/paginate"
	"github.com/sevenofnine/coursework-sync/internal/version"
)

const DefaultBaseURL = "https://classroom.googleapis.com"

type ConnectionStatus string

const (
	StatusUnknown      ConnectionStatus = "unknown"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusUnauthorized ConnectionStatus = "unauthorized"
)

type Client struct {
	fetcher *paginate.Fetcher

	mu     sync.RWMutex
	status ConnectionStatus
}

type ClientOptions struct {
	BaseURL  string
	Timeout  time.Duration
	PageSize int
	HTTP     *resty.Client
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTP
	if httpClient == nil {
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = DefaultBaseURL
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("User-Agent", fmt.Sprintf("coursework-sync@%s", version.Version))
	}
	f := paginate.New(httpClient)
	f.PageSize = opts.PageSize
	return &Client{fetcher: f, status: StatusUnknown}
}

func (c *Client) Status() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) observe(err error) {
	status := StatusConnected
	switch {
	case err == nil:
	case apierr.IsUnauthorized(err):
		status = StatusUnauthorized
	case errors.Is(err, apierr.ErrNetwork):
		status = StatusDisconnected
	default:
		// The API answered; the connection itself is fine.
	}
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// ListCourses returns the active courses the token's user is enrolled in.
func (c *Client) ListCourses(ctx context.Context, token string) ([]domain.Course, error) {
	raw, err := paginate.FetchAll(ctx, c.fetcher, paginate.Request{
		Path:  "/v1/courses",
		Token: token,
		Query: url.Values{"courseStates": {domain.CourseStateActive}, "studentId": {"me"}},
	}, paginate.JSONField[wireCourse]("courses"))
	c.observe(err)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	out := make([]domain.Course, 0, len(raw))
	for _, w := range raw {
		out = append(out, w.toDomain())
	}
	return out, nil
}

func (c *Client) ListCoursework(ctx context.Context, token, courseID string) ([]domain.CourseworkItem, error) {
	raw, err := paginate.FetchAll(ctx, c.fetcher, paginate.Request{
		Path:  "/v1/courses/" + url.PathEscape(courseID) + "/courseWork",
		Token: token,
		Query: url.Values{"courseWorkStates": {"PUBLISHED"}},
	}, paginate.JSONField[wireCoursework]("courseWork"))
	c.observe(err)
	if err != nil {
		return nil, fmt.Errorf("list coursework for %s: %w", courseID, err)
	}
	out := make([]domain.CourseworkItem, 0, len(raw))
	for _, w := range raw {
		out = append(out, w.toDomain(courseID))
	}
	return out, nil
}

// ListSubmissions returns the caller's own submissions across all coursework
// of a course.
func (c *Client) ListSubmissions(ctx context.Context, token, courseID string) ([]domain.SubmissionRecord, error) {
	raw, err := paginate.FetchAll(ctx, c.fetcher, paginate.Request{
		Path:  "/v1/courses/" + url.PathEscape(courseID) + "/courseWork/-/studentSubmissions",
		Token: token,
		Query: url.Values{"userId": {"me"}},
	}, paginate.JSONField[wireSubmission]("studentSubmissions"))
	c.observe(err)
	if err != nil {
		return nil, fmt.Errorf("list submissions for %s: %w", courseID, err)
	}
	out := make([]domain.SubmissionRecord, 0, len(raw))
	for _, w := range raw {
		out = append(out, w.toDomain(courseID))
	}
	return out, nil
}

func (c *Client) ListAnnouncements(ctx context.Context, token, courseID string) ([]domain.Announcement, error) {
	raw, err := paginate.FetchAll(ctx, c.fetcher, paginate.Request{
		Path:  "/v1/courses/" + url.PathEscape(courseID) + "/announcements",
		Token: token,
	}, paginate.JSONField[wireAnnouncement]("announcements"))
	c.observe(err)
	if err != nil {
		return nil, apierr.AsPermission("announcements", fmt.Errorf("list announcements for %s: %w", courseID, err))
	}
	out := make([]domain.Announcement, 0, len(raw))
	for _, w := range raw {
		out = append(out, w.toDomain(courseID))
	}
	return out, nil
}

func (c *Client) ListMaterials(ctx context.Context, token, courseID string) ([]domain.Material, error) {
	raw, err := paginate.FetchAll(ctx, c.fetcher, paginate.Request{
		Path:  "/v1/courses/" + url.PathEscape(courseID) + "/courseWorkMaterials",
		Token: token,
	}, paginate.JSONField[wireMaterial]("courseWorkMaterial"))
	c.observe(err)
	if err != nil {
		return nil, apierr.AsPermission("materials", fmt.Errorf("list materials for %s: %w", courseID, err))
	}
	out := make([]domain.Material, 0, len(raw))
	for _, w := range raw {
		out = append(out, w.toDomain(courseID))
	}
	return out, nil
}
