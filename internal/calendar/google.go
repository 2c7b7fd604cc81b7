package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sevenofnine/coursework-sync/internal/apierr"
)

const DefaultGoogleURL = "https://www.googleapis.com"

type GoogleProvider struct {
	http *resty.Client
}

type GoogleOptions struct {
	BaseURL string
	Timeout time.Duration
	HTTP    *resty.Client
}

func NewGoogleProvider(opts GoogleOptions) *GoogleProvider {
	httpClient := opts.HTTP
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = resty.New().SetTimeout(timeout)
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultGoogleURL
	}
	httpClient.SetBaseURL(base)
	return &GoogleProvider{http: httpClient}
}

func (p *GoogleProvider) Name() string { return "google" }

type eventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type eventSource struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

type wireEvent struct {
	ID          string       `json:"id,omitempty"`
	Status      string       `json:"status,omitempty"`
	HTMLLink    string       `json:"htmlLink,omitempty"`
	Summary     string       `json:"summary"`
	Description string       `json:"description,omitempty"`
	Start       eventTime    `json:"start"`
	End         eventTime    `json:"end"`
	Source      *eventSource `json:"source,omitempty"`
}

func toWire(in EventMutation) wireEvent {
	ev := wireEvent{Summary: in.Title, Description: in.Description}
	if in.AllDay {
		ev.Start = eventTime{Date: in.Start.UTC().Format("2006-01-02")}
		ev.End = eventTime{Date: in.End.UTC().Format("2006-01-02")}
	} else {
		ev.Start = eventTime{DateTime: in.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"}
		ev.End = eventTime{DateTime: in.End.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	}
	if in.SourceURL != "" {
		ev.Source = &eventSource{Title: in.Title, URL: in.SourceURL}
	}
	return ev
}

func eventsPath(calendarID string) string {
	if calendarID == "" {
		calendarID = "primary"
	}
	return "/calendar/v3/calendars/" + url.PathEscape(calendarID) + "/events"
}

func (p *GoogleProvider) CreateEvent(ctx context.Context, token, calendarID string, in EventMutation) (Event, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(toWire(in)).
		Post(eventsPath(calendarID))
	if err != nil {
		return Event{}, &apierr.NetworkError{Op: "create event", Err: err}
	}
	if resp.IsError() {
		return Event{}, fmt.Errorf("create event: %w", apierr.FromResponse(resp.StatusCode(), resp.Body()))
	}
	return decodeEvent(resp.Body(), calendarID)
}

// UpdateEvent patches an existing event. A deleted event (404, 410 or a
// cancelled status) is reported as ErrEventGone.
func (p *GoogleProvider) UpdateEvent(ctx context.Context, token, calendarID, eventID string, in EventMutation) (Event, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(toWire(in)).
		Patch(eventsPath(calendarID) + "/" + url.PathEscape(eventID))
	if err != nil {
		return Event{}, &apierr.NetworkError{Op: "update event", Err: err}
	}
	if resp.IsError() {
		remote := apierr.FromResponse(resp.StatusCode(), resp.Body())
		if apierr.IsNotFound(remote) {
			return Event{}, fmt.Errorf("update event %s: %w: %w", eventID, ErrEventGone, remote)
		}
		return Event{}, fmt.Errorf("update event %s: %w", eventID, remote)
	}
	ev, err := decodeEvent(resp.Body(), calendarID)
	if err != nil {
		return Event{}, err
	}
	if ev.Status == "cancelled" {
		return Event{}, fmt.Errorf("update event %s: %w", eventID, ErrEventGone)
	}
	return ev, nil
}

func decodeEvent(body []byte, calendarID string) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if w.ID == "" {
		return Event{}, fmt.Errorf("decode event: missing id")
	}
	return Event{ID: w.ID, CalendarID: calendarID, Status: w.Status, Link: w.HTMLLink}, nil
}
