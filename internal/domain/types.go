package domain

import (
	"fmt"
	"time"
)

type Course struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Section        string     `json:"section,omitempty"`
	OwnerID        string     `json:"owner_id,omitempty"`
	EnrollmentCode string     `json:"enrollment_code,omitempty"`
	State          string     `json:"state,omitempty"`
	AlternateLink  string     `json:"alternate_link,omitempty"`
	Color          string     `json:"color"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"`
}

const CourseStateActive = "ACTIVE"

// DueDate is a calendar date with an optional time of day, both in UTC.
type DueDate struct {
	Year    int  `json:"year"`
	Month   int  `json:"month"`
	Day     int  `json:"day"`
	HasTime bool `json:"has_time"`
	Hour    int  `json:"hour,omitempty"`
	Minute  int  `json:"minute,omitempty"`
}

// Instant is the moment the item becomes late. Date-only due dates are due
// at the end of that day.
func (d DueDate) Instant() time.Time {
	if d.HasTime {
		return time.Date(d.Year, time.Month(d.Month), d.Day, d.Hour, d.Minute, 0, 0, time.UTC)
	}
	return time.Date(d.Year, time.Month(d.Month), d.Day, 23, 59, 59, 0, time.UTC)
}

func (d DueDate) Date() time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
}

func (d DueDate) String() string {
	if d.HasTime {
		return fmt.Sprintf("%04d-%02d-%02dT%02d:%02dZ", d.Year, d.Month, d.Day, d.Hour, d.Minute)
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d DueDate) Valid() bool {
	if d.Year <= 0 || d.Month < 1 || d.Month > 12 || d.Day < 1 || d.Day > 31 {
		return false
	}
	return d.Date().Day() == d.Day
}

type CourseworkItem struct {
	ID            string   `json:"id"`
	CourseID      string   `json:"course_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Due           *DueDate `json:"due,omitempty"`
	MaxPoints     float64  `json:"max_points,omitempty"`
	AlternateLink string   `json:"alternate_link,omitempty"`
}

type SubmissionState string

const (
	SubmissionNew       SubmissionState = "new"
	SubmissionCreated   SubmissionState = "created"
	SubmissionTurnedIn  SubmissionState = "turned_in"
	SubmissionReturned  SubmissionState = "returned"
	SubmissionReclaimed SubmissionState = "reclaimed"
)

type SubmissionRecord struct {
	ID           string          `json:"id"`
	CourseworkID string          `json:"coursework_id"`
	CourseID     string          `json:"course_id"`
	UserID       string          `json:"user_id"`
	State        SubmissionState `json:"state"`
	Grade        *float64        `json:"grade,omitempty"`
	TurnedInAt   *time.Time      `json:"turned_in_at,omitempty"`
	ReturnedAt   *time.Time      `json:"returned_at,omitempty"`
	Late         bool            `json:"late,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type SystemStatus string

const (
	StatusBacklog    SystemStatus = "backlog"
	StatusInProgress SystemStatus = "in_progress"
	StatusSubmitted  SystemStatus = "submitted"
	StatusGraded     SystemStatus = "graded"
	StatusOverdue    SystemStatus = "overdue"
)

// UserStatus is a locally stored override. The zero value means no override.
type UserStatus string

const (
	UserStatusNone       UserStatus = ""
	UserStatusBacklog    UserStatus = "backlog"
	UserStatusInProgress UserStatus = "in_progress"
)

func (u UserStatus) Valid() bool {
	switch u {
	case UserStatusNone, UserStatusBacklog, UserStatusInProgress:
		return true
	}
	return false
}

type Assignment struct {
	CourseworkItem
	CourseName   string            `json:"course_name,omitempty"`
	CourseColor  string            `json:"course_color,omitempty"`
	Submission   *SubmissionRecord `json:"submission,omitempty"`
	SystemStatus SystemStatus      `json:"system_status"`
	UserStatus   UserStatus        `json:"user_status,omitempty"`
}

type CalendarEventMapping struct {
	UserID       string    `json:"user_id"`
	CourseworkID string    `json:"coursework_id"`
	CalendarID   string    `json:"calendar_id"`
	EventID      string    `json:"event_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Participant struct {
	ID             string     `json:"id"`
	DisplayName    string     `json:"display_name"`
	PhotoURL       string     `json:"photo_url,omitempty"`
	Domain         string     `json:"domain,omitempty"`
	Score          int        `json:"score"`
	CompletedItems []string   `json:"completed_items,omitempty"`
	Enrollments    []string   `json:"enrollments,omitempty"`
	Badges         []string   `json:"badges,omitempty"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
}

type Announcement struct {
	ID            string    `json:"id"`
	CourseID      string    `json:"course_id"`
	Text          string    `json:"text"`
	AlternateLink string    `json:"alternate_link,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Material struct {
	ID            string    `json:"id"`
	CourseID      string    `json:"course_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	AlternateLink string    `json:"alternate_link,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type UserPrefs struct {
	UserID        string                `json:"user_id"`
	Overrides     map[string]UserStatus `json:"overrides,omitempty"`
	MirrorEnabled bool                  `json:"mirror_enabled"`
	CalendarID    string                `json:"calendar_id,omitempty"`
	DisplayName   string                `json:"display_name,omitempty"`
}

type SyncState struct {
	UserID        string     `json:"user_id"`
	RunID         string     `json:"run_id,omitempty"`
	Running       bool       `json:"running"`
	Paused        bool       `json:"paused"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ReducedScopes []string   `json:"reduced_scopes,omitempty"`
	Assignments   int        `json:"assignments"`
}
