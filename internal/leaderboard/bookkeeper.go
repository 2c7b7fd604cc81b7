package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/domain"
)

const (
	PointsPerCompletion = 10
	PointsOnTimeBonus   = 5
)

const (
	BadgeFirstSubmission = "first_submission"
	BadgeTenCompleted    = "ten_completed"
	BadgeQuarterCentury  = "twenty_five_completed"
	BadgeOnTimeStreak    = "on_time_streak"
)

type ParticipantWriter interface {
	SaveParticipant(shard string, p domain.Participant) error
}

// Profile carries the display fields of the user being recorded.
type Profile struct {
	DisplayName string
	PhotoURL    string
	Domain      string
}

type Bookkeeper struct {
	out ParticipantWriter
}

func NewBookkeeper(out ParticipantWriter) *Bookkeeper { return &Bookkeeper{out: out} }

// Record computes the user's participant record from their assignments and
// writes it to the global shard and to each enrolled course's shard.
func (b *Bookkeeper) Record(ctx context.Context, userID string, profile Profile, items []domain.Assignment) (domain.Participant, error) {
	p := Score(userID, profile, items)
	for _, shard := range ShardsFor(p.Enrollments) {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		if err := b.out.SaveParticipant(shard, p); err != nil {
			return p, fmt.Errorf("write participant to %s: %w", shard, err)
		}
	}
	return p, nil
}

// Score derives points, badges and activity from a user's assignments.
func Score(userID string, profile Profile, items []domain.Assignment) domain.Participant {
	p := domain.Participant{
		ID:          userID,
		DisplayName: profile.DisplayName,
		PhotoURL:    profile.PhotoURL,
		Domain:      profile.Domain,
	}
	courses := map[string]struct{}{}
	var completed []completion
	for _, a := range items {
		if a.CourseID != "" {
			if _, ok := courses[a.CourseID]; !ok {
				courses[a.CourseID] = struct{}{}
				p.Enrollments = append(p.Enrollments, a.CourseID)
			}
		}
		if a.SystemStatus != domain.StatusSubmitted && a.SystemStatus != domain.StatusGraded {
			continue
		}
		p.CompletedItems = append(p.CompletedItems, a.ID)
		d := completion{}
		if a.Submission != nil && a.Submission.TurnedInAt != nil {
			d.at = *a.Submission.TurnedInAt
			d.onTime = !a.Submission.Late && (a.Due == nil || !d.at.After(a.Due.Instant()))
			if p.LastActivity == nil || d.at.After(*p.LastActivity) {
				at := d.at
				p.LastActivity = &at
			}
		}
		completed = append(completed, d)
	}
	sort.Strings(p.Enrollments)
	sort.Strings(p.CompletedItems)

	for _, d := range completed {
		p.Score += PointsPerCompletion
		if d.onTime {
			p.Score += PointsOnTimeBonus
		}
	}
	n := len(completed)
	if n >= 1 {
		p.Badges = append(p.Badges, BadgeFirstSubmission)
	}
	if n >= 10 {
		p.Badges = append(p.Badges, BadgeTenCompleted)
	}
	if n >= 25 {
		p.Badges = append(p.Badges, BadgeQuarterCentury)
	}
	if longestOnTimeRun(completed) >= 5 {
		p.Badges = append(p.Badges, BadgeOnTimeStreak)
	}
	return p
}

type completion struct {
	at     time.Time
	onTime bool
}

// longestOnTimeRun counts the longest run of consecutive on-time turn-ins
// in turn-in order.
func longestOnTimeRun(items []completion) int {
	sorted := make([]completion, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].at.Before(sorted[j].at) })
	best, run := 0, 0
	for _, c := range sorted {
		if !c.onTime {
			run = 0
			continue
		}
		run++
		if run > best {
			best = run
		}
	}
	return best
}
