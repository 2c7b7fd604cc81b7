package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/domain"
	"go.etcd.io/bbolt"
)

func (s *Store) SaveCourses(userID string, courses []domain.Course) error {
	return Save(s, BucketCourses, userID, courses)
}

func (s *Store) Courses(userID string) ([]domain.Course, error) {
	out, err := Get[[]domain.Course](s, BucketCourses, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

// ReplaceAssignments swaps the user's whole assignment list in one write, so
// readers see either the old list or the new one.
func (s *Store) ReplaceAssignments(userID string, items []domain.Assignment) error {
	if items == nil {
		items = []domain.Assignment{}
	}
	return Save(s, BucketAssignments, userID, items)
}

func (s *Store) Assignments(userID string) ([]domain.Assignment, error) {
	out, err := Get[[]domain.Assignment](s, BucketAssignments, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

func (s *Store) Prefs(userID string) (domain.UserPrefs, error) {
	out, err := Get[domain.UserPrefs](s, BucketPrefs, userID)
	if errors.Is(err, ErrNotFound) {
		return domain.UserPrefs{UserID: userID}, nil
	}
	if out.UserID == "" {
		out.UserID = userID
	}
	return out, err
}

// SetOverride records (or with UserStatusNone clears) the user's status for
// one coursework item.
func (s *Store) SetOverride(userID, courseworkID string, status domain.UserStatus) error {
	var value any = string(status)
	if status == domain.UserStatusNone {
		value = nil
	}
	return s.Merge(BucketPrefs, userID, map[string]any{
		"user_id":   userID,
		"overrides": map[string]any{courseworkID: value},
	})
}

func (s *Store) SetMirror(userID string, enabled bool, calendarID string) error {
	return s.Merge(BucketPrefs, userID, map[string]any{
		"user_id":        userID,
		"mirror_enabled": enabled,
		"calendar_id":    calendarID,
	})
}

// MirrorUsers lists the users that opted into calendar mirroring.
func (s *Store) MirrorUsers(context.Context) ([]domain.UserPrefs, error) {
	all, err := List[domain.UserPrefs](s, BucketPrefs)
	if err != nil {
		return nil, err
	}
	out := make([]domain.UserPrefs, 0, len(all))
	for _, p := range all {
		if p.MirrorEnabled && p.UserID != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) SaveSyncState(st domain.SyncState) error {
	return Save(s, BucketSyncState, st.UserID, st)
}

func (s *Store) SyncState(userID string) (domain.SyncState, error) {
	out, err := Get[domain.SyncState](s, BucketSyncState, userID)
	if errors.Is(err, ErrNotFound) {
		return domain.SyncState{UserID: userID}, nil
	}
	return out, err
}

func mappingKey(userID, courseworkID string) string {
	return userID + "/" + courseworkID
}

func (s *Store) GetMapping(_ context.Context, userID, courseworkID string) (domain.CalendarEventMapping, bool, error) {
	m, err := Get[domain.CalendarEventMapping](s, BucketMappings, mappingKey(userID, courseworkID))
	if errors.Is(err, ErrNotFound) {
		return domain.CalendarEventMapping{}, false, nil
	}
	if err != nil {
		return domain.CalendarEventMapping{}, false, err
	}
	return m, true, nil
}

// PutMapping overwrites the single row for (user, coursework).
func (s *Store) PutMapping(_ context.Context, m domain.CalendarEventMapping) error {
	if m.UserID == "" || m.CourseworkID == "" {
		return fmt.Errorf("mapping requires user and coursework ids")
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	return Save(s, BucketMappings, mappingKey(m.UserID, m.CourseworkID), m)
}

func (s *Store) ListMappings(_ context.Context, userID string) ([]domain.CalendarEventMapping, error) {
	return ListByPrefix[domain.CalendarEventMapping](s, BucketMappings, userID+"/")
}

func participantKey(shard, id string) string { return shard + "/" + id }

func ShardPrefix(shard string) string { return shard + "/" }

func (s *Store) SaveParticipant(shard string, p domain.Participant) error {
	return Save(s, BucketParticipants, participantKey(shard, p.ID), p)
}

func (s *Store) Participants(shard string) ([]domain.Participant, error) {
	return ListByPrefix[domain.Participant](s, BucketParticipants, ShardPrefix(shard))
}

func (s *Store) SaveAnnouncements(courseID string, items []domain.Announcement) error {
	return Save(s, BucketAux, "announcements/"+courseID, items)
}

func (s *Store) SaveMaterials(courseID string, items []domain.Material) error {
	return Save(s, BucketAux, "materials/"+courseID, items)
}

func (s *Store) Announcements(courseID string) ([]domain.Announcement, error) {
	out, err := Get[[]domain.Announcement](s, BucketAux, "announcements/"+courseID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

// Secret and SaveSecret hold opaque encrypted blobs (refresh tokens).
func (s *Store) Secret(userID string) ([]byte, error) {
	return s.Raw(BucketVault, userID)
}

func (s *Store) SaveSecret(userID string, blob []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(BucketVault)
		if err != nil {
			return err
		}
		return b.Put([]byte(userID), blob)
	})
}
