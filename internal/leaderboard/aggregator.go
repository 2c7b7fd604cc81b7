// Package leaderboard merges participant records from several shards into
// one ranked view and keeps each user's own record up to date.
package leaderboard

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/sevenofnine/coursework-sync/internal/domain"
)

const GlobalShard = "global"

func CourseShard(courseID string) string { return "course:" + courseID }

// ShardsFor lists the global shard followed by one shard per enrollment.
func ShardsFor(enrollments []string) []string {
	out := []string{GlobalShard}
	for _, id := range enrollments {
		out = append(out, CourseShard(id))
	}
	return out
}

// Viewer is the user the view is computed for. DisplayNameOverride replaces
// the viewer's own display name in the view only.
type Viewer struct {
	ID                  string
	Domain              string
	Enrollments         []string
	CompletedItems      []string
	DisplayNameOverride string
}

type Entry struct {
	domain.Participant
	Rank     int  `json:"rank"`
	IsViewer bool `json:"is_viewer"`
}

type Aggregator struct {
	mu     sync.RWMutex
	viewer Viewer
	merged map[string]domain.Participant
	view   []Entry
	log    *slog.Logger
}

func NewAggregator(viewer Viewer, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{viewer: viewer, merged: make(map[string]domain.Participant), log: logger}
}

// Apply merges one shard snapshot and returns the recomputed view. A record
// replaces the known one only when its score is greater or equal.
func (a *Aggregator) Apply(shard string, records []domain.Participant) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		if cur, ok := a.merged[r.ID]; ok && r.Score < cur.Score {
			continue
		}
		a.merged[r.ID] = r
	}
	a.view = a.compute()
	a.log.Debug("leaderboard shard applied", "shard", shard, "records", len(records), "visible", len(a.view))
	return cloneEntries(a.view)
}

func (a *Aggregator) View() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneEntries(a.view)
}

func (a *Aggregator) SetViewer(v Viewer) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.viewer = v
	a.view = a.compute()
	return cloneEntries(a.view)
}

// compute must be called with a.mu held.
func (a *Aggregator) compute() []Entry {
	viewer := a.effectiveViewer()
	out := make([]Entry, 0, len(a.merged))
	for _, p := range a.merged {
		if p.ID == viewer.ID {
			if viewer.DisplayNameOverride != "" {
				p.DisplayName = viewer.DisplayNameOverride
			}
			out = append(out, Entry{Participant: p, IsViewer: true})
			continue
		}
		if visible(viewer, p) {
			out = append(out, Entry{Participant: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].Participant, out[j].Participant) })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// effectiveViewer fills missing viewer fields from the viewer's own merged
// record.
func (a *Aggregator) effectiveViewer() Viewer {
	v := a.viewer
	own, ok := a.merged[v.ID]
	if !ok {
		return v
	}
	if v.Domain == "" {
		v.Domain = own.Domain
	}
	if len(v.Enrollments) == 0 {
		v.Enrollments = own.Enrollments
	}
	if len(v.CompletedItems) == 0 {
		v.CompletedItems = own.CompletedItems
	}
	return v
}

func visible(viewer Viewer, p domain.Participant) bool {
	if p.Domain != "" && len(p.Enrollments) > 0 {
		return strings.EqualFold(p.Domain, viewer.Domain) && intersects(p.Enrollments, viewer.Enrollments)
	}
	return intersects(p.CompletedItems, viewer.CompletedItems)
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	for _, s := range a {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

// less orders by score descending, then earlier last activity first (a
// missing activity sorts after any known one), then id.
func less(a, b domain.Participant) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	switch {
	case a.LastActivity != nil && b.LastActivity != nil:
		if !a.LastActivity.Equal(*b.LastActivity) {
			return a.LastActivity.Before(*b.LastActivity)
		}
	case a.LastActivity != nil:
		return true
	case b.LastActivity != nil:
		return false
	}
	return a.ID < b.ID
}

func cloneEntries(in []Entry) []Entry {
	out := make([]Entry, len(in))
	copy(out, in)
	return out
}

// Source is one live shard.
type Source interface {
	Shard() string
	Subscribe(ctx context.Context) (<-chan []domain.Participant, error)
}

// Run fans in every source and applies each snapshot as it arrives. It
// returns when ctx ends or every source channel has closed.
func (a *Aggregator) Run(ctx context.Context, sources ...Source) error {
	var wg sync.WaitGroup
	for _, src := range sources {
		ch, err := src.Subscribe(ctx)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(shard string, ch <-chan []domain.Participant) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case records, ok := <-ch:
					if !ok {
						return
					}
					a.Apply(shard, records)
				}
			}
		}(src.Shard(), ch)
	}
	wg.Wait()
	return nil
}
