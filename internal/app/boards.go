package app

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/sevenofnine/coursework-sync/internal/leaderboard"
	"github.com/sevenofnine/coursework-sync/internal/store"
)

// Boards keeps one live leaderboard aggregator per user, subscribed to the
// global shard and the shards of the user's courses.
type Boards struct {
	store *store.Store
	log   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	boards  map[string]*board
	domains map[string]string
}

type board struct {
	agg    *leaderboard.Aggregator
	shards []string
	cancel context.CancelFunc
}

func NewBoards(st *store.Store, logger *slog.Logger) *Boards {
	if logger == nil {
		logger = slog.Default()
	}
	return &Boards{
		store:   st,
		log:     logger,
		ctx:     context.Background(),
		boards:  make(map[string]*board),
		domains: make(map[string]string),
	}
}

// Start scopes the aggregators' subscriptions to ctx.
func (b *Boards) Start(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

func (b *Boards) SetDomain(userID, domain string) {
	b.mu.Lock()
	b.domains[userID] = domain
	b.mu.Unlock()
}

// View returns the ranked leaderboard as seen by userID.
func (b *Boards) View(_ context.Context, userID string) ([]leaderboard.Entry, error) {
	viewer, err := b.viewer(userID)
	if err != nil {
		return nil, err
	}
	bd, err := b.ensure(userID, viewer)
	if err != nil {
		return nil, err
	}
	return bd.agg.SetViewer(viewer), nil
}

func (b *Boards) viewer(userID string) (leaderboard.Viewer, error) {
	prefs, err := b.store.Prefs(userID)
	if err != nil {
		return leaderboard.Viewer{}, err
	}
	courses, err := b.store.Courses(userID)
	if err != nil {
		return leaderboard.Viewer{}, err
	}
	v := leaderboard.Viewer{ID: userID, DisplayNameOverride: prefs.DisplayName}
	for _, c := range courses {
		v.Enrollments = append(v.Enrollments, c.ID)
	}
	b.mu.Lock()
	v.Domain = b.domains[userID]
	b.mu.Unlock()
	return v, nil
}

// ensure returns the user's aggregator, restarting it when the enrolled
// shards changed since it was started.
func (b *Boards) ensure(userID string, viewer leaderboard.Viewer) (*board, error) {
	shards := leaderboard.ShardsFor(viewer.Enrollments)
	b.mu.Lock()
	defer b.mu.Unlock()
	if bd, ok := b.boards[userID]; ok && slices.Equal(bd.shards, shards) {
		return bd, nil
	} else if ok {
		bd.cancel()
	}

	agg := leaderboard.NewAggregator(viewer, b.log.With("user_id", userID))
	for _, shard := range shards {
		records, err := b.store.Participants(shard)
		if err != nil {
			return nil, err
		}
		agg.Apply(shard, records)
	}
	ctx, cancel := context.WithCancel(b.ctx)
	go func() {
		if err := agg.Run(ctx, leaderboard.StoreSources(b.store, shards)...); err != nil {
			b.log.Warn("leaderboard subscription ended", "user_id", userID, "error", err)
		}
	}()
	bd := &board{agg: agg, shards: shards, cancel: cancel}
	b.boards[userID] = bd
	return bd, nil
}

func (b *Boards) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, bd := range b.boards {
		bd.cancel()
		delete(b.boards, id)
	}
}
