package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/domain"
)

// Run syncs once immediately and then on every interval tick or Trigger
// call until ctx ends. Ticks run in background mode; triggered runs are
// foreground. Nothing runs while the orchestrator is paused.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runOnce(ctx, false)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.WaitBackground()
			return nil
		case <-ticker.C:
			o.runOnce(ctx, true)
		case <-o.trigger:
			o.runOnce(ctx, false)
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context, background bool) {
	if o.paused.Load() {
		o.log.Debug("sync skipped while paused")
		return
	}
	if _, err := o.Sync(ctx, background); err != nil && !errors.Is(err, ErrSyncInProgress) {
		o.log.Debug("scheduled sync ended with error", "error", err)
	}
}

// Trigger requests a foreground run from Run. Requests coalesce.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Resume clears the paused flag after re-authentication and triggers a run.
func (o *Orchestrator) Resume() {
	o.paused.Store(false)
	o.updateState(func(st *domain.SyncState) { st.Paused = false })
	o.Trigger()
}

// Registry holds one orchestrator per user.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Orchestrator
}

func NewRegistry(orchestrators ...*Orchestrator) *Registry {
	r := &Registry{byID: make(map[string]*Orchestrator)}
	for _, o := range orchestrators {
		r.Add(o)
	}
	return r
}

func (r *Registry) Add(o *Orchestrator) {
	r.mu.Lock()
	r.byID[o.userID] = o
	r.mu.Unlock()
}

func (r *Registry) Get(userID string) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byID[userID]
	return o, ok
}

func (r *Registry) All() []*Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Orchestrator, 0, len(r.byID))
	for _, o := range r.byID {
		out = append(out, o)
	}
	return out
}
