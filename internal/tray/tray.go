// Package tray shows the sync status in the desktop notification area.
package tray

import (
	"context"

	"github.com/sevenofnine/coursework-sync/internal/domain"
)

type App interface {
	Run(ctx context.Context) error
	SetStatus(status string)
}

type Noop struct{}

func NewNoop() App { return Noop{} }

func (Noop) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (Noop) SetStatus(string) {}

// StatusText renders a one-line tray label for a sync state.
func StatusText(st domain.SyncState) string {
	switch {
	case st.Paused:
		return "Sync paused: sign in again"
	case st.Running:
		return "Syncing coursework..."
	case st.LastError != "":
		return "Last sync failed"
	case st.LastRunAt == nil:
		return "Waiting for first sync"
	default:
		return "Coursework up to date"
	}
}
