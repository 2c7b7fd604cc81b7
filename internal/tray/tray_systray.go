//go:build systray

package tray

import (
	"context"
	"sync"

	"github.com/getlantern/systray"
	"github.com/sevenofnine/coursework-sync/internal/domain"
)

type Systray struct {
	Title string
	Quit  func()

	mu     sync.Mutex
	status *systray.MenuItem
	last   string
}

func New(title string, quit func()) App {
	return &Systray{Title: title, Quit: quit}
}

func (s *Systray) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = status
	if s.status != nil {
		s.status.SetTitle(status)
		systray.SetTooltip(s.Title + ": " + status)
	}
}

func (s *Systray) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(func() {
		systray.SetTitle(s.Title)
		s.mu.Lock()
		s.status = systray.AddMenuItem(StatusText(domain.SyncState{}), "Last sync status")
		s.status.Disable()
		if s.last != "" {
			s.status.SetTitle(s.last)
		}
		s.mu.Unlock()
		systray.AddSeparator()
		mQuit := systray.AddMenuItem("Quit", "Quit "+s.Title)
		go func() {
			<-mQuit.ClickedCh
			if s.Quit != nil {
				s.Quit()
			}
			systray.Quit()
		}()
	}, func() {
		close(done)
	})
	<-done
	return nil
}
