//go:build !systray

package tray

// New returns the no-op tray unless built with the systray tag.
func New(string, func()) App { return NewNoop() }
