// Package chatui renders session snapshots in a terminal, either as a
// bubbletea program or as plain line output, and forwards user intent back
// into the session.
package chatui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-go-golems/embedchat/pkg/session"
)

// Controller is the session surface the UI drives. *session.Session satisfies it.
type Controller interface {
	Submit(text string) error
	NotifyInput(text string)
	NewChat() error
}

// SnapshotMsg delivers the latest session state to the model.
type SnapshotMsg session.Snapshot

// Bridge coalesces snapshots between the session loop and a slower renderer.
// Observe never blocks; a renderer that falls behind only sees the newest state.
type Bridge struct {
	mu     sync.Mutex
	latest session.Snapshot
	have   bool
	notify chan struct{}
}

func NewBridge() *Bridge {
	return &Bridge{notify: make(chan struct{}, 1)}
}

// Observe is meant to be passed to session.WithObserver.
func (b *Bridge) Observe(s session.Snapshot) {
	b.mu.Lock()
	b.latest = s
	b.have = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Updates signals whenever a newer snapshot is available.
func (b *Bridge) Updates() <-chan struct{} { return b.notify }

// Latest returns the newest snapshot and whether one was observed yet.
func (b *Bridge) Latest() (session.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.have
}

// Wait is a tea.Cmd that blocks until the next snapshot is available.
func (b *Bridge) Wait() tea.Cmd {
	return func() tea.Msg {
		<-b.notify
		snap, _ := b.Latest()
		return SnapshotMsg(snap)
	}
}
