package connection

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/embedchat/pkg/transport"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Connector is the transport surface the machine drives.
type Connector interface {
	Connect(ctx context.Context)
	Disconnect()
}

type Option func(*Machine)

// WithUserActivityLimit bounds how often user activity may trigger a connect.
func WithUserActivityLimit(every time.Duration, burst int) Option {
	return func(m *Machine) {
		m.activity = rate.NewLimiter(rate.Every(every), burst)
	}
}

// WithOnChange registers a callback invoked after every status change. The
// callback runs with the machine locked and must not call back into it.
func WithOnChange(fn func(from, to Status)) Option {
	return func(m *Machine) {
		m.onChange = fn
	}
}

// Machine derives the tri-state connectivity status from transport lifecycle
// events. It is reusable across reconnects and never retries on its own.
type Machine struct {
	connector Connector
	activity  *rate.Limiter
	onChange  func(from, to Status)

	mu     sync.RWMutex
	status Status
}

func NewMachine(connector Connector, opts ...Option) *Machine {
	m := &Machine{
		connector: connector,
		activity:  rate.NewLimiter(rate.Every(time.Second), 1),
		status:    StatusDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// CanEmit reports whether callers may emit on the transport.
func (m *Machine) CanEmit() bool {
	return m.Status() == StatusConnected
}

// Connect moves disconnected to connecting and starts a transport dial. It is a
// no-op in any other state and reports whether a dial was started.
func (m *Machine) Connect(ctx context.Context) bool {
	m.mu.Lock()
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return false
	}
	m.setLocked(StatusConnecting)
	m.mu.Unlock()

	m.connector.Connect(ctx)
	return true
}

// ConnectFromUserActivity is Connect gated by the user-activity limiter. Typing
// into a disconnected session should not turn into a dial storm.
func (m *Machine) ConnectFromUserActivity(ctx context.Context) bool {
	if m.Status() != StatusDisconnected {
		return false
	}
	if !m.activity.Allow() {
		log.Debug().Str("component", "connection").Msg("user-activity connect suppressed by limiter")
		return false
	}
	log.Debug().Str("component", "connection").Msg("connecting due to user activity")
	return m.Connect(ctx)
}

// Disconnect tears the transport down and forces the disconnected state.
func (m *Machine) Disconnect() {
	m.connector.Disconnect()
	m.mu.Lock()
	m.setLocked(StatusDisconnected)
	m.mu.Unlock()
}

// Observe applies a transport lifecycle event. It returns the resulting status
// and whether the event was a lifecycle event at all.
func (m *Machine) Observe(ev transport.Event) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Name {
	case transport.EventConnect:
		m.setLocked(StatusConnected)
	case transport.EventDisconnect, transport.EventConnectError:
		m.setLocked(StatusDisconnected)
	default:
		return m.status, false
	}
	return m.status, true
}

func (m *Machine) setLocked(to Status) {
	from := m.status
	if from == to {
		return
	}
	m.status = to
	log.Debug().Str("component", "connection").Str("from", string(from)).Str("to", string(to)).Msg("status changed")
	if m.onChange != nil {
		m.onChange(from, to)
	}
}
