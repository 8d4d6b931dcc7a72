package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/embedchat/pkg/transport"
)

type fakeConnector struct {
	connects    int
	disconnects int
}

func (f *fakeConnector) Connect(context.Context) { f.connects++ }
func (f *fakeConnector) Disconnect()             { f.disconnects++ }

func ev(name string) transport.Event { return transport.Event{Name: name} }

func TestMachine_Cycle(t *testing.T) {
	fc := &fakeConnector{}
	var seen []Status
	m := NewMachine(fc, WithOnChange(func(_, to Status) { seen = append(seen, to) }))
	require.Equal(t, StatusDisconnected, m.Status())
	require.False(t, m.CanEmit())

	require.True(t, m.Connect(context.Background()))
	require.Equal(t, StatusConnecting, m.Status())

	st, ok := m.Observe(ev(transport.EventConnect))
	require.True(t, ok)
	require.Equal(t, StatusConnected, st)
	require.True(t, m.CanEmit())

	m.Observe(ev(transport.EventDisconnect))
	require.Equal(t, StatusDisconnected, m.Status())

	require.True(t, m.Connect(context.Background()))
	m.Observe(ev(transport.EventConnectError))
	require.Equal(t, StatusDisconnected, m.Status())

	require.Equal(t, 2, fc.connects)
	require.Equal(t, []Status{
		StatusConnecting, StatusConnected, StatusDisconnected,
		StatusConnecting, StatusDisconnected,
	}, seen)
}

func TestMachine_ConnectIsNoopUnlessDisconnected(t *testing.T) {
	fc := &fakeConnector{}
	m := NewMachine(fc)

	require.True(t, m.Connect(context.Background()))
	require.False(t, m.Connect(context.Background()))
	m.Observe(ev(transport.EventConnect))
	require.False(t, m.Connect(context.Background()))
	require.Equal(t, 1, fc.connects)
}

func TestMachine_ExplicitDisconnectFromAnyState(t *testing.T) {
	fc := &fakeConnector{}
	m := NewMachine(fc)

	m.Connect(context.Background())
	m.Disconnect()
	require.Equal(t, StatusDisconnected, m.Status())

	m.Connect(context.Background())
	m.Observe(ev(transport.EventConnect))
	m.Disconnect()
	require.Equal(t, StatusDisconnected, m.Status())
	require.Equal(t, 2, fc.disconnects)
}

func TestMachine_IgnoresNonLifecycleEvents(t *testing.T) {
	m := NewMachine(&fakeConnector{})
	st, ok := m.Observe(ev("stream.chunk"))
	require.False(t, ok)
	require.Equal(t, StatusDisconnected, st)
}

func TestMachine_UserActivityIsRateLimited(t *testing.T) {
	fc := &fakeConnector{}
	m := NewMachine(fc, WithUserActivityLimit(time.Hour, 1))

	require.True(t, m.ConnectFromUserActivity(context.Background()))
	m.Observe(ev(transport.EventConnectError))

	require.False(t, m.ConnectFromUserActivity(context.Background()))
	require.Equal(t, StatusDisconnected, m.Status())
	require.Equal(t, 1, fc.connects)

	// explicit connects are not limited
	require.True(t, m.Connect(context.Background()))
	require.Equal(t, 2, fc.connects)
}
