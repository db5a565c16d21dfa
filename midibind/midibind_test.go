package midibind

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"
)

func TestNormalizeControlChange(t *testing.T) {
	ev, ok := normalize(midi.ControlChange(2, 64, 127))
	require.True(t, ok)
	require.Equal(t, Event{Channel: 2, Controller: 64, Value: 127}, ev)
}

func TestNormalizeProgramChange(t *testing.T) {
	ev, ok := normalize(midi.ProgramChange(0, 5))
	require.True(t, ok)
	require.True(t, ev.IsProgram)
	require.Equal(t, uint8(5), ev.Value)
}

func TestNormalizeIgnoresNotes(t *testing.T) {
	_, ok := normalize(midi.NoteOn(0, 60, 100))
	require.False(t, ok)
}

type recordedActions struct {
	shutdowns, restarts, hotspots int
}

func (a *recordedActions) Shutdown()      { a.shutdowns++ }
func (a *recordedActions) Restart()       { a.restarts++ }
func (a *recordedActions) HotspotToggle() { a.hotspots++ }

func TestSystemBindingRouterDispatches(t *testing.T) {
	actions := &recordedActions{}
	r := NewSystemBindingRouter(actions, zerolog.Nop())
	r.SetBindings(map[uint8]string{10: "shutdown", 11: "restart", 12: "hotspot"})

	r.Handle(Event{Controller: 10, Value: 127})
	r.Handle(Event{Controller: 11, Value: 127})
	r.Handle(Event{Controller: 12, Value: 127})
	require.Equal(t, 1, actions.shutdowns)
	require.Equal(t, 1, actions.restarts)
	require.Equal(t, 1, actions.hotspots)
}

func TestSystemBindingRouterIgnoresUnboundAndReleases(t *testing.T) {
	actions := &recordedActions{}
	r := NewSystemBindingRouter(actions, zerolog.Nop())
	r.SetBindings(map[uint8]string{10: "shutdown"})

	// Unbound controller, pedal release (value 0), and program changes all
	// pass through without side effects.
	r.Handle(Event{Controller: 99, Value: 127})
	r.Handle(Event{Controller: 10, Value: 0})
	r.Handle(Event{Controller: 10, Value: 127, IsProgram: true})
	require.Zero(t, actions.shutdowns)
}
