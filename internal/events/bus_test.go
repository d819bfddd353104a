package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToAllListeners(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe(func(ev Event) { order = append(order, "first:"+string(ev.Reason)) })
	bus.Subscribe(func(ev Event) { order = append(order, "second:"+string(ev.Reason)) })

	bus.Emit(ReasonSessionRevoked, EventData{SessionID: "session-123456789"})

	assert.Equal(t, []string{"first:SessionRevoked", "second:SessionRevoked"}, order)
}

func TestBus_RecoversListenerPanics(t *testing.T) {
	bus := NewBus()

	delivered := 0
	bus.Subscribe(func(Event) { panic("listener bug") })
	bus.Subscribe(func(Event) { delivered++ })

	require.NotPanics(t, func() {
		bus.Emit(ReasonAuthenticated, EventData{Provider: "google"})
	})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, int64(1), bus.ListenerPanics())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsubscribe := bus.Subscribe(func(Event) { calls++ })
	bus.Emit(ReasonCacheEvicted, EventData{Key: "a"})
	unsubscribe()
	unsubscribe()
	bus.Emit(ReasonCacheEvicted, EventData{Key: "b"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Len())
}

func TestBus_EventShape(t *testing.T) {
	bus := NewBus()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	var got Event
	bus.Subscribe(func(ev Event) { got = ev })
	bus.Emit(ReasonRefreshFailed, EventData{SessionID: "abcdefghijkl", Provider: "google", Error: "invalid_grant"})

	assert.Equal(t, EventTypeWarning, got.Type)
	assert.Equal(t, fixed, got.Timestamp)
	assert.Equal(t, "Session abcdefgh... refresh via google failed: invalid_grant", got.Message)
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Emit(ReasonAuthenticated, EventData{}) })
}

func TestMessageTemplateEngine_Render(t *testing.T) {
	engine := NewMessageTemplateEngine()

	tests := []struct {
		name   string
		reason EventReason
		data   EventData
		want   string
	}{
		{
			name:   "with duration",
			reason: ReasonAuthenticated,
			data:   EventData{SessionID: "s1", Provider: "google", Duration: 250 * time.Millisecond},
			want:   "Session s1 authenticated via google in 250ms",
		},
		{
			name:   "without duration",
			reason: ReasonAuthenticated,
			data:   EventData{SessionID: "s1", Provider: "google"},
			want:   "Session s1 authenticated via google",
		},
		{
			name:   "error omitted when empty",
			reason: ReasonAuthenticationFailed,
			data:   EventData{Provider: "sa"},
			want:   "Authentication via sa failed",
		},
		{
			name:   "refresh count",
			reason: ReasonRefreshed,
			data:   EventData{SessionID: "s1", RefreshCount: 3},
			want:   "Session s1 credentials refreshed (refresh #3)",
		},
		{
			name:   "unknown reason",
			reason: EventReason("Custom"),
			want:   "Event: Custom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.Render(tt.reason, tt.data))
		})
	}
}

func TestMessageTemplateEngine_SetTemplate(t *testing.T) {
	engine := NewMessageTemplateEngine()
	engine.SetTemplate(ReasonSessionRevoked, "bye {{.SessionID}}")
	assert.Equal(t, "bye s1", engine.Render(ReasonSessionRevoked, EventData{SessionID: "s1"}))
}
