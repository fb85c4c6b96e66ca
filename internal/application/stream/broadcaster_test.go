package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oneui/internal/shared/logger"
)

func TestIntervalClamping(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		want      time.Duration
	}{
		{"zero takes default", 0, 2 * time.Second},
		{"negative takes default", -5, 2 * time.Second},
		{"below floor clamps up", 100, 500 * time.Millisecond},
		{"above ceiling clamps down", 60000, 10 * time.Second},
		{"in range passes through", 3000, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interval(tt.requested, 2000, 500, 10000))
		})
	}
}

func TestIntervalDefaultsWhenUnconfigured(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, Interval(0, 0, 0, 0))
}

func TestBroadcastDelivery(t *testing.T) {
	b := NewBroadcaster(8, logger.NewNop())
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Type: "session.connect", Data: map[string]any{"userId": 7}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case event := <-ch:
			assert.Equal(t, "session.connect", event.Type)
			assert.False(t, event.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBroadcastDropsOldestForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(2, logger.NewNop())
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "tick", Data: i})
	}

	// The two newest events survive; older ones were evicted.
	first := <-ch
	second := <-ch
	assert.Equal(t, 3, first.Data)
	assert.Equal(t, 4, second.Data)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %v", extra)
	default:
	}
}

func TestPublishNeverBlocksWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(1, logger.NewNop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Event{Type: "tick"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
}

func TestSubscribeCancelIdempotent(t *testing.T) {
	b := NewBroadcaster(4, logger.NewNop())
	ch, cancel := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers())

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel is harmless.
	b.Publish(Event{Type: "tick"})
}
