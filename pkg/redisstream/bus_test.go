package redisstream

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBuildBus_InMemoryDeliversInOrder(t *testing.T) {
	bus, err := BuildBus(Settings{})
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, "chat:s1")
	require.NoError(t, err)
	require.NoError(t, bus.PrepareTopic(ctx, "chat:s1"))
	require.NoError(t, bus.Ping(ctx))

	want := []string{"one", "two", "three", "four"}
	go func() {
		for _, w := range want {
			_ = bus.Publish("chat:s1", []byte(w))
		}
	}()

	for _, w := range want {
		select {
		case msg := <-ch:
			require.Equal(t, w, string(msg.Payload))
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func TestBuildBus_TopicsAreIsolated(t *testing.T) {
	bus, err := BuildBus(Settings{})
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, "chat:a")
	require.NoError(t, err)

	require.NoError(t, bus.Publish("chat:b", []byte("other")))
	go func() { _ = bus.Publish("chat:a", []byte("mine")) }()

	select {
	case msg := <-ch:
		require.Equal(t, "mine", string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
}

func TestBus_CloseTwice(t *testing.T) {
	bus, err := BuildBus(Settings{})
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	var nilBus *Bus
	require.Error(t, nilBus.Publish("x", nil))
	_, err = nilBus.Subscribe(context.Background(), "x")
	require.Error(t, err)
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	require.False(t, s.Enabled)
	require.Equal(t, "localhost:6379", s.Addr)
	require.Empty(t, s.Group)
}

func TestWatermillLogger_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	logger = logger.With(watermill.LogFields{"topic": "chat:s1"})

	logger.Info("subscribed", watermill.LogFields{"n": 1})
	logger.Error("failed", errors.New("boom"), nil)
	logger.Debug("tick", nil)

	out := buf.String()
	require.Contains(t, out, `"topic":"chat:s1"`)
	require.Contains(t, out, `"n":1`)
	require.Contains(t, out, `"error":"boom"`)
	require.Contains(t, out, `"component":"watermill"`)
	require.Contains(t, out, `"message":"tick"`)
}
