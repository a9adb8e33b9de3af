package natsbridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/events"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func connect(t *testing.T, prefix string) (*Publisher, *nats.Conn) {
	t.Helper()
	srv := runServer(t)

	pub, err := Connect(srv.ClientURL(), prefix, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pub.Close)

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	return pub, sub
}

func TestPublisher_Fire(t *testing.T) {
	pub, sub := connect(t, "")

	msgs := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe(DefaultPrefix+".>", msgs)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	event := events.NewHostEvent(events.EventLastCalled, map[string]any{
		"last_called": "G090LF1234567",
		"summary":     "play music",
	}, time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC))
	require.NoError(t, pub.Fire(context.Background(), event))

	select {
	case msg := <-msgs:
		assert.Equal(t, "alexa_media.alexa_media_last_called_event", msg.Subject)

		var got events.HostEvent
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, events.EventLastCalled, got.Type)
		assert.Equal(t, "play music", got.Data["summary"])
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestPublisher_FireCancelled(t *testing.T) {
	pub, _ := connect(t, "home")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pub.Fire(ctx, events.NewHostEvent(events.EventLastCalled, nil, time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublisher_ForwardBusMessages(t *testing.T) {
	pub, sub := connect(t, "home")

	msgs := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("home.change.*", msgs)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	bus := events.NewBus(zap.NewNop())
	bus.Subscribe(pub.Forward("someone@example.com"))

	bus.Publish(events.LastCalledChange{Record: alexa.LastCalled{SerialNumber: "S1", Timestamp: 1, Summary: "hi"}})

	select {
	case msg := <-msgs:
		assert.Equal(t, "home.change.last_called_change", msg.Subject)

		var got map[string]any
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "s*****e@example.com", got["account"])
		assert.Equal(t, "last_called_change", got["kind"])
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
