package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aussiebroadwan/bartab-session/internal/events"
	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
	"github.com/stretchr/testify/require"
)

func TestForwardPublishesJSON(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })

	msgs, err := pubsub.Subscribe(ctx, "session")
	require.NoError(t, err)

	bus := events.NewBus(slogx.Discard())
	stop := events.Forward(bus, pubsub, "session", slogx.Discard())
	defer stop()

	bus.Emit(events.AuthError, events.AuthFailure{Err: errors.New("refresh rejected")})

	select {
	case msg := <-msgs:
		msg.Ack()
		require.Equal(t, string(events.AuthError), msg.Metadata.Get(events.MetadataEventName))

		var got struct {
			Name    string `json:"name"`
			Payload struct {
				Reason string `json:"reason"`
			} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		require.Equal(t, "auth_error", got.Name)
		require.Equal(t, "refresh rejected", got.Payload.Reason)
	case <-ctx.Done():
		t.Fatal("no message forwarded")
	}
}
