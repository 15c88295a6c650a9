package events

import (
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
)

// DefaultTopic is the topic Forward publishes to when none is given.
const DefaultTopic = "bartab.session.events"

// MetadataEventName is the message metadata key carrying the event name.
const MetadataEventName = "event"

// Forward publishes every event on bus as a JSON message to topic. The
// returned func stops forwarding.
func Forward(bus *Bus, pub message.Publisher, topic string, logger *slog.Logger) func() {
	logger = slogx.OrDefault(logger)
	if topic == "" {
		topic = DefaultTopic
	}

	return bus.SubscribeAll(func(ev Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			logger.Error("failed to marshal event", "event", string(ev.Name), "error", err)
			return
		}

		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set(MetadataEventName, string(ev.Name))

		if err := pub.Publish(topic, msg); err != nil {
			logger.Warn("failed to forward event", "event", string(ev.Name), "topic", topic, "error", err)
		}
	})
}
