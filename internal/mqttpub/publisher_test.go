package mqttpub

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// PublishState/PublishDiscovery only touch the outgoing queue, not the
// underlying mqtt.Client, so a nil client is enough to exercise them.
func newTestPublisher() *Publisher {
	return New(nil, "powermaster", zerolog.Nop())
}

func TestPublishState_EnqueuesRetainedStateTopic(t *testing.T) {
	p := newTestPublisher()
	require.NoError(t, p.PublishState(State{SOC: 0.62, SolarW: 1500, Mode: "self_use", ImportC: 28.1}))

	msg := <-p.outgoing
	require.Equal(t, "powermaster/state", msg.Topic)
	require.True(t, msg.Retain)

	var decoded State
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	require.InDelta(t, 0.62, decoded.SOC, 1e-9)
	require.Equal(t, "self_use", decoded.Mode)
}

func TestPublishDiscovery_EmitsOneConfigTopicPerEntity(t *testing.T) {
	p := newTestPublisher()
	entities := DefaultEntities()
	require.NoError(t, p.PublishDiscovery("Power Master", "Hybrid Inverter", entities))

	for range entities {
		msg := <-p.outgoing
		require.Contains(t, msg.Topic, "homeassistant/sensor/power_master_")
		require.True(t, msg.Retain)

		var cfg discoveryConfig
		require.NoError(t, json.Unmarshal(msg.Payload, &cfg))
		require.Equal(t, "powermaster/state", cfg.StateTopic)
		require.Equal(t, "Power Master", cfg.Device.Name)
	}
}

func TestPublish_QueuesWithoutBlockingUnderCapacity(t *testing.T) {
	p := newTestPublisher()
	for i := 0; i < 10; i++ {
		p.Publish(Message{Topic: "x", Payload: []byte("y")})
	}
	require.Len(t, p.outgoing, 10)
}
