package inverter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ryansname/powermaster/internal/types"
)

// MQTTDriver talks to an inverter that exposes its telemetry and
// accepts commands over MQTT (e.g. a Home Assistant integration
// sitting in front of the hardware). It adapts the teacher's
// mqttSenderWorker publish pattern and main.go's subscribe-and-forward
// pattern into a single Driver, serialized through one mutex per
// spec.md §5's "inverter connection: exclusive".
type MQTTDriver struct {
	client       mqtt.Client
	telemetryTopic string
	commandTopic string

	mu        sync.Mutex
	telemetry atomic.Pointer[Telemetry]
}

// mqttTelemetryPayload is the wire shape read from telemetryTopic.
type mqttTelemetryPayload struct {
	SOC        float64  `json:"soc"`
	SolarW     float64  `json:"solar_w"`
	LoadW      float64  `json:"load_w"`
	GridW      float64  `json:"grid_w"`
	BatteryW   float64  `json:"battery_w"`
	Mode       int      `json:"mode"`
	FaultFlags []string `json:"fault_flags"`
}

// mqttCommandPayload is the wire shape written to commandTopic.
type mqttCommandPayload struct {
	Mode       int     `json:"mode"`
	PowerW     float64 `json:"power_w"`
	ExportCapW float64 `json:"export_cap_w"`
}

// NewMQTTDriver subscribes the already-connected client to
// telemetryTopic. It blocks until the subscription completes or ctx is
// done.
func NewMQTTDriver(ctx context.Context, client mqtt.Client, telemetryTopic, commandTopic string) (*MQTTDriver, error) {
	d := &MQTTDriver{client: client, telemetryTopic: telemetryTopic, commandTopic: commandTopic}

	token := client.Subscribe(telemetryTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var payload mqttTelemetryPayload
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			return
		}
		t := Telemetry{
			SOC: payload.SOC, SolarW: payload.SolarW, LoadW: payload.LoadW,
			GridW: payload.GridW, BatteryW: payload.BatteryW,
			Mode: types.Mode(payload.Mode), FaultFlags: payload.FaultFlags,
			ReadAt: time.Now(),
		}
		d.telemetry.Store(&t)
	})

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
		if token.Error() != nil {
			return nil, fmt.Errorf("mqtt inverter driver: subscribe to %s: %w", telemetryTopic, token.Error())
		}
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadTelemetry returns the last telemetry message received, or an
// error if none has arrived yet.
func (d *MQTTDriver) ReadTelemetry(ctx context.Context) (Telemetry, error) {
	t := d.telemetry.Load()
	if t == nil {
		return Telemetry{}, fmt.Errorf("mqtt inverter driver: no telemetry received yet on %s", d.telemetryTopic)
	}
	return *t, nil
}

// SetMode publishes a command message, serialized by d.mu so no two
// SetMode calls race on the wire.
func (d *MQTTDriver) SetMode(ctx context.Context, cmd Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	payload, err := json.Marshal(mqttCommandPayload{
		Mode: int(cmd.Mode), PowerW: cmd.PowerW, ExportCapW: cmd.ExportCapW,
	})
	if err != nil {
		return fmt.Errorf("mqtt inverter driver: encode command: %w", err)
	}

	token := d.client.Publish(d.commandTopic, 1, false, payload)
	if !token.WaitTimeout(SetModeTimeout) {
		return fmt.Errorf("mqtt inverter driver: publish to %s timed out", d.commandTopic)
	}
	if token.Error() != nil {
		return fmt.Errorf("mqtt inverter driver: publish to %s: %w", d.commandTopic, token.Error())
	}
	return nil
}

// Close unsubscribes; the underlying client's lifecycle is owned by
// whoever constructed it (main.go), not by the driver.
func (d *MQTTDriver) Close() error {
	token := d.client.Unsubscribe(d.telemetryTopic)
	token.WaitTimeout(SetModeTimeout)
	return token.Error()
}

var _ Driver = (*MQTTDriver)(nil)
