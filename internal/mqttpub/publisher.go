// Package mqttpub publishes dashboard-facing state to MQTT and
// registers Home Assistant discovery topics, adapted from the
// teacher's mqttSenderWorker queuing pattern (mqtt_sender.go) and its
// createBatteryEntity discovery-config builder (homeassistant.go).
// This is distinct from internal/inverter's MQTTDriver, which talks to
// the inverter itself; this package talks to the rest of the house.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Message is one outgoing publish, queued the way the teacher's
// MQTTMessage was.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Publisher owns the outgoing queue and the sender goroutine that
// drains it, matching the teacher's mqttSenderWorker.
type Publisher struct {
	client   mqtt.Client
	prefix   string
	outgoing chan Message
	log      zerolog.Logger
}

// New returns a Publisher that queues up to 256 outgoing messages
// before Publish starts blocking the caller.
func New(client mqtt.Client, prefix string, log zerolog.Logger) *Publisher {
	return &Publisher{
		client:   client,
		prefix:   strings.TrimSuffix(prefix, "/"),
		outgoing: make(chan Message, 256),
		log:      log,
	}
}

// Run drains the outgoing queue until ctx is done, one publish loop
// per process, mirroring mqttSenderWorker.
func (p *Publisher) Run(ctx context.Context) {
	p.log.Info().Msg("mqtt publisher started")
	for {
		select {
		case msg := <-p.outgoing:
			token := p.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
			token.Wait()
			if token.Error() != nil {
				p.log.Warn().Err(token.Error()).Str("topic", msg.Topic).Msg("mqtt publish failed")
			}
		case <-ctx.Done():
			p.log.Info().Msg("mqtt publisher stopped")
			return
		}
	}
}

// Publish enqueues msg, blocking only if the queue is full.
func (p *Publisher) Publish(msg Message) {
	p.outgoing <- msg
}

// State is the JSON body published to the combined state topic on
// every tick, sourced from the tick loop's events.Snapshot.
type State struct {
	SOC          float64 `json:"soc"`
	SolarW       float64 `json:"solar_w"`
	LoadW        float64 `json:"load_w"`
	GridW        float64 `json:"grid_w"`
	BatteryW     float64 `json:"battery_w"`
	Mode         string  `json:"mode"`
	ImportC      float64 `json:"import_c"`
	ExportC      float64 `json:"export_c"`
	NetCostC     float64 `json:"net_cost_c"`
	DecisionSource string `json:"decision_source"`
}

// PublishState publishes the combined state to <prefix>/state.
func (p *Publisher) PublishState(s State) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("mqttpub: encode state: %w", err)
	}
	p.Publish(Message{Topic: p.prefix + "/state", Payload: payload, QoS: 0, Retain: true})
	return nil
}

// discoveryConfig mirrors the teacher's inline Config struct in
// createBatteryEntity, generalized past a single battery entity to any
// named sensor this process exposes.
type discoveryConfig struct {
	Name             string `json:"name,omitempty"`
	DeviceClass      string `json:"device_class,omitempty"`
	StateTopic       string `json:"state_topic"`
	UnitOfMeasure    string `json:"unit_of_measurement,omitempty"`
	ValueTemplate    string `json:"value_template"`
	UniqueID         string `json:"unique_id"`
	ExpireAfter      uint   `json:"expire_after,omitempty"`
	StateClass       string `json:"state_class,omitempty"`
	DisplayPrecision int    `json:"suggested_display_precision,omitempty"`
	Device           struct {
		Identifiers  []string `json:"identifiers"`
		Name         string   `json:"name"`
		Manufacturer string   `json:"manufacturer,omitempty"`
		Model        string   `json:"model,omitempty"`
	} `json:"device"`
}

// Entity describes one Home Assistant sensor to discover, generalizing
// the teacher's per-battery-field discovery call to any tick field.
type Entity struct {
	Name             string
	DeviceClass      string
	UnitOfMeasure    string
	JSONKey          string
	StateClass       string
	DisplayPrecision int
}

// PublishDiscovery registers deviceName/entities as Home Assistant MQTT
// discovery sensors, reading their values back from <prefix>/state.
func (p *Publisher) PublishDiscovery(deviceName, model string, entities []Entity) error {
	deviceID := strings.ReplaceAll(strings.ToLower(deviceName), " ", "_")
	stateTopic := p.prefix + "/state"

	for _, e := range entities {
		cfg := discoveryConfig{
			Name:             e.Name,
			DeviceClass:      e.DeviceClass,
			StateTopic:       stateTopic,
			UnitOfMeasure:    e.UnitOfMeasure,
			ValueTemplate:    "{{ value_json." + e.JSONKey + " }}",
			UniqueID:         deviceID + "_" + e.JSONKey,
			ExpireAfter:      60 * 30,
			StateClass:       e.StateClass,
			DisplayPrecision: e.DisplayPrecision,
		}
		cfg.Device.Identifiers = []string{deviceID}
		cfg.Device.Name = deviceName
		cfg.Device.Manufacturer = "Power Master"
		cfg.Device.Model = model

		payload, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("mqttpub: encode discovery config for %s: %w", e.JSONKey, err)
		}

		configTopic := "homeassistant/sensor/" + deviceID + "_" + e.JSONKey + "/config"
		p.Publish(Message{Topic: configTopic, Payload: payload, QoS: 1, Retain: true})
	}
	return nil
}

// DefaultEntities is the standard sensor set published for the Power
// Master device itself (battery SOC, flows, mode, pricing).
func DefaultEntities() []Entity {
	return []Entity{
		{Name: "State of Charge", DeviceClass: "battery", UnitOfMeasure: "%", JSONKey: "soc", StateClass: "measurement", DisplayPrecision: 1},
		{Name: "Solar Power", DeviceClass: "power", UnitOfMeasure: "W", JSONKey: "solar_w", StateClass: "measurement", DisplayPrecision: 0},
		{Name: "Load Power", DeviceClass: "power", UnitOfMeasure: "W", JSONKey: "load_w", StateClass: "measurement", DisplayPrecision: 0},
		{Name: "Grid Power", DeviceClass: "power", UnitOfMeasure: "W", JSONKey: "grid_w", StateClass: "measurement", DisplayPrecision: 0},
		{Name: "Battery Power", DeviceClass: "power", UnitOfMeasure: "W", JSONKey: "battery_w", StateClass: "measurement", DisplayPrecision: 0},
		{Name: "Import Price", UnitOfMeasure: "c/kWh", JSONKey: "import_c", StateClass: "measurement", DisplayPrecision: 2},
		{Name: "Export Price", UnitOfMeasure: "c/kWh", JSONKey: "export_c", StateClass: "measurement", DisplayPrecision: 2},
		{Name: "Net Cost", UnitOfMeasure: "c", JSONKey: "net_cost_c", StateClass: "total", DisplayPrecision: 2},
	}
}
