// Package mqtt mirrors the engine onto an MQTT broker.
//
// The bridge publishes the device state, command outcomes and active alerts below a topic
// prefix and accepts power, target flow and raw register commands on .../set topics.
// Optional Home Assistant discovery announces every register as an entity.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/fumewatch/internal/config"
	"github.com/timzifer/fumewatch/runtime/alerts"
	"github.com/timzifer/fumewatch/runtime/commands"
	"github.com/timzifer/fumewatch/runtime/registers"
	"github.com/timzifer/fumewatch/runtime/state"
)

const origin = "mqtt"

// Engine is the part of the service the bridge drives.
type Engine interface {
	Snapshot() *state.Snapshot
	Updates() <-chan struct{}
	Events() <-chan commands.Event
	Alerts() []alerts.Alert
	Submit(cmd commands.Command) (commands.Command, error)
	Registers() *registers.Map
	Disconnected() bool
}

// Bridge connects one engine to one broker.
type Bridge struct {
	cfg       config.MQTTConfig
	engine    Engine
	logger    zerolog.Logger
	topics    topics
	discovery []discoveryMessage
	updates   <-chan struct{}
	events    <-chan commands.Event

	mu          sync.Mutex
	client      mqtt.Client
	lastState   []byte
	lastAlerts  []byte
	lastPublish time.Time
}

// NewBridge prepares a bridge for engine. It subscribes to the engine right away and
// connects to the broker in Run.
func NewBridge(cfg config.MQTTConfig, engine Engine, logger zerolog.Logger) (*Bridge, error) {
	b := &Bridge{
		cfg:     cfg,
		engine:  engine,
		logger:  logger.With().Str("component", "mqtt").Logger(),
		topics:  newTopics(cfg.TopicPrefix),
		updates: engine.Updates(),
		events:  engine.Events(),
	}
	if cfg.HomeAssistant.Enabled {
		msgs, err := discoveryMessages(cfg, engine.Registers(), b.topics)
		if err != nil {
			return nil, err
		}
		b.discovery = msgs
	}
	return b, nil
}

// Run keeps the broker connection alive and publishes until ctx is done. A broker that is
// unreachable never stops the engine; the client keeps retrying in the background.
func (b *Bridge) Run(ctx context.Context) error {
	client, err := newClient(b.cfg, b.topics.availability, b.logger, b.onConnect)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	client.Connect()
	b.logger.Info().Str("broker", b.cfg.Broker).Str("prefix", b.topics.prefix).Msg("mqtt bridge started")

	var timer *time.Timer
	var throttled <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			b.shutdown(client)
			return nil
		case <-b.updates:
			if wait := b.throttleDelay(time.Now()); wait > 0 {
				if timer == nil {
					timer = time.NewTimer(wait)
					throttled = timer.C
				}
				continue
			}
			b.publishState(false)
		case <-throttled:
			timer, throttled = nil, nil
			b.publishState(false)
		case ev := <-b.events:
			b.publishEvent(ev)
		}
	}
}

func (b *Bridge) throttleDelay(now time.Time) time.Duration {
	if b.cfg.MinInterval.Duration <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPublish.Add(b.cfg.MinInterval.Duration).Sub(now)
}

func (b *Bridge) currentClient() mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// onConnect runs after every (re)connect: it restores subscriptions and republishes the
// retained documents.
func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Info().Str("broker", b.cfg.Broker).Msg("mqtt: connected")
	subscriptions := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{b.topics.powerSet, b.handlePower},
		{b.topics.flowSet, b.handleTargetFlow},
		{b.topics.registerSet, b.handleRegister},
	}
	for _, sub := range subscriptions {
		token := client.Subscribe(sub.topic, b.cfg.QoS, sub.handler)
		if token.Wait() && token.Error() != nil {
			b.logger.Error().Err(token.Error()).Str("topic", sub.topic).Msg("mqtt: subscribe failed")
		}
	}
	b.publish(client, b.topics.availability, true, []byte(payloadOnline))
	for _, msg := range b.discovery {
		b.publish(client, msg.topic, true, msg.payload)
	}
	if len(b.discovery) > 0 {
		b.logger.Info().Int("entities", len(b.discovery)).Msg("mqtt: home assistant discovery published")
	}
	b.publishState(true)
}

func (b *Bridge) shutdown(client mqtt.Client) {
	if client.IsConnectionOpen() {
		b.publish(client, b.topics.availability, true, []byte(payloadOffline))
	}
	client.Disconnect(250)
	b.logger.Info().Msg("mqtt bridge stopped")
}

// publishState sends the state and alert documents when they changed since the last
// publication, or unconditionally when force is set.
func (b *Bridge) publishState(force bool) {
	client := b.currentClient()
	if client == nil || !client.IsConnectionOpen() {
		return
	}
	doc, err := json.Marshal(newStatePayload(b.engine.Snapshot(), b.engine.Disconnected()))
	if err != nil {
		b.logger.Error().Err(err).Msg("mqtt: encode state")
		return
	}
	alertPayload, err := json.Marshal(alertList(b.engine.Alerts()))
	if err != nil {
		b.logger.Error().Err(err).Msg("mqtt: encode alerts")
		return
	}

	b.mu.Lock()
	sendState := force || !bytes.Equal(doc, b.lastState)
	sendAlerts := force || !bytes.Equal(alertPayload, b.lastAlerts)
	if sendState {
		b.lastState = doc
		b.lastPublish = time.Now()
	}
	if sendAlerts {
		b.lastAlerts = alertPayload
	}
	b.mu.Unlock()

	if sendState {
		b.publish(client, b.topics.state, b.cfg.Retain, doc)
	}
	if sendAlerts {
		b.publish(client, b.topics.alerts, true, alertPayload)
	}
}

func (b *Bridge) publishEvent(ev commands.Event) {
	client := b.currentClient()
	if client == nil || !client.IsConnectionOpen() {
		b.logger.Debug().Str("command", ev.Command.ID).Msg("mqtt: not connected, dropping command event")
		return
	}
	payload, err := json.Marshal(newEventPayload(ev))
	if err != nil {
		b.logger.Error().Err(err).Msg("mqtt: encode event")
		return
	}
	b.publish(client, b.topics.events, false, payload)
}

func (b *Bridge) publish(client mqtt.Client, topic string, retain bool, payload []byte) {
	token := client.Publish(topic, b.cfg.QoS, retain, payload)
	if !token.WaitTimeout(b.publishTimeout()) {
		b.logger.Warn().Str("topic", topic).Msg("mqtt: publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("mqtt: publish failed")
	}
}

func (b *Bridge) publishTimeout() time.Duration {
	if b.cfg.ConnectTimeout.Duration > 0 {
		return b.cfg.ConnectTimeout.Duration
	}
	return 5 * time.Second
}

func (b *Bridge) handlePower(_ mqtt.Client, msg mqtt.Message) {
	if msg.Retained() {
		return
	}
	on, toggle, err := parsePower(msg.Payload())
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt: ignoring command")
		return
	}
	snap := b.engine.Snapshot()
	var cmd commands.Command
	if toggle {
		cmd, err = commands.PowerToggle(snap)
	} else {
		cmd, err = commands.SetPower(snap, on)
	}
	b.submit(msg.Topic(), cmd, err)
}

func (b *Bridge) handleTargetFlow(_ mqtt.Client, msg mqtt.Message) {
	if msg.Retained() {
		return
	}
	value, err := parseNumber(msg.Payload())
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt: ignoring command")
		return
	}
	cmd, err := commands.SetTargetFlow(b.engine.Snapshot(), value)
	b.submit(msg.Topic(), cmd, err)
}

func (b *Bridge) handleRegister(_ mqtt.Client, msg mqtt.Message) {
	if msg.Retained() {
		return
	}
	key, ok := b.topics.registerKey(msg.Topic())
	if !ok {
		return
	}
	desc, ok := b.engine.Registers().ByKey(key)
	if !ok {
		b.logger.Warn().Str("topic", msg.Topic()).Msg("mqtt: unknown register")
		return
	}
	value, err := parseNumber(msg.Payload())
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt: ignoring command")
		return
	}
	b.submit(msg.Topic(), commands.Command{Target: desc.Address, Value: value}, nil)
}

// submit hands cmd to the engine. Gate rejections only reach the log; accepted commands
// report their outcome on the events topic.
func (b *Bridge) submit(topic string, cmd commands.Command, err error) {
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt: command not built")
		return
	}
	cmd.Origin = origin
	accepted, err := b.engine.Submit(cmd)
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt: command rejected")
		return
	}
	b.logger.Debug().Str("command", accepted.ID).Str("topic", topic).Msg("mqtt: command submitted")
}
