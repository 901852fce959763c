package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/groundloop/patchbay/internal/config"
)

// StatsSource provides live host figures for sensor state publishing.
// The concrete adapter is wired in main.go to avoid coupling the MQTT
// package to the registry, catalog, or router.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// ClientsReady returns the count of clients currently serving.
	ClientsReady() int
	// ClientsDegraded returns the count of clients in best-effort
	// service.
	ClientsDegraded() int
	// Capabilities returns the total capability count across clients.
	Capabilities() int
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, runs a periodic loop that pushes sensor
// state updates to the broker, and dispatches inbound commands.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	activity   *DailyActivity
	stats      StatsSource
	logger     *slog.Logger
	limiter    *messageRateLimiter
	cm         *autopaho.ConnectionManager

	mu      sync.Mutex
	handler CommandHandler
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. activity may be nil.
func New(cfg config.MQTTConfig, instanceID string, activity *DailyActivity, stats StatsSource, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		activity:   activity,
		stats:      stats,
		logger:     logger,
		limiter:    newMessageRateLimiter(commandRateLimit, commandRateInterval, logger),
	}
}

// Device returns the HA device block shared by all sensor entities.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the MQTT broker and blocks in the state publish
// loop until ctx is cancelled. Discovery configs, the birth message,
// and the command subscription are (re-)published on every connect, so
// a broker restart heals without intervention.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, p.clientConfig(ctx, brokerURL))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	go p.limiter.start(ctx)

	// Surface a dead broker in the logs right away; autopaho keeps
	// retrying in the background either way.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.stateLoop(ctx)
	return nil
}

// clientConfig assembles the autopaho configuration: last-will on the
// availability topic, re-publish hooks on connection up, and the
// inbound dispatch for command messages.
func (p *Publisher) clientConfig(ctx context.Context, brokerURL *url.URL) autopaho.ClientConfig {
	cc := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "patchbay-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleInbound(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cc.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cc
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "patchbay/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/command"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// publish sends one retained message. Everything the host emits
// (discovery, availability, sensor state) is retained so an HA restart
// picks up the last known values without waiting for the next push.
func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, qos byte) error {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  true,
	})
	return err
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()

	// Sensor names stay short; HasEntityName makes HA render them
	// under the device name instead of double-prefixing entity IDs.
	sensor := func(entity, name string) SensorConfig {
		return SensorConfig{
			Name:              name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: avail,
			Device:            p.device,
		}
	}

	uptime := sensor("uptime", "Uptime")
	uptime.Icon = "mdi:clock-outline"
	uptime.EntityCategory = "diagnostic"

	version := sensor("version", "Version")
	version.Icon = "mdi:tag"
	version.EntityCategory = "diagnostic"

	ready := sensor("clients_ready", "Clients Ready")
	ready.Icon = "mdi:server-network"
	ready.StateClass = "measurement"

	degraded := sensor("clients_degraded", "Clients Degraded")
	degraded.Icon = "mdi:server-network-off"
	degraded.StateClass = "measurement"

	caps := sensor("capabilities", "Capabilities")
	caps.Icon = "mdi:toolbox-outline"
	caps.StateClass = "measurement"

	invocations := sensor("invocations_today", "Invocations Today")
	invocations.Icon = "mdi:counter"
	invocations.StateClass = "total_increasing"

	failures := sensor("failures_today", "Failures Today")
	failures.Icon = "mdi:alert-circle-outline"
	failures.StateClass = "total_increasing"

	lastInvoke := sensor("last_invocation", "Last Invocation")
	lastInvoke.Icon = "mdi:clock-check"
	lastInvoke.EntityCategory = "diagnostic"

	return []sensorDef{
		{entitySuffix: "uptime", config: uptime},
		{entitySuffix: "version", config: version},
		{entitySuffix: "clients_ready", config: ready},
		{entitySuffix: "clients_degraded", config: degraded},
		{entitySuffix: "capabilities", config: caps},
		{entitySuffix: "invocations_today", config: invocations},
		{entitySuffix: "failures_today", config: failures},
		{entitySuffix: "last_invocation", config: lastInvoke},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if err := p.publish(ctx, cm, topic, payload, 1); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published",
			"entity", s.entitySuffix, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if err := p.publish(ctx, cm, p.availabilityTopic(), []byte(status), 1); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// --- Periodic state loop ---

// stateLoop pushes sensor states at the configured interval until ctx
// ends. The first push happens immediately so a freshly-connected HA
// instance does not sit on stale data for a whole interval.
func (p *Publisher) stateLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		p.publishStates(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := map[string]string{
		"uptime":           p.stats.Uptime().Truncate(time.Second).String(),
		"version":          p.stats.Version(),
		"clients_ready":    strconv.Itoa(p.stats.ClientsReady()),
		"clients_degraded": strconv.Itoa(p.stats.ClientsDegraded()),
		"capabilities":     strconv.Itoa(p.stats.Capabilities()),
	}

	invocations, failures := p.activity.Snapshot()
	states["invocations_today"] = strconv.FormatInt(invocations, 10)
	states["failures_today"] = strconv.FormatInt(failures, 10)

	states["last_invocation"] = "never"
	if last := p.activity.LastInvocation(); !last.IsZero() {
		states["last_invocation"] = last.Format(time.RFC3339)
	}

	for entity, value := range states {
		if err := p.publish(ctx, p.cm, p.stateTopic(entity), []byte(value), 0); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}
