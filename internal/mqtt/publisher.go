// Package mqtt publishes Home Assistant MQTT discovery messages and
// periodic sensor state updates so the add-on appears as a native HA
// device with availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity and a birth message ("online") to the
// availability topic. A will message ensures the availability topic
// transitions to "offline" on unexpected disconnects.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"hadoctor/internal/buildinfo"
	"hadoctor/internal/config"
)

const (
	publishInterval = 60 * time.Second
	discoveryPrefix = "homeassistant"
)

// StatusSource provides runtime data for sensor state publishing. The
// concrete adapter is wired in main.go to avoid coupling this package
// to the stores and runner.
type StatusSource interface {
	// UnresolvedInsights returns the count of open insights.
	UnresolvedInsights() int
	// LastRun returns the most recent diagnosis run time, or false
	// when no run has happened yet.
	LastRun() (time.Time, bool)
	// AutomationsWithErrors returns the error count of the latest run.
	AutomationsWithErrors() int
	// DiagnosisRunning reports whether a run is in flight.
	DiagnosisRunning() bool
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a periodic loop that pushes
// sensor state updates to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	status     StatusSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, status StatusSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	deviceName := cfg.DeviceName
	if deviceName == "" {
		deviceName = "hadoctor"
	}
	cfg.DeviceName = deviceName
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, deviceName),
		status:     status,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs and a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hadoctor-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// PublishNow pushes a fresh set of sensor states, used right after a
// diagnosis run completes so HA reflects results without waiting for
// the next tick.
func (p *Publisher) PublishNow(ctx context.Context) {
	p.publishStates(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "hadoctor/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return discoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	return []sensorDef{
		{
			entitySuffix: "unresolved_insights",
			config: SensorConfig{
				Name:              p.device.Name + " Unresolved Insights",
				UniqueID:          p.instanceID + "_unresolved_insights",
				StateTopic:        p.stateTopic("unresolved_insights"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:lightbulb-alert",
				StateClass:        "measurement",
			},
		},
		{
			entitySuffix: "automations_with_errors",
			config: SensorConfig{
				Name:              p.device.Name + " Automations With Errors",
				UniqueID:          p.instanceID + "_automations_with_errors",
				StateTopic:        p.stateTopic("automations_with_errors"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:robot-dead",
				StateClass:        "measurement",
			},
		},
		{
			entitySuffix: "last_run",
			config: SensorConfig{
				Name:              p.device.Name + " Last Run",
				UniqueID:          p.instanceID + "_last_run",
				StateTopic:        p.stateTopic("last_run"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:clock-check",
				DeviceClass:       "timestamp",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "diagnosis_running",
			config: SensorConfig{
				Name:              p.device.Name + " Diagnosis Running",
				UniqueID:          p.instanceID + "_diagnosis_running",
				StateTopic:        p.stateTopic("diagnosis_running"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:stethoscope",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "version",
			config: SensorConfig{
				Name:              p.device.Name + " Version",
				UniqueID:          p.instanceID + "_version",
				StateTopic:        p.stateTopic("version"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:tag",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "uptime",
			config: SensorConfig{
				Name:              p.device.Name + " Uptime",
				UniqueID:          p.instanceID + "_uptime",
				StateTopic:        p.stateTopic("uptime"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:clock-outline",
				EntityCategory:    "diagnostic",
			},
		},
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

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := map[string]string{
		"unresolved_insights":     strconv.Itoa(p.status.UnresolvedInsights()),
		"automations_with_errors": strconv.Itoa(p.status.AutomationsWithErrors()),
		"version":                 buildinfo.Version,
		"uptime":                  buildinfo.Uptime().Truncate(time.Second).String(),
	}

	if p.status.DiagnosisRunning() {
		states["diagnosis_running"] = "running"
	} else {
		states["diagnosis_running"] = "idle"
	}

	if lastRun, ok := p.status.LastRun(); ok {
		states["last_run"] = lastRun.Format(time.RFC3339)
	} else {
		states["last_run"] = "never"
	}

	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
