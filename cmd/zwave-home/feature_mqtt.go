//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "zwave-go-home/internal/mqtt"

	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/provisioning"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(ctl *controller.Controller, list *provisioning.List, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	discovery := cfg.MQTT.DiscoveryPrefix
	if discovery == "none" {
		discovery = ""
	}
	bridge, err := mqttbridge.NewBridge(ctl, mqttbridge.Config{
		Broker:          cfg.MQTT.Broker,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		ClientID:        cfg.MQTT.ClientID,
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		DiscoveryPrefix: discovery,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	list.OnChange(bridge.PublishProvisioning)
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
