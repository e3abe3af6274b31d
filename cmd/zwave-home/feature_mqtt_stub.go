//go:build no_mqtt

package main

import (
	"log/slog"

	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/provisioning"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *controller.Controller, _ *provisioning.List, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
