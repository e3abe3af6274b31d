//go:build !no_mqtt

package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/security"
)

const commandTimeout = 10 * time.Second

var errUnknownCommand = errors.New("unknown command")

// response is published to <prefix>/bridge/response after each command.
type response struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

func (b *Bridge) subscribeCommands(c pahomqtt.Client) {
	prefix := b.topic("cmd/")
	c.Subscribe(prefix+"#", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		cmd := strings.TrimPrefix(msg.Topic(), prefix)
		b.respond(cmd, b.handleCommand(cmd, msg.Payload()))
	})
}

func (b *Bridge) respond(cmd string, err error) {
	r := response{Command: cmd, OK: err == nil}
	if err != nil {
		r.Error = err.Error()
		b.logger.Warn("MQTT command failed", "command", cmd, "err", err)
	}
	b.publish(b.topic("bridge/response"), mustJSON(r), false)
}

// decodePayload unmarshals a JSON payload. An empty payload leaves v
// untouched.
func decodePayload(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// started turns a begin/stop result into an error.
func (b *Bridge) started(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("not allowed in state %s", b.ctl.State())
	}
	return nil
}

type inclusionCommand struct {
	Strategy      controller.InclusionStrategy `json:"strategy"`
	ForceSecurity bool                         `json:"force_security"`
	DSK           string                       `json:"dsk"`
}

type exclusionCommand struct {
	Strategy *controller.ExclusionStrategy `json:"strategy"`
}

type grantCommand struct {
	Classes []security.Class `json:"classes"`
}

type pinCommand struct {
	PIN string `json:"pin"`
}

type cancelCommand struct {
	Reason bootstrap.FailureReason `json:"reason"`
}

// handleCommand runs one command addressed as <prefix>/cmd/<cmd>.
func (b *Bridge) handleCommand(cmd string, payload []byte) error {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	parts := strings.Split(cmd, "/")
	switch {
	case cmd == "inclusion/start":
		var c inclusionCommand
		if err := decodePayload(payload, &c); err != nil {
			return err
		}
		opts := controller.InclusionOptions{Strategy: c.Strategy, ForceSecurity: c.ForceSecurity}
		if c.Strategy == controller.StrategySmartStart {
			e, ok := b.ctl.GetProvisioningEntry(c.DSK)
			if !ok {
				return fmt.Errorf("dsk %q: %w", c.DSK, provisioning.ErrNotFound)
			}
			opts.Provisioning = &e
		}
		return b.started(b.ctl.BeginInclusion(ctx, opts))

	case cmd == "inclusion/stop":
		return b.started(b.ctl.StopInclusion(ctx))

	case cmd == "exclusion/start":
		var c exclusionCommand
		if err := decodePayload(payload, &c); err != nil {
			return err
		}
		opts := controller.ExclusionOptions{Strategy: controller.DisableProvisioningEntry}
		if c.Strategy != nil {
			opts.Strategy = *c.Strategy
		}
		return b.started(b.ctl.BeginExclusion(ctx, opts))

	case cmd == "exclusion/stop":
		return b.started(b.ctl.StopExclusion(ctx))

	case cmd == "bootstrap/cancel":
		c := cancelCommand{Reason: bootstrap.ReasonUserCanceled}
		if err := decodePayload(payload, &c); err != nil {
			return err
		}
		if !b.ctl.CancelSecureBootstrap(c.Reason) {
			return errors.New("no bootstrap in progress")
		}
		return nil

	case cmd == "provisioning/set":
		var e provisioning.Entry
		if err := decodePayload(payload, &e); err != nil {
			return err
		}
		return b.ctl.ProvisionSmartStartNode(e)

	case cmd == "provisioning/remove":
		return b.ctl.UnprovisionSmartStartNode(strings.TrimSpace(string(payload)))

	case len(parts) == 3 && parts[0] == "prompt":
		id, err := parseNodeID(parts[1])
		if err != nil {
			return err
		}
		defer b.publishPrompts()
		return b.answerPrompt(id, parts[2], payload)

	case len(parts) == 3 && parts[0] == "node" && parts[2] == "replace":
		id, err := parseNodeID(parts[1])
		if err != nil {
			return err
		}
		var c inclusionCommand
		if err := decodePayload(payload, &c); err != nil {
			return err
		}
		opts := controller.InclusionOptions{Strategy: c.Strategy, ForceSecurity: c.ForceSecurity}
		return b.started(b.ctl.ReplaceFailedNode(ctx, id, opts))
	}
	return fmt.Errorf("%w: %s", errUnknownCommand, cmd)
}

func (b *Bridge) answerPrompt(id uint16, action string, payload []byte) error {
	p := b.ctl.Prompter()
	switch action {
	case "grant":
		var c grantCommand
		if err := decodePayload(payload, &c); err != nil {
			return err
		}
		return p.SubmitGrant(id, bootstrap.Grant{Classes: c.Classes})
	case "pin":
		var c pinCommand
		if err := decodePayload(payload, &c); err != nil {
			return err
		}
		return p.SubmitPIN(id, c.PIN)
	case "reject":
		return p.Reject(id)
	}
	return fmt.Errorf("%w: prompt action %s", errUnknownCommand, action)
}

func parseNodeID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return uint16(v), nil
}
