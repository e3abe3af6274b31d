//go:build !no_mqtt

// Package mqtt mirrors the controller's lifecycle onto an MQTT broker and
// accepts inclusion, exclusion and provisioning commands from it.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string // empty disables Home Assistant discovery
}

// Controller is the part of the orchestrator the bridge drives.
type Controller interface {
	Events() *controller.EventBus
	State() controller.StateKind
	BootstrappingNode() uint16
	Prompter() *controller.Prompter

	Nodes() ([]*store.Node, error)
	Node(id uint16) (*store.Node, error)

	BeginInclusion(ctx context.Context, opts controller.InclusionOptions) (bool, error)
	StopInclusion(ctx context.Context) (bool, error)
	BeginExclusion(ctx context.Context, opts controller.ExclusionOptions) (bool, error)
	StopExclusion(ctx context.Context) (bool, error)
	ReplaceFailedNode(ctx context.Context, nodeID uint16, opts controller.InclusionOptions) (bool, error)
	CancelSecureBootstrap(reason bootstrap.FailureReason) bool

	GetProvisioningEntries() []provisioning.Entry
	GetProvisioningEntry(dskOrNodeID string) (provisioning.Entry, bool)
	ProvisionSmartStartNode(entry provisioning.Entry) error
	UnprovisionSmartStartNode(dskOrNodeID string) error
}

// publisher is the slice of the paho client the bridge publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Bridge connects the controller to MQTT.
type Bridge struct {
	client pahomqtt.Client
	pub    publisher
	ctl    Controller
	cfg    Config
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
}

func newBridge(ctl Controller, pub publisher, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "zwave"
	}
	return &Bridge{
		pub:    pub,
		ctl:    ctl,
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctl, nil, cfg, logger)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zwave-go-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishSnapshot()
			b.subscribeCommands(c)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.pub = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start relays controller events to the broker.
func (b *Bridge) Start() {
	b.unsub = b.ctl.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.cfg.TopicPrefix)
}

// Stop publishes the offline state and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) topic(suffix string) string {
	return b.cfg.TopicPrefix + "/" + suffix
}

func nodeTopic(id uint16) string {
	return "nodes/" + strconv.Itoa(int(id))
}

func (b *Bridge) handleEvent(event controller.Event) {
	b.publish(b.topic("events/"+event.Type), mustJSON(event), false)

	switch data := event.Data.(type) {
	case controller.StatusData:
		b.publishControllerState()
	case controller.NodeAddedData:
		b.publishNode(data.NodeID)
	case controller.NodeRemovedData:
		b.clearNode(data.NodeID)
	case controller.GrantRequestedData, controller.DSKRequestedData, controller.BootstrapAbortedData:
		b.publishPrompts()
	}
}

// publishSnapshot publishes every retained topic from scratch.
func (b *Bridge) publishSnapshot() {
	b.publishControllerState()
	b.publishPrompts()
	b.PublishProvisioning()
	if b.cfg.DiscoveryPrefix != "" {
		for _, msg := range buildControllerDiscovery(b.cfg.DiscoveryPrefix, b.cfg.TopicPrefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}

	nodes, err := b.ctl.Nodes()
	if err != nil {
		b.logger.Error("list nodes for snapshot", "err", err)
		return
	}
	for _, n := range nodes {
		b.publishNodeState(n)
	}
}

type controllerState struct {
	State             controller.StateKind `json:"state"`
	BootstrappingNode uint16               `json:"bootstrapping_node,omitempty"`
}

func (b *Bridge) publishControllerState() {
	b.publish(b.topic("controller/state"), mustJSON(controllerState{
		State:             b.ctl.State(),
		BootstrappingNode: b.ctl.BootstrappingNode(),
	}), true)
}

func (b *Bridge) publishPrompts() {
	pending := b.ctl.Prompter().Pending()
	if pending == nil {
		pending = []controller.PendingPrompt{}
	}
	b.publish(b.topic("prompts"), mustJSON(pending), true)
}

// PublishProvisioning publishes the provisioning list. It is meant to be
// registered as a provisioning.List change listener.
func (b *Bridge) PublishProvisioning() {
	entries := b.ctl.GetProvisioningEntries()
	if entries == nil {
		entries = []provisioning.Entry{}
	}
	b.publish(b.topic("provisioning"), mustJSON(entries), true)
}

// nodeState is the retained per-node payload.
type nodeState struct {
	ID           uint16 `json:"id"`
	Name         string `json:"name,omitempty"`
	IsController bool   `json:"is_controller"`
	HighestClass string `json:"highest_class"`
	LowSecurity  bool   `json:"low_security"`
	Interviewed  bool   `json:"interviewed"`
	DSK          string `json:"dsk,omitempty"`
}

func toNodeState(n *store.Node) nodeState {
	return nodeState{
		ID:           n.ID,
		Name:         n.FriendlyName,
		IsController: n.IsController,
		HighestClass: n.HighestClass().String(),
		LowSecurity:  n.LowSecurity,
		Interviewed:  n.Interviewed,
		DSK:          n.DSK,
	}
}

func (b *Bridge) publishNode(id uint16) {
	n, err := b.ctl.Node(id)
	if err != nil {
		b.logger.Warn("added node not in store", "node", id, "err", err)
		return
	}
	b.publishNodeState(n)
}

func (b *Bridge) publishNodeState(n *store.Node) {
	b.publish(b.topic(nodeTopic(n.ID)), mustJSON(toNodeState(n)), true)
	if b.cfg.DiscoveryPrefix != "" && !n.IsController {
		for _, msg := range buildNodeDiscovery(n, b.cfg.DiscoveryPrefix, b.cfg.TopicPrefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
}

// clearNode removes the retained messages of a node that left.
func (b *Bridge) clearNode(id uint16) {
	b.publish(b.topic(nodeTopic(id)), []byte{}, true)
	if b.cfg.DiscoveryPrefix != "" {
		for _, msg := range buildRemoveNodeDiscovery(id, b.cfg.DiscoveryPrefix, b.cfg.TopicPrefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topic("bridge/state"), []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.pub == nil {
		return
	}
	token := b.pub.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
