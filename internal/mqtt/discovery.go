//go:build !no_mqtt

package mqtt

import (
	"strconv"

	"zwave-go-home/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/zwave_node_5/security/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	Model       string   `json:"model,omitempty"`
	ViaDevice   string   `json:"via_device,omitempty"`
}

type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

const controllerIdentifier = "zwave_controller"

func nodeIdentifier(id uint16) string {
	return "zwave_node_" + strconv.Itoa(int(id))
}

func nodeDisplayName(n *store.Node) string {
	if n.FriendlyName != "" {
		return n.FriendlyName
	}
	return "Z-Wave node " + strconv.Itoa(int(n.ID))
}

func controllerDevice(topicPrefix string) haDevice {
	return haDevice{
		Identifiers: []string{controllerIdentifier + "_" + topicPrefix},
		Name:        "Z-Wave controller",
		Model:       "zwave-go-home",
	}
}

// buildControllerDiscovery describes the controller itself: its inclusion
// state and buttons for the inclusion and exclusion commands.
func buildControllerDiscovery(discoveryPrefix, topicPrefix string) []discoveryMsg {
	dev := controllerDevice(topicPrefix)
	avail := topicPrefix + "/bridge/state"
	id := dev.Identifiers[0]

	msgs := []discoveryMsg{{
		Topic: discoveryPrefix + "/sensor/" + id + "/state/config",
		Payload: mustJSON(haDiscovery{
			Name:              "Inclusion state",
			UniqueID:          id + "_state",
			StateTopic:        topicPrefix + "/controller/state",
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ value_json.state }}",
			Icon:              "mdi:z-wave",
			Device:            dev,
		}),
	}}

	buttons := []struct{ key, name, cmd string }{
		{"include", "Start inclusion", "inclusion/start"},
		{"stop_include", "Stop inclusion", "inclusion/stop"},
		{"exclude", "Start exclusion", "exclusion/start"},
		{"stop_exclude", "Stop exclusion", "exclusion/stop"},
		{"cancel_bootstrap", "Cancel security bootstrap", "bootstrap/cancel"},
	}
	for _, btn := range buttons {
		msgs = append(msgs, discoveryMsg{
			Topic: discoveryPrefix + "/button/" + id + "/" + btn.key + "/config",
			Payload: mustJSON(haDiscovery{
				Name:              btn.name,
				UniqueID:          id + "_" + btn.key,
				CommandTopic:      topicPrefix + "/cmd/" + btn.cmd,
				AvailabilityTopic: avail,
				PayloadPress:      "{}",
				EntityCategory:    "config",
				Device:            dev,
			}),
		})
	}
	return msgs
}

// buildNodeDiscovery describes a node's security outcome.
func buildNodeDiscovery(n *store.Node, discoveryPrefix, topicPrefix string) []discoveryMsg {
	id := nodeIdentifier(n.ID)
	dev := haDevice{
		Identifiers: []string{id},
		Name:        nodeDisplayName(n),
		ViaDevice:   controllerIdentifier + "_" + topicPrefix,
	}
	state := topicPrefix + "/" + nodeTopic(n.ID)
	avail := topicPrefix + "/bridge/state"

	return []discoveryMsg{
		{
			Topic: discoveryPrefix + "/sensor/" + id + "/security/config",
			Payload: mustJSON(haDiscovery{
				Name:              "Security class",
				UniqueID:          id + "_security",
				StateTopic:        state,
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json.highest_class }}",
				EntityCategory:    "diagnostic",
				Icon:              "mdi:shield-lock",
				Device:            dev,
			}),
		},
		{
			Topic: discoveryPrefix + "/binary_sensor/" + id + "/low_security/config",
			Payload: mustJSON(haDiscovery{
				Name:              "Low security",
				UniqueID:          id + "_low_security",
				StateTopic:        state,
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json.low_security }}",
				PayloadOn:         "True",
				PayloadOff:        "False",
				DeviceClass:       "problem",
				EntityCategory:    "diagnostic",
				Device:            dev,
			}),
		},
	}
}

// buildRemoveNodeDiscovery clears what buildNodeDiscovery published.
func buildRemoveNodeDiscovery(id uint16, discoveryPrefix, topicPrefix string) []discoveryMsg {
	msgs := buildNodeDiscovery(&store.Node{ID: id}, discoveryPrefix, topicPrefix)
	for i := range msgs {
		msgs[i].Payload = []byte{}
	}
	return msgs
}
