//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"github.com/halkeye/aioasuswrt/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/device_tracker/router_01_02_.../config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	Model       string   `json:"model,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	PayloadHome         string   `json:"payload_home,omitempty"`
	PayloadNotHome      string   `json:"payload_not_home,omitempty"`
	SourceType          string   `json:"source_type,omitempty"`
	Icon                string   `json:"icon,omitempty"`
	Device              haDevice `json:"device"`
}

// sanitizeTopic keeps only characters safe for MQTT topics and HA
// object ids.
func sanitizeTopic(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

// deviceIdentifier returns the unique identifier for the HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "router_" + sanitizeTopic(dev.MAC)
}

// deviceTopicName returns the topic name for a device (friendly name or MAC).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return sanitizeTopic(dev.FriendlyName)
	}
	return sanitizeTopic(dev.MAC)
}

// buildDeviceDiscovery generates the device_tracker discovery message
// for one network client.
func buildDeviceDiscovery(dev *store.Device, prefix string) discoveryMsg {
	nodeID := deviceIdentifier(dev)
	stateTopic := prefix + "/" + deviceTopicName(dev)

	payload := haDiscovery{
		Name:                dev.DisplayName(),
		UniqueID:            nodeID,
		StateTopic:          stateTopic + "/state",
		AvailabilityTopic:   prefix + "/bridge/state",
		JSONAttributesTopic: stateTopic + "/attributes",
		PayloadHome:         "home",
		PayloadNotHome:      "not_home",
		SourceType:          "router",
		Device: haDevice{
			Identifiers: []string{nodeID},
			Name:        dev.DisplayName(),
		},
	}
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/device_tracker/%s/config", nodeID),
		Payload: mustJSON(payload),
	}
}

// buildRateSensors generates discovery for the download and upload
// rate sensors attached to the bridge device.
func buildRateSensors(prefix string) []discoveryMsg {
	bridgeDev := haDevice{
		Identifiers: []string{prefix + "_bridge"},
		Name:        "Router Tracker",
		Model:       "asuswrt",
	}
	avail := prefix + "/bridge/state"
	ratesTopic := prefix + "/bridge/rates"

	var msgs []discoveryMsg
	for _, s := range []struct{ objectID, name, tmpl string }{
		{"download_rate", "Download Rate", "{{ value_json.rx }}"},
		{"upload_rate", "Upload Rate", "{{ value_json.tx }}"},
	} {
		payload := haDiscovery{
			Name:              s.name,
			UniqueID:          prefix + "_bridge_" + s.objectID,
			StateTopic:        ratesTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     s.tmpl,
			UnitOfMeasurement: "B/s",
			DeviceClass:       "data_rate",
			StateClass:        "measurement",
			Device:            bridgeDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/sensor/%s_bridge/%s/config", prefix, s.objectID),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates an empty retained message to remove a
// device from HA.
func buildRemoveDiscovery(dev *store.Device) []discoveryMsg {
	nodeID := deviceIdentifier(dev)
	return []discoveryMsg{{
		Topic:   fmt.Sprintf("homeassistant/device_tracker/%s/config", nodeID),
		Payload: nil, // empty retained = delete
	}}
}
