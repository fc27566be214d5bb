//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"blelock-home/internal/coordinator"
)

// Lock states published on the state topic. These match the Home Assistant
// MQTT lock defaults.
const (
	StateLocked   = "LOCKED"
	StateUnlocked = "UNLOCKED"
	StateJammed   = "JAMMED"

	payloadLock   = "LOCK"
	payloadUnlock = "UNLOCK"
	payloadOpen   = "OPEN"
	payloadScan   = "SCAN"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/lock/blelock_aabbccddeeff/lock/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers   []string `json:"identifiers"`
	Manufacturer  string   `json:"manufacturer,omitempty"`
	Model         string   `json:"model,omitempty"`
	Name          string   `json:"name"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	PayloadLock       string   `json:"payload_lock,omitempty"`
	PayloadUnlock     string   `json:"payload_unlock,omitempty"`
	PayloadOpen       string   `json:"payload_open,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	StateLocked       string   `json:"state_locked,omitempty"`
	StateUnlocked     string   `json:"state_unlocked,omitempty"`
	StateJammed       string   `json:"state_jammed,omitempty"`
	Optimistic        *bool    `json:"optimistic,omitempty"`
	Device            haDevice `json:"device"`
}

// lockIdentifier returns the unique identifier for the HA device registry.
func lockIdentifier(e coordinator.LockEntry) string {
	return "blelock_" + strings.ReplaceAll(e.MAC, ":", "")
}

// lockTopicName returns the topic segment for a lock: its sanitized name.
func lockTopicName(e coordinator.LockEntry) string {
	name := strings.ToLower(e.Name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// buildDiscovery generates HA discovery messages for a catalogued lock: the
// lock entity itself and a sensor carrying the last unlock result.
func buildDiscovery(e coordinator.LockEntry, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	base := prefix + "/" + lockTopicName(e)
	nodeID := lockIdentifier(e)
	optimistic := false

	haDev := haDevice{
		Identifiers:   []string{nodeID},
		Manufacturer:  "BLE lock",
		Model:         fmt.Sprintf("protocol v%d", e.ProtocolVersion),
		Name:          e.Name,
		SuggestedArea: e.Room,
	}

	lock := haDiscovery{
		Name:              e.Name,
		UniqueID:          nodeID + "_lock",
		StateTopic:        base + "/state",
		CommandTopic:      base + "/set",
		AvailabilityTopic: avail,
		PayloadLock:       payloadLock,
		PayloadUnlock:     payloadUnlock,
		PayloadOpen:       payloadOpen,
		StateLocked:       StateLocked,
		StateUnlocked:     StateUnlocked,
		StateJammed:       StateJammed,
		Optimistic:        &optimistic,
		Device:            haDev,
	}
	result := haDiscovery{
		Name:              e.Name + " Last Result",
		UniqueID:          nodeID + "_result",
		StateTopic:        base + "/result",
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.code if value_json.code else 'OK' }}",
		Icon:              "mdi:lock-clock",
		Device:            haDev,
	}

	return []discoveryMsg{
		{Topic: fmt.Sprintf("homeassistant/lock/%s/lock/config", nodeID), Payload: mustJSON(lock)},
		{Topic: fmt.Sprintf("homeassistant/sensor/%s/result/config", nodeID), Payload: mustJSON(result)},
	}
}

// buildBridgeDiscovery generates the scan button of the bridge itself.
func buildBridgeDiscovery(prefix string) discoveryMsg {
	nodeID := "blelock_bridge"
	payload := haDiscovery{
		Name:              "Scan for locks",
		UniqueID:          nodeID + "_scan",
		CommandTopic:      prefix + "/bridge/scan",
		AvailabilityTopic: prefix + "/bridge/state",
		PayloadPress:      payloadScan,
		Icon:              "mdi:bluetooth-audio",
		Device: haDevice{
			Identifiers: []string{nodeID},
			Name:        "BLE lock bridge",
		},
	}
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/button/%s/scan/config", nodeID),
		Payload: mustJSON(payload),
	}
}

// buildRemoveDiscovery generates empty retained messages to remove a lock from HA.
func buildRemoveDiscovery(e coordinator.LockEntry) []discoveryMsg {
	nodeID := lockIdentifier(e)
	return []discoveryMsg{
		{Topic: fmt.Sprintf("homeassistant/lock/%s/lock/config", nodeID)},
		{Topic: fmt.Sprintf("homeassistant/sensor/%s/result/config", nodeID)},
	}
}
