package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/timzifer/fumewatch/internal/config"
	"github.com/timzifer/fumewatch/runtime/registers"
)

type discoveryMessage struct {
	topic   string
	payload []byte
}

// discoveryMessages builds one retained Home Assistant config message per register plus
// a connectivity sensor for the bus link.
func discoveryMessages(cfg config.MQTTConfig, m *registers.Map, t topics) ([]discoveryMessage, error) {
	ha := cfg.HomeAssistant
	prefix := strings.Trim(ha.DiscoveryPrefix, "/")
	if prefix == "" {
		prefix = "homeassistant"
	}
	name := ha.Name
	if name == "" {
		name = "Fume extractor"
	}
	device := map[string]any{
		"identifiers":  []string{ha.NodeID},
		"manufacturer": "Quick",
		"model":        m.Model(),
		"name":         name,
	}

	entity := func(key, label string) map[string]any {
		return map[string]any{
			"name":                  label,
			"object_id":             ha.NodeID + "_" + key,
			"unique_id":             ha.NodeID + "_" + key,
			"state_topic":           t.state,
			"availability_topic":    t.availability,
			"payload_available":     payloadOnline,
			"payload_not_available": payloadOffline,
			"device":                device,
		}
	}

	var out []discoveryMessage
	add := func(component, key string, payload map[string]any) error {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("mqtt: encode home assistant discovery for %s: %w", key, err)
		}
		out = append(out, discoveryMessage{
			topic:   fmt.Sprintf("%s/%s/%s/%s/config", prefix, component, ha.NodeID, key),
			payload: body,
		})
		return nil
	}

	for _, desc := range m.Descriptors() {
		payload := entity(desc.Key, desc.Name)
		component := "sensor"
		switch {
		case desc.Key == registers.KeyState:
			component = "switch"
			payload["command_topic"] = t.powerSet
			payload["value_template"] = "{{ value_json.power }}"
			payload["payload_on"] = powerOn
			payload["payload_off"] = powerOff
			payload["state_on"] = powerOn
			payload["state_off"] = powerOff
			payload["icon"] = "mdi:fan"
		case desc.Writable():
			component = "number"
			payload["value_template"] = valueTemplate(desc.Key)
			payload["command_topic"] = t.registerCommand(desc.Key)
			if desc.Key == registers.KeyTargetFlow {
				payload["command_topic"] = t.flowSet
			}
			if desc.Min != nil {
				payload["min"] = desc.Min.InexactFloat64()
			}
			if desc.Max != nil {
				payload["max"] = desc.Max.InexactFloat64()
			}
			if !desc.Scale.IsZero() {
				payload["step"] = desc.Scale.InexactFloat64()
			}
			payload["mode"] = "box"
		default:
			payload["value_template"] = valueTemplate(desc.Key)
			payload["state_class"] = "measurement"
		}
		if desc.Unit != "" && component != "switch" {
			payload["unit_of_measurement"] = desc.Unit
		}
		if err := add(component, desc.Key, payload); err != nil {
			return nil, err
		}
	}

	link := entity("link", "Bus link")
	link["device_class"] = "connectivity"
	link["value_template"] = "{{ value_json.link }}"
	link["payload_on"] = linkOnline
	link["payload_off"] = linkOffline
	link["entity_category"] = "diagnostic"
	if err := add("binary_sensor", "link", link); err != nil {
		return nil, err
	}
	return out, nil
}

func valueTemplate(key string) string {
	return fmt.Sprintf("{{ value_json['values']['%s'] }}", key)
}
