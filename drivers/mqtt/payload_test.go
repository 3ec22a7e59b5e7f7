package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timzifer/fumewatch/internal/config"
	"github.com/timzifer/fumewatch/runtime/registers"
	"github.com/timzifer/fumewatch/runtime/state"
)

func TestRegisterKeyFromTopic(t *testing.T) {
	tp := newTopics("/shop/extractor/")
	cases := map[string]string{
		"shop/extractor/registers/p_limit/set": "p_limit",
		"shop/extractor/registers//set":        "",
		"shop/extractor/registers/a/b/set":     "",
		"shop/extractor/power/set":             "",
		"other/registers/p_limit/set":          "",
	}
	for topic, want := range cases {
		got, ok := tp.registerKey(topic)
		if got != want || ok != (want != "") {
			t.Fatalf("%s: expected %q, got %q (%v)", topic, want, got, ok)
		}
	}
	if tp.registerCommand("beeper") != "shop/extractor/registers/beeper/set" {
		t.Fatalf("unexpected command topic %s", tp.registerCommand("beeper"))
	}
}

func TestParsePower(t *testing.T) {
	for raw, want := range map[string][2]bool{
		"ON": {true, false}, " off ": {false, false}, "1": {true, false},
		"false": {false, false}, "toggle": {false, true},
	} {
		on, toggle, err := parsePower([]byte(raw))
		if err != nil || on != want[0] || toggle != want[1] {
			t.Fatalf("%q: got on=%v toggle=%v err=%v", raw, on, toggle, err)
		}
	}
	if _, _, err := parsePower([]byte("maybe")); !errors.Is(err, errUnsupportedPayload) {
		t.Fatalf("expected unsupported payload, got %v", err)
	}
	if _, err := parseNumber([]byte("12.5")); err != nil {
		t.Fatalf("parse number: %v", err)
	}
}

func TestStatePayloadReflectsLinkAndMarks(t *testing.T) {
	m, err := registers.Build(config.DeviceConfig{Model: config.DefaultModel}, nil)
	if err != nil {
		t.Fatalf("build register map: %v", err)
	}
	store := state.NewStore(m, true)

	doc := newStatePayload(store.Snapshot(), false)
	if doc.Link != linkConnecting || doc.Power != "" || !doc.ReadOnly {
		t.Fatalf("unexpected initial payload %+v", doc)
	}

	store.ApplyRead(1, registers.AddrState, []uint16{registers.StateOff, 10}, time.Now())
	if err := store.SetPending(registers.AddrTargetFlow, decimal.NewFromInt(12), "c1"); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	store.MarkStale(registers.AddrState)
	doc = newStatePayload(store.Snapshot(), true)
	if doc.Link != linkOffline || doc.Power != powerOff {
		t.Fatalf("unexpected payload %+v", doc)
	}
	if doc.Values[registers.KeyTargetFlow] != 12 {
		t.Fatalf("expected pending target 12, got %v", doc.Values[registers.KeyTargetFlow])
	}
	if strings.Join(doc.Pending, ",") != registers.KeyTargetFlow || strings.Join(doc.Stale, ",") != registers.KeyState {
		t.Fatalf("unexpected marks pending=%v stale=%v", doc.Pending, doc.Stale)
	}
}

func TestDiscoveryMessages(t *testing.T) {
	m, err := registers.Build(config.DeviceConfig{Model: config.DefaultModel}, nil)
	if err != nil {
		t.Fatalf("build register map: %v", err)
	}
	cfg := config.Default().MQTT
	cfg.HomeAssistant.Enabled = true
	msgs, err := discoveryMessages(cfg, m, newTopics(cfg.TopicPrefix))
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	if len(msgs) != len(m.Descriptors())+1 {
		t.Fatalf("expected one entity per register plus link, got %d", len(msgs))
	}

	byTopic := make(map[string]map[string]any, len(msgs))
	for _, msg := range msgs {
		var payload map[string]any
		if err := json.Unmarshal(msg.payload, &payload); err != nil {
			t.Fatalf("decode %s: %v", msg.topic, err)
		}
		byTopic[msg.topic] = payload
	}
	power := byTopic["homeassistant/switch/fumewatch_2/state/config"]
	if power == nil || power["command_topic"] != "fumewatch/power/set" {
		t.Fatalf("unexpected power entity %v", power)
	}
	flow := byTopic["homeassistant/sensor/fumewatch_2/real_flow/config"]
	if flow == nil || flow["value_template"] != "{{ value_json['values']['real_flow'] }}" {
		t.Fatalf("unexpected flow sensor %v", flow)
	}
	calibration := byTopic["homeassistant/number/fumewatch_2/calibration/config"]
	if calibration == nil || calibration["step"] != 0.01 {
		t.Fatalf("unexpected calibration entity %v", calibration)
	}
	if byTopic["homeassistant/binary_sensor/fumewatch_2/link/config"] == nil {
		t.Fatal("expected link connectivity sensor")
	}
}
