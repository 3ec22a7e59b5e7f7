package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timzifer/fumewatch/runtime/alerts"
	"github.com/timzifer/fumewatch/runtime/commands"
	"github.com/timzifer/fumewatch/runtime/registers"
	"github.com/timzifer/fumewatch/runtime/state"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	powerOn  = "ON"
	powerOff = "OFF"

	linkOnline     = "online"
	linkOffline    = "offline"
	linkConnecting = "connecting"
)

var errUnsupportedPayload = errors.New("mqtt: unsupported command payload")

// topics lists every topic of one bridge below its prefix.
type topics struct {
	prefix       string
	availability string
	state        string
	events       string
	alerts       string
	powerSet     string
	flowSet      string
	registerSet  string
}

func newTopics(prefix string) topics {
	prefix = strings.Trim(prefix, "/")
	return topics{
		prefix:       prefix,
		availability: prefix + "/availability",
		state:        prefix + "/state",
		events:       prefix + "/events",
		alerts:       prefix + "/alerts",
		powerSet:     prefix + "/power/set",
		flowSet:      prefix + "/target_flow/set",
		registerSet:  prefix + "/registers/+/set",
	}
}

func (t topics) registerCommand(key string) string {
	return t.prefix + "/registers/" + key + "/set"
}

// registerKey extracts the register key of a prefix/registers/<key>/set topic.
func (t topics) registerKey(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/registers/")
	if !ok {
		return "", false
	}
	key, ok := strings.CutSuffix(rest, "/set")
	if !ok || key == "" || strings.Contains(key, "/") {
		return "", false
	}
	return key, true
}

// statePayload is the document published on the state topic. Values hold what a display
// shows, so a pending write appears with its requested value.
type statePayload struct {
	Model               string             `json:"model"`
	Power               string             `json:"power,omitempty"`
	ReadOnly            bool               `json:"read_only"`
	Link                string             `json:"link"`
	ConsecutiveFailures uint32             `json:"consecutive_failures"`
	LastError           string             `json:"last_error,omitempty"`
	Values              map[string]float64 `json:"values"`
	Pending             []string           `json:"pending,omitempty"`
	Stale               []string           `json:"stale,omitempty"`
}

func newStatePayload(snap *state.Snapshot, disconnected bool) statePayload {
	payload := statePayload{
		Model:               snap.Model,
		ReadOnly:            snap.ReadOnly,
		Link:                linkOnline,
		ConsecutiveFailures: snap.Link.ConsecutiveFailures,
		LastError:           snap.Link.LastError,
		Values:              snap.Values(),
	}
	switch {
	case disconnected:
		payload.Link = linkOffline
	case !snap.Link.HasSucceeded():
		payload.Link = linkConnecting
	}
	for _, reg := range snap.Registers() {
		if reg.Pending {
			payload.Pending = append(payload.Pending, reg.Key)
		}
		if reg.Stale {
			payload.Stale = append(payload.Stale, reg.Key)
		}
		if reg.Key == registers.KeyState {
			if value, ok := reg.Displayed(); ok {
				payload.Power = powerOff
				if value.IntPart() == registers.StateOn {
					payload.Power = powerOn
				}
			}
		}
	}
	return payload
}

type eventPayload struct {
	ID       string    `json:"id"`
	Origin   string    `json:"origin,omitempty"`
	Register string    `json:"register,omitempty"`
	Target   uint16    `json:"target"`
	Value    string    `json:"value"`
	Outcome  string    `json:"outcome"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

func newEventPayload(ev commands.Event) eventPayload {
	return eventPayload{
		ID:       ev.Command.ID,
		Origin:   ev.Command.Origin,
		Register: ev.Register,
		Target:   ev.Command.Target,
		Value:    ev.Command.Value.String(),
		Outcome:  ev.Outcome.String(),
		Message:  ev.Message(),
		At:       ev.At,
	}
}

// alertList never encodes as null, so subscribers can tell "no alerts" from "unknown".
func alertList(active []alerts.Alert) []alerts.Alert {
	if active == nil {
		return []alerts.Alert{}
	}
	return active
}

// parsePower accepts ON, OFF and TOGGLE as well as common boolean spellings.
func parsePower(raw []byte) (on bool, toggle bool, err error) {
	switch strings.ToUpper(strings.TrimSpace(string(raw))) {
	case "ON", "1", "TRUE":
		return true, false, nil
	case "OFF", "0", "FALSE":
		return false, false, nil
	case "TOGGLE":
		return false, true, nil
	default:
		return false, false, fmt.Errorf("%w: %q", errUnsupportedPayload, string(raw))
	}
}

func parseNumber(raw []byte) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(string(raw)))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", errUnsupportedPayload, string(raw))
	}
	return value, nil
}
