package engine

import (
	"strconv"
	"strings"
)

// ReplyID extracts the machine-readable reply id from a channel payload.
// It understands interactive button/list replies, template quick replies and a
// flat "reply_id" key (simulator). A bare "id" is the provider's message id and
// never a reply.
func ReplyID(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if inter, ok := payload["interactive"].(map[string]interface{}); ok {
		for _, key := range []string{"button_reply", "list_reply"} {
			if reply, ok := inter[key].(map[string]interface{}); ok {
				if id := stringValue(reply["id"]); id != "" {
					return id
				}
			}
		}
	}
	if btn, ok := payload["button"].(map[string]interface{}); ok {
		if id := stringValue(btn["payload"]); id != "" {
			return id
		}
	}
	return stringValue(payload["reply_id"])
}

// ReplyTitle extracts the human-readable title of a reply, if any.
func ReplyTitle(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if inter, ok := payload["interactive"].(map[string]interface{}); ok {
		for _, key := range []string{"button_reply", "list_reply"} {
			if reply, ok := inter[key].(map[string]interface{}); ok {
				if t := stringValue(reply["title"]); t != "" {
					return t
				}
			}
		}
	}
	if btn, ok := payload["button"].(map[string]interface{}); ok {
		if t := stringValue(btn["text"]); t != "" {
			return t
		}
	}
	return stringValue(payload["reply_title"])
}

// Location is a shared position.
type Location struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ExtractLocation reads a location from either a nested "location" object or
// flat latitude/longitude keys.
func ExtractLocation(payload map[string]interface{}) (*Location, bool) {
	if payload == nil {
		return nil, false
	}
	src := payload
	if loc, ok := payload["location"].(map[string]interface{}); ok {
		src = loc
	}
	lat, ok1 := floatValue(src["latitude"])
	lng, ok2 := floatValue(src["longitude"])
	if !ok1 || !ok2 {
		return nil, false
	}
	return &Location{
		Latitude:  lat,
		Longitude: lng,
		Name:      stringValue(src["name"]),
		Address:   stringValue(src["address"]),
	}, true
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	}
	return ""
}

func floatValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
