package tgui

import "strings"

// Data formats inline callback data as "namespace:action:payload".
// Payload is kept as-is (no escaping). The result is rejected when it
// exceeds Telegram's callback_data limit.
func Data(ns, action, payload string) (string, error) {
	ns = strings.TrimSpace(ns)
	action = strings.TrimSpace(action)
	s := ns + ":" + action
	if payload != "" {
		s += ":" + payload
	}
	if len(s) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return s, nil
}

// Callback is parsed callback data.
type Callback struct {
	NS      string
	Action  string
	Payload string
}

// ParseData splits "namespace:action[:payload]". The payload may itself
// contain colons.
func ParseData(data string) (Callback, bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Callback{}, false
	}
	cb := Callback{NS: parts[0], Action: parts[1]}
	if len(parts) == 3 {
		cb.Payload = parts[2]
	}
	return cb, true
}
