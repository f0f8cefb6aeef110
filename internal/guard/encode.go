package guard

import "encoding/json"

// Encode renders a payload as the text that goes on the wire. Textual payloads
// pass through untouched; everything else is JSON-encoded. Deterministic for a
// given payload, so decoding the transmitted text reproduces the original
// structure.
func Encode(payload any) (string, error) {
	switch v := payload.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
