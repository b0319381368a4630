package command

import (
	"bytes"
	"sort"

	"github.com/goccy/go-json"
)

// BuildPayload encodes the device command body: "action" first, then the
// params in key order, then "correlation_id" when non-empty. A param named
// "action" or "correlation_id" is ignored.
//
//	BuildPayload("dispense_food", map[string]any{"weight": "50"}, "")
//	// {"action":"dispense_food","weight":"50"}
func BuildPayload(action string, params map[string]any, correlationID string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"action":`)
	if err := writeJSON(&buf, action); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "action" || k == "correlation_id" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		buf.WriteByte(',')
		if err := writeJSON(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSON(&buf, params[k]); err != nil {
			return nil, err
		}
	}

	if correlationID != "" {
		buf.WriteString(`,"correlation_id":`)
		if err := writeJSON(&buf, correlationID); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
