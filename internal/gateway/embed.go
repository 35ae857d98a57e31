package gateway

import (
	"bytes"
	"encoding/json"

	"betapp/internal/domain"
)

var jsonNull = json.RawMessage("null")

// firstOrNull normalizes an embedded relation that the backend may return
// as an object, a one-element array, an empty array or null.
func firstOrNull(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		if len(trimmed) == 0 {
			return jsonNull
		}
		return trimmed
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil || len(items) == 0 {
		return jsonNull
	}
	return items[0]
}

func normalizeEmbeds(rows []domain.Record, keys []string) {
	if len(keys) == 0 {
		return
	}
	for _, row := range rows {
		for _, k := range keys {
			row[k] = firstOrNull(row[k])
		}
	}
}
