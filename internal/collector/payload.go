package collector

import (
	"bytes"
	"encoding/json"
	"sort"
)

// decode unmarshals a JSON payload keeping numbers exact.
func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

// flatten walks a decoded JSON object and emits every scalar leaf with its
// dotted path. Keys in skip are ignored at the top level only.
func flatten(prefix string, obj map[string]any, skip map[string]bool, emit func(name string, v any)) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if prefix == "" && skip[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch v := obj[k].(type) {
		case map[string]any:
			flatten(name, v, nil, emit)
		case []any:
			// arrays carry no stable name
		default:
			emit(name, v)
		}
	}
}

// seriesPayload is the {timeUnit, unit, values[]} shape shared by the energy
// and power endpoints.
type seriesPayload struct {
	TimeUnit string `json:"timeUnit"`
	Unit     string `json:"unit"`
	Values   []struct {
		Date  string       `json:"date"`
		Value *json.Number `json:"value"`
	} `json:"values"`
}
