package store

import (
	"encoding/json"

	"agentium/internal/types"
)

// JSON column helpers. Malformed stored JSON degrades to the zero
// value rather than failing the read.

func marshalJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func jsonUnmarshal(s string, v interface{}) error {
	return json.Unmarshal([]byte(s), v)
}

func unmarshalStrings(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func marshalCapSet(set types.CapabilitySet) string {
	caps := make([]string, 0, len(set))
	for c := range set {
		caps = append(caps, string(c))
	}
	return marshalJSON(caps)
}

func unmarshalCapSet(s string) types.CapabilitySet {
	set := types.NewCapabilitySet()
	for _, c := range unmarshalStrings(s) {
		set.Add(types.Capability(c))
	}
	return set
}
