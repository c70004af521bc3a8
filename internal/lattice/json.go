package lattice

import (
	"encoding/json"
	"fmt"
	"sort"
)

// registerWire is the wire shape of a "_register" field: a value plus the
// timestamp that orders last-writer-wins merges (equal timestamps are
// tie-broken on the value).
type registerWire struct {
	Value string `json:"value"`
	Ts    int64  `json:"ts"`
}

// MarshalJSON renders Values as a flat object keyed by field name, with
// each field's wire shape determined by its suffix: a bare number for
// "_counter", a string array for "_set", {"value","ts"} for "_register".
func (v Values) MarshalJSON() ([]byte, error) {
	raw := make(map[string]json.RawMessage, len(v))
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := v[name]
		suffix, err := suffixOf(name)
		if err != nil {
			return nil, err
		}
		var encoded []byte
		switch suffix {
		case "_counter":
			encoded, err = json.Marshal(field.Counter)
		case "_set":
			members := make([]string, 0, len(field.Set))
			for m := range field.Set {
				members = append(members, m)
			}
			sort.Strings(members)
			encoded, err = json.Marshal(members)
		case "_register":
			encoded, err = json.Marshal(registerWire{Value: field.RegisterValue, Ts: field.RegisterTs})
		}
		if err != nil {
			return nil, err
		}
		raw[name] = encoded
	}
	return json.Marshal(raw)
}

// UnmarshalJSON parses Values from its flat wire object, dispatching on
// each key's suffix. An unknown suffix is a hard parse error (spec.md
// §3: "Unknown suffixes are rejected").
func (v *Values) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Values, len(raw))
	for name, enc := range raw {
		suffix, err := suffixOf(name)
		if err != nil {
			return fmt.Errorf("lattice values: %w", err)
		}
		var f Field
		switch suffix {
		case "_counter":
			if err := json.Unmarshal(enc, &f.Counter); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		case "_set":
			var members []string
			if err := json.Unmarshal(enc, &members); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
			f.Set = make(map[string]struct{}, len(members))
			for _, m := range members {
				f.Set[m] = struct{}{}
			}
		case "_register":
			var w registerWire
			if err := json.Unmarshal(enc, &w); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
			f.RegisterValue = w.Value
			f.RegisterTs = w.Ts
		}
		out[name] = f
	}
	*v = out
	return nil
}
