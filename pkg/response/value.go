package response

import (
	"bytes"
	"strconv"

	"github.com/goccy/go-json"
)

// Unavailable is the marker written for values no stage produced.
const Unavailable = "unavailable"

var unavailableJSON = []byte(`"` + Unavailable + `"`)

// Value is a measured number or an explicit absence. It marshals to a JSON
// number when available and to "unavailable" otherwise, never to 0.
type Value struct {
	Available bool
	Value     float64
}

func Measured(v float64) Value { return Value{Available: true, Value: v} }

func (v Value) String() string {
	if !v.Available {
		return Unavailable
	}
	return strconv.FormatFloat(v.Value, 'f', 4, 64)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Available {
		return unavailableJSON, nil
	}
	return json.Marshal(v.Value)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), unavailableJSON) {
		*v = Value{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = Measured(f)
	return nil
}

// Label is a string counterpart of Value.
type Label struct {
	Available bool
	Value     string
}

func (l Label) String() string {
	if !l.Available {
		return Unavailable
	}
	return l.Value
}

func (l Label) MarshalJSON() ([]byte, error) {
	if !l.Available {
		return unavailableJSON, nil
	}
	return json.Marshal(l.Value)
}

func (l *Label) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == Unavailable {
		*l = Label{}
		return nil
	}
	*l = Label{Available: true, Value: s}
	return nil
}
