package avion

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Canonical property names reported by Halo fixtures.
const (
	PropOnOff = "on_off"
	PropDim   = "dim"
	PropWhite = "white"
)

// Factory white channel range of HALO Home downlights.
const (
	DefaultMinKelvin = 2700
	DefaultMaxKelvin = 5000
)

// OnOff builds an on_off write ("[1]" / "[0]").
func OnOff(on bool) Property {
	v := 0
	if on {
		v = 1
	}
	return Property{Name: PropOnOff, Value: arrayValue(v)}
}

// Dim builds a dim write (0-255) in the array-string encoding.
func Dim(level uint8) Property {
	return Property{Name: PropDim, Value: arrayValue(int(level))}
}

// White builds a color temperature write. The cloud expects the bare kelvin
// number here, not the array-string form used by on_off and dim.
func White(kelvin int) Property {
	return Property{Name: PropWhite, Value: json.RawMessage(strconv.Itoa(kelvin))}
}

// arrayValue encodes n as the JSON string "[n]".
func arrayValue(n int) json.RawMessage {
	b, _ := json.Marshal(fmt.Sprintf("[%d]", n))
	return json.RawMessage(b)
}

// firstNumber extracts the leading numeric element of a state value. The
// cloud serves the string-wrapped array form ("[128]"); bare arrays and bare
// numbers also occur on write echoes.
func firstNumber(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("empty value")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	var arr []float64
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return 0, fmt.Errorf("empty array value")
		}
		return arr[0], nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	return 0, fmt.Errorf("unsupported value %q", raw)
}

// humanizedInt parses the humanized field, which arrives as a numeric
// string ("5000") or a bare number depending on the endpoint.
func humanizedInt(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("no humanized value")
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("unsupported humanized value %q", raw)
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("humanized %q: %w", s, err)
	}
	return v, nil
}

// ParseState decodes a raw property list into canonical typed values:
// on_off bool, dim int (0-255), white int (kelvin). Unknown or undecodable
// properties are skipped.
func ParseState(props []Property) map[string]any {
	out := make(map[string]any, len(props))
	for _, p := range props {
		switch p.Name {
		case PropOnOff:
			if n, err := firstNumber(p.Value); err == nil {
				out[PropOnOff] = n != 0
			}
		case PropDim:
			if n, err := firstNumber(p.Value); err == nil {
				out[PropDim] = clampInt(int(n), 0, 255)
			}
		case PropWhite:
			// White reads come back through humanized; write echoes only
			// carry the value.
			if k, err := humanizedInt(p.Humanized); err == nil {
				out[PropWhite] = k
			} else if n, err := firstNumber(p.Value); err == nil {
				out[PropWhite] = int(n)
			}
		}
	}
	return out
}

// Brightness derives the effective brightness (0-255) from decoded
// properties: an off light reports 0, and a light that is on with a stored
// dim level of 0 is at full brightness.
func Brightness(props map[string]any) uint8 {
	on, _ := props[PropOnOff].(bool)
	if !on {
		return 0
	}
	dim, ok := propInt(props, PropDim)
	if !ok || dim == 0 {
		return 255
	}
	return uint8(clampInt(dim, 0, 255))
}

// propInt reads an integer property, tolerating the float64 form that
// properties take after a JSON round trip through the store.
func propInt(props map[string]any, name string) (int, bool) {
	switch v := props[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// PropBool reads a boolean property from a decoded property map.
func PropBool(props map[string]any, name string) (bool, bool) {
	v, ok := props[name].(bool)
	return v, ok
}

// PropInt reads an integer property from a decoded property map.
func PropInt(props map[string]any, name string) (int, bool) {
	return propInt(props, name)
}

// MiredFromKelvin converts a color temperature to the mired scale used by
// MQTT light state. Matches the integer floor the fixtures expose.
func MiredFromKelvin(kelvin int) int {
	if kelvin <= 0 {
		return 0
	}
	return int(math.Floor(1000000 / float64(kelvin)))
}

// KelvinFromMired converts a mired color temperature back to kelvin.
func KelvinFromMired(mired int) int {
	if mired <= 0 {
		return 0
	}
	return int(math.Floor(1000000 / float64(mired)))
}

// ClampKelvin bounds a color temperature to the given product range.
func ClampKelvin(kelvin, min, max int) int {
	return clampInt(kelvin, min, max)
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
