package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// BoolConverter unmarshals booleans sent as true/false, "true"/"1" strings or numbers
type BoolConverter bool

// UnmarshalJSON implements the json.Unmarshaler interface for BoolConverter
func (b *BoolConverter) UnmarshalJSON(data []byte) error {
	var directBool bool
	if err := json.Unmarshal(data, &directBool); err == nil {
		*b = BoolConverter(directBool)
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str == "" {
			*b = false
			return nil
		}
		parsed, err := strconv.ParseBool(str)
		if err != nil {
			return fmt.Errorf("invalid boolean %q: %w", str, err)
		}
		*b = BoolConverter(parsed)
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*b = BoolConverter(num != 0)
		return nil
	}

	return fmt.Errorf("invalid boolean value: %s", data)
}

// UnmarshalCBOR implements the cbor.Unmarshaler interface for BoolConverter
func (b *BoolConverter) UnmarshalCBOR(data []byte) error {
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*b = BoolConverter(x)
	case string:
		if x == "" {
			*b = false
			return nil
		}
		parsed, err := strconv.ParseBool(x)
		if err != nil {
			return fmt.Errorf("invalid boolean %q: %w", x, err)
		}
		*b = BoolConverter(parsed)
	case uint64:
		*b = x != 0
	case int64:
		*b = x != 0
	case float64:
		*b = x != 0
	default:
		return fmt.Errorf("invalid boolean value of type %T", v)
	}
	return nil
}

// MarshalJSON implements the json.Marshaler interface for BoolConverter
func (b BoolConverter) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}

// Int64Converter unmarshals integers sent either as JSON numbers or as decimal strings
type Int64Converter int64

// UnmarshalJSON implements the json.Unmarshaler interface for Int64Converter
func (n *Int64Converter) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		data = []byte(str)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", data, err)
	}
	*n = Int64Converter(v)
	return nil
}

// MarshalJSON writes the value as a quoted decimal, the way the manifest server does
func (n Int64Converter) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(n), 10))
}

// UnmarshalCBOR implements the cbor.Unmarshaler interface for Int64Converter
func (n *Int64Converter) UnmarshalCBOR(data []byte) error {
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case uint64:
		if x > math.MaxInt64 {
			return fmt.Errorf("integer %d overflows int64", x)
		}
		*n = Int64Converter(x)
	case int64:
		*n = Int64Converter(x)
	case string:
		parsed, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", x, err)
		}
		*n = Int64Converter(parsed)
	default:
		return fmt.Errorf("invalid integer value of type %T", v)
	}
	return nil
}
