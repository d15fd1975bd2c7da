package types

import "fmt"

// PayloadType is the Harp payload type tag carried with every message.
type PayloadType uint8

const (
	PayloadU8    PayloadType = 0x01
	PayloadS8    PayloadType = 0x81
	PayloadU16   PayloadType = 0x02
	PayloadS16   PayloadType = 0x82
	PayloadU32   PayloadType = 0x04
	PayloadS32   PayloadType = 0x84
	PayloadU64   PayloadType = 0x08
	PayloadS64   PayloadType = 0x88
	PayloadFloat PayloadType = 0x44

	// PayloadTimestampFlag marks a payload that is preceded by a timestamp.
	PayloadTimestampFlag PayloadType = 0x10
)

// Size returns the size in bytes of one element, or 0 for unknown tags.
func (p PayloadType) Size() int {
	return int(p &^ PayloadTimestampFlag & 0x0F)
}

// Signed reports whether the element type is signed.
func (p PayloadType) Signed() bool {
	return p&0x80 != 0
}

// Base strips the timestamp flag.
func (p PayloadType) Base() PayloadType {
	return p &^ PayloadTimestampFlag
}

// Valid reports whether p (ignoring the timestamp flag) is a known tag.
func (p PayloadType) Valid() bool {
	switch p.Base() {
	case PayloadU8, PayloadS8, PayloadU16, PayloadS16, PayloadU32, PayloadS32,
		PayloadU64, PayloadS64, PayloadFloat:
		return true
	}
	return false
}

func (p PayloadType) String() string {
	switch p.Base() {
	case PayloadU8:
		return "U8"
	case PayloadS8:
		return "S8"
	case PayloadU16:
		return "U16"
	case PayloadS16:
		return "S16"
	case PayloadU32:
		return "U32"
	case PayloadS32:
		return "S32"
	case PayloadU64:
		return "U64"
	case PayloadS64:
		return "S64"
	case PayloadFloat:
		return "Float"
	default:
		return fmt.Sprintf("0x%02X", uint8(p))
	}
}

// ParsePayloadType accepts the names returned by String.
func ParsePayloadType(s string) (PayloadType, error) {
	for _, p := range []PayloadType{PayloadU8, PayloadS8, PayloadU16, PayloadS16,
		PayloadU32, PayloadS32, PayloadU64, PayloadS64, PayloadFloat} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown payload type: %s", s)
}

// MarshalText lets payload types appear by name in JSON and YAML.
func (p PayloadType) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PayloadType) UnmarshalText(text []byte) error {
	v, err := ParsePayloadType(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
