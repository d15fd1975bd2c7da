package registers

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenInputExpander/internal/types"
)

func encodeU8(v uint8) []byte {
	return []byte{v}
}

func encodeU16(values ...uint16) []byte {
	buf := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	return buf
}

func encodeS16(v int16) []byte {
	return encodeU16(uint16(v))
}

func decodeU8(payload []byte) uint8 {
	return payload[0]
}

func decodeU16(payload []byte) uint16 {
	return binary.LittleEndian.Uint16(payload)
}

// EncodeValues converts numeric values into a little-endian payload of type t.
// Values must be integral (except for Float) and fit the element type.
func EncodeValues(t types.PayloadType, values []float64) ([]byte, error) {
	size := t.Size()
	if !t.Valid() || size == 0 {
		return nil, fmt.Errorf("unsupported payload type: %s", t)
	}

	buf := make([]byte, size*len(values))
	for i, v := range values {
		out := buf[i*size : (i+1)*size]

		if t.Base() == types.PayloadFloat {
			binary.LittleEndian.PutUint32(out, math.Float32bits(float32(v)))
			continue
		}

		if v != math.Trunc(v) {
			return nil, fmt.Errorf("%w: value %v at index %d is not an integer", types.ErrInvalidValue, v, i)
		}

		lo, hi := valueRange(t)
		if v < lo || v > hi {
			return nil, fmt.Errorf("%w: value %v at index %d out of range for %s", types.ErrInvalidValue, v, i, t)
		}

		var raw uint64
		if t.Signed() {
			raw = uint64(int64(v))
		} else {
			raw = uint64(v)
		}

		switch size {
		case 1:
			out[0] = uint8(raw)
		case 2:
			binary.LittleEndian.PutUint16(out, uint16(raw))
		case 4:
			binary.LittleEndian.PutUint32(out, uint32(raw))
		case 8:
			binary.LittleEndian.PutUint64(out, raw)
		}
	}

	return buf, nil
}

// EncodeWrite builds the payload of a write to address. Address, type,
// element count and access are checked in the same order Bank.Write uses,
// so a bad request is rejected for the first thing that is wrong with it
// rather than for an unencodable value.
func EncodeWrite(address uint8, t types.PayloadType, values []float64) ([]byte, error) {
	def, err := lookup(address)
	if err != nil {
		return nil, err
	}
	if def.Type != t {
		return nil, types.Rejected(address, types.ErrTypeMismatch)
	}
	if def.Elements != len(values) {
		return nil, types.Rejected(address, types.ErrElementCountMismatch)
	}
	if def.Access == types.AccessTypeReadOnly {
		return nil, types.Rejected(address, types.ErrReadOnly)
	}

	payload, err := EncodeValues(t, values)
	if err != nil {
		return nil, types.Rejected(address, err)
	}
	return payload, nil
}

// DecodeValues is the inverse of EncodeValues.
func DecodeValues(t types.PayloadType, payload []byte) ([]float64, error) {
	size := t.Size()
	if !t.Valid() || size == 0 {
		return nil, fmt.Errorf("unsupported payload type: %s", t)
	}
	if len(payload)%size != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of %d", len(payload), size)
	}

	values := make([]float64, 0, len(payload)/size)
	for off := 0; off < len(payload); off += size {
		in := payload[off : off+size]

		if t.Base() == types.PayloadFloat {
			values = append(values, float64(math.Float32frombits(binary.LittleEndian.Uint32(in))))
			continue
		}

		switch t.Base() {
		case types.PayloadU8:
			values = append(values, float64(in[0]))
		case types.PayloadS8:
			values = append(values, float64(int8(in[0])))
		case types.PayloadU16:
			values = append(values, float64(binary.LittleEndian.Uint16(in)))
		case types.PayloadS16:
			values = append(values, float64(int16(binary.LittleEndian.Uint16(in))))
		case types.PayloadU32:
			values = append(values, float64(binary.LittleEndian.Uint32(in)))
		case types.PayloadS32:
			values = append(values, float64(int32(binary.LittleEndian.Uint32(in))))
		case types.PayloadU64:
			values = append(values, float64(binary.LittleEndian.Uint64(in)))
		case types.PayloadS64:
			values = append(values, float64(int64(binary.LittleEndian.Uint64(in))))
		}
	}

	return values, nil
}

func valueRange(t types.PayloadType) (float64, float64) {
	bits := uint(t.Size() * 8)
	if t.Signed() {
		return -math.Exp2(float64(bits - 1)), math.Exp2(float64(bits-1)) - 1
	}
	return 0, math.Exp2(float64(bits)) - 1
}
