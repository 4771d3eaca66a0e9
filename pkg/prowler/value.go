package prowler

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"memscope/pkg/pointer"
)

// Expression parses expr as a value of type dt and returns its
// little-endian encoding.
func (p *Prowler) Expression(expr string, dt pointer.DataType) ([]byte, error) {
	size := p.sizeOf(dt)
	buf := make([]byte, 8)

	switch dt {
	case pointer.Int8, pointer.Int16, pointer.Int32, pointer.Int64:
		v, err := strconv.ParseInt(expr, 0, size*8)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(buf, uint64(v))
	case pointer.UInt8, pointer.UInt16, pointer.UInt32, pointer.UInt64, pointer.Ptr:
		v, err := strconv.ParseUint(expr, 0, size*8)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(buf, v)
	case pointer.Single:
		v, err := strconv.ParseFloat(expr, 32)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
	case pointer.Double:
		v, err := strconv.ParseFloat(expr, 64)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	default:
		return nil, fmt.Errorf("unknown data type %q", dt)
	}

	return buf[:size], nil
}

// Format renders a little-endian value of type dt.
func (p *Prowler) Format(bs []byte, dt pointer.DataType) (string, error) {
	size := p.sizeOf(dt)
	if len(bs) < size {
		return "", fmt.Errorf("need %d bytes for %s, have %d", size, dt, len(bs))
	}
	raw := make([]byte, 8)
	copy(raw, bs[:size])
	u := binary.LittleEndian.Uint64(raw)

	switch dt {
	case pointer.Int8:
		return strconv.FormatInt(int64(int8(u)), 10), nil
	case pointer.Int16:
		return strconv.FormatInt(int64(int16(u)), 10), nil
	case pointer.Int32:
		return strconv.FormatInt(int64(int32(u)), 10), nil
	case pointer.Int64:
		return strconv.FormatInt(int64(u), 10), nil
	case pointer.UInt8, pointer.UInt16, pointer.UInt32, pointer.UInt64:
		return strconv.FormatUint(u, 10), nil
	case pointer.Ptr:
		return fmt.Sprintf("%#x", u), nil
	case pointer.Single:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(u))), 'g', -1, 32), nil
	case pointer.Double:
		return strconv.FormatFloat(math.Float64frombits(u), 'g', -1, 64), nil
	}
	return "", fmt.Errorf("unknown data type %q", dt)
}

// Get reads the value of type dt stored at addr.
func (p *Prowler) Get(addr uint64, dt pointer.DataType) (string, error) {
	bs := make([]byte, p.sizeOf(dt))
	if _, err := p.ReadMemory(bs, addr); err != nil {
		return "", err
	}
	return p.Format(bs, dt)
}

// Set writes value, parsed as dt, at addr.
func (p *Prowler) Set(addr uint64, dt pointer.DataType, value string) error {
	bs, err := p.Expression(value, dt)
	if err != nil {
		return err
	}
	_, err = p.WriteMemory(addr, bs)
	return err
}

// DataType is the value type configured for the forest.
func (p *Prowler) DataType() pointer.DataType {
	return p.dataType
}

func (p *Prowler) sizeOf(dt pointer.DataType) int {
	if dt == pointer.Ptr {
		return p.bitness.PtrSize()
	}
	return dt.Size()
}
