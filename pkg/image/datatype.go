package image

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType identifies the on-disk voxel encoding of an image file.
// Images are always held in memory as float32 in canonical layout;
// the data type only matters at the file boundary.
type DataType int

const (
	Float32LE DataType = iota
	Float32BE
	Float64LE
	Float64BE
	Int8
	UInt8
	Int16LE
	Int16BE
	UInt16LE
	UInt16BE
	Int32LE
	Int32BE
	UInt32LE
	UInt32BE
)

var dataTypeNames = map[DataType]string{
	Float32LE: "Float32LE",
	Float32BE: "Float32BE",
	Float64LE: "Float64LE",
	Float64BE: "Float64BE",
	Int8:      "Int8",
	UInt8:     "UInt8",
	Int16LE:   "Int16LE",
	Int16BE:   "Int16BE",
	UInt16LE:  "UInt16LE",
	UInt16BE:  "UInt16BE",
	Int32LE:   "Int32LE",
	Int32BE:   "Int32BE",
	UInt32LE:  "UInt32LE",
	UInt32BE:  "UInt32BE",
}

// String returns the header spelling of the data type.
func (dt DataType) String() string {
	if name, ok := dataTypeNames[dt]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(dt))
}

// ParseDataType parses a datatype specifier from an image header.
// Multi-byte specifiers without an endianness suffix are read as
// little-endian.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "Float32LE", "Float32":
		return Float32LE, nil
	case "Float32BE":
		return Float32BE, nil
	case "Float64LE", "Float64":
		return Float64LE, nil
	case "Float64BE":
		return Float64BE, nil
	case "Int8":
		return Int8, nil
	case "UInt8":
		return UInt8, nil
	case "Int16LE", "Int16":
		return Int16LE, nil
	case "Int16BE":
		return Int16BE, nil
	case "UInt16LE", "UInt16":
		return UInt16LE, nil
	case "UInt16BE":
		return UInt16BE, nil
	case "Int32LE", "Int32":
		return Int32LE, nil
	case "Int32BE":
		return Int32BE, nil
	case "UInt32LE", "UInt32":
		return UInt32LE, nil
	case "UInt32BE":
		return UInt32BE, nil
	default:
		return 0, fmt.Errorf("unsupported datatype %q", s)
	}
}

// Bytes returns the per-element size of the data type.
func (dt DataType) Bytes() int {
	switch dt {
	case Int8, UInt8:
		return 1
	case Int16LE, Int16BE, UInt16LE, UInt16BE:
		return 2
	case Float32LE, Float32BE, Int32LE, Int32BE, UInt32LE, UInt32BE:
		return 4
	case Float64LE, Float64BE:
		return 8
	default:
		return 0
	}
}

// isInteger reports whether the data type stores integers. Intensity
// scaling only applies to integer types.
func (dt DataType) isInteger() bool {
	switch dt {
	case Float32LE, Float32BE, Float64LE, Float64BE:
		return false
	default:
		return true
	}
}

func (dt DataType) byteOrder() binary.ByteOrder {
	switch dt {
	case Float32BE, Float64BE, Int16BE, UInt16BE, Int32BE, UInt32BE:
		return binary.BigEndian
	default:
		return binary.LittleEndian
	}
}

// decodeElement converts one raw element at buf into a float64, applying
// the intensity scaling value = offset + scale*raw used by integer types.
func (dt DataType) decodeElement(buf []byte, offset, scale float64) float64 {
	order := dt.byteOrder()
	var raw float64
	switch dt {
	case Float32LE, Float32BE:
		raw = float64(math.Float32frombits(order.Uint32(buf)))
	case Float64LE, Float64BE:
		raw = math.Float64frombits(order.Uint64(buf))
	case Int8:
		raw = float64(int8(buf[0]))
	case UInt8:
		raw = float64(buf[0])
	case Int16LE, Int16BE:
		raw = float64(int16(order.Uint16(buf)))
	case UInt16LE, UInt16BE:
		raw = float64(order.Uint16(buf))
	case Int32LE, Int32BE:
		raw = float64(int32(order.Uint32(buf)))
	case UInt32LE, UInt32BE:
		raw = float64(order.Uint32(buf))
	}
	return offset + scale*raw
}
