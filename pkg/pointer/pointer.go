package pointer

import (
	"fmt"
	"strings"
)

// DataType tags the value a pointer chain ends at.
type DataType string

const (
	Int8   DataType = "int8"
	Int16  DataType = "int16"
	Int32  DataType = "int32"
	Int64  DataType = "int64"
	UInt8  DataType = "uint8"
	UInt16 DataType = "uint16"
	UInt32 DataType = "uint32"
	UInt64 DataType = "uint64"
	Single DataType = "float32"
	Double DataType = "float64"
	Ptr    DataType = "pointer"
)

func ParseDataType(s string) (DataType, error) {
	switch dt := DataType(strings.ToLower(s)); dt {
	case Int8, Int16, Int32, Int64, UInt8, UInt16, UInt32, UInt64, Single, Double, Ptr:
		return dt, nil
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

// Size is the width in bytes of a value of type dt, zero for Ptr
// whose width depends on the target.
func (dt DataType) Size() int {
	switch dt {
	case Int8, UInt8:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Single:
		return 4
	case Int64, UInt64, Double:
		return 8
	}
	return 0
}

// Pointer is one root-to-leaf path of the forest. Module is empty
// when the base address lies outside every module, in which case Address
// is absolute and not stable across runs.
type Pointer struct {
	Address  uint64   `json:"address"`
	Module   string   `json:"module"`
	DataType DataType `json:"dataType"`
	Offsets  []int32  `json:"offsets"`
}

func (p Pointer) Resolved() bool {
	return p.Module != ""
}

func (p Pointer) String() string {
	var sb strings.Builder
	if p.Module != "" {
		fmt.Fprintf(&sb, "%s+%#x", p.Module, p.Address)
	} else {
		fmt.Fprintf(&sb, "%#x", p.Address)
	}
	for _, off := range p.Offsets {
		if off < 0 {
			fmt.Fprintf(&sb, " -> -%#x", -int64(off))
		} else {
			fmt.Fprintf(&sb, " -> %#x", off)
		}
	}
	return sb.String()
}
