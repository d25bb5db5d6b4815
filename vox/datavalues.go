/*
	This file handles the layout of data for a voxel element and the byte widths
	of each supported value type.
*/

package vox

import (
	"encoding/json"
	"fmt"
)

// DataType is a unique ID for each type of sample value within a volume,
// e.g., a uint8 or a float32.
type DataType uint8

const (
	T_uint8 DataType = iota
	T_int8
	T_uint16
	T_int16
	T_uint32
	T_int32
	T_uint64
	T_int64
	T_float32
	T_float64
)

var typeBytes = map[DataType]int32{
	T_uint8:   1,
	T_int8:    1,
	T_uint16:  2,
	T_int16:   2,
	T_uint32:  4,
	T_int32:   4,
	T_uint64:  8,
	T_int64:   8,
	T_float32: 4,
	T_float64: 8,
}

var typeNames = map[DataType]string{
	T_uint8:   "uint8",
	T_int8:    "int8",
	T_uint16:  "uint16",
	T_int16:   "int16",
	T_uint32:  "uint32",
	T_int32:   "int32",
	T_uint64:  "uint64",
	T_int64:   "int64",
	T_float32: "float32",
	T_float64: "float64",
}

// DataTypeBytes returns the # of bytes for a given data type.
// For example, T_uint16 is 2 bytes.
func DataTypeBytes(t DataType) int32 {
	return typeBytes[t]
}

// String returns the conventional name of the data type, e.g., "uint16".
func (t DataType) String() string {
	return typeNames[t]
}

// DataTypeByName returns the DataType for a conventional name like "uint16".
func DataTypeByName(name string) (DataType, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", name)
}

// MarshalJSON implements the json.Marshaler interface.
func (t DataType) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", typeNames[t])), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (t *DataType) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	dt, err := DataTypeByName(name)
	if err != nil {
		return err
	}
	*t = dt
	return nil
}
