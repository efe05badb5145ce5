/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package layout

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/srediag/shmim/pkg/shmerr"
)

// DataType is the element type tag recorded once in a segment header.
// Tag values match the ImageStreamIO numbering so files stay readable by
// tools that speak that format.
type DataType uint32

const (
	TypeInvalid    DataType = 0
	TypeUint8      DataType = 1
	TypeInt8       DataType = 2
	TypeUint16     DataType = 3
	TypeInt16      DataType = 4
	TypeUint32     DataType = 5
	TypeInt32      DataType = 6
	TypeUint64     DataType = 7
	TypeInt64      DataType = 8
	TypeFloat32    DataType = 9
	TypeFloat64    DataType = 10
	TypeComplex64  DataType = 11
	TypeComplex128 DataType = 12
)

var dataTypeInfo = [...]struct {
	name string
	size int
}{
	TypeInvalid:    {"invalid", 0},
	TypeUint8:      {"uint8", 1},
	TypeInt8:       {"int8", 1},
	TypeUint16:     {"uint16", 2},
	TypeInt16:      {"int16", 2},
	TypeUint32:     {"uint32", 4},
	TypeInt32:      {"int32", 4},
	TypeUint64:     {"uint64", 8},
	TypeInt64:      {"int64", 8},
	TypeFloat32:    {"float32", 4},
	TypeFloat64:    {"float64", 8},
	TypeComplex64:  {"complex64", 8},
	TypeComplex128: {"complex128", 16},
}

// Valid reports whether t is one of the supported element types.
func (t DataType) Valid() bool {
	return t >= TypeUint8 && t <= TypeComplex128
}

// Size returns the element size in bytes, or 0 for an unknown tag.
func (t DataType) Size() int {
	if !t.Valid() {
		return 0
	}
	return dataTypeInfo[t].size
}

func (t DataType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("datatype(%d)", uint32(t))
	}
	return dataTypeInfo[t].name
}

// ParseDataType maps a type name such as "float32" to its tag.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "float":
		return TypeFloat32, nil
	case "double":
		return TypeFloat64, nil
	}
	for t := TypeUint8; t <= TypeComplex128; t++ {
		if dataTypeInfo[t].name == s {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("%w: unknown element type %q", shmerr.ErrConfiguration, s)
}

// Element is the closed set of Go types a payload can hold.
type Element interface {
	uint8 | int8 | uint16 | int16 | uint32 | int32 | uint64 | int64 |
		float32 | float64 | complex64 | complex128
}

// TypeOf returns the tag for the element type T.
func TypeOf[T Element]() DataType {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return TypeUint8
	case int8:
		return TypeInt8
	case uint16:
		return TypeUint16
	case int16:
		return TypeInt16
	case uint32:
		return TypeUint32
	case int32:
		return TypeInt32
	case uint64:
		return TypeUint64
	case int64:
		return TypeInt64
	case float32:
		return TypeFloat32
	case float64:
		return TypeFloat64
	case complex64:
		return TypeComplex64
	case complex128:
		return TypeComplex128
	}
	return TypeInvalid
}

// AsBytes reinterprets a typed slice as its backing bytes without copying.
func AsBytes[T Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

// FromBytes reinterprets b as a slice of T. len(b) must be a multiple of the
// element size and b must be suitably aligned.
func FromBytes[T Element](b []byte) []T {
	var zero T
	n := len(b) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}
