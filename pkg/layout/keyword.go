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
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/srediag/shmim/pkg/shmerr"
)

// Keyword record layout: name 16 | type 1 | pad 7 | value 16 | comment 80.
const (
	KeywordSize       = 120
	KeywordNameLen    = 16
	KeywordValueLen   = 16
	KeywordCommentLen = 80

	kwTypeOffset    = KeywordNameLen
	kwValueOffset   = kwTypeOffset + 8
	kwCommentOffset = kwValueOffset + KeywordValueLen
)

// KeywordType discriminates the value of a keyword record.
type KeywordType byte

const (
	KeywordUnset  KeywordType = 'N'
	KeywordInt    KeywordType = 'L'
	KeywordFloat  KeywordType = 'D'
	KeywordString KeywordType = 'S'
)

func (t KeywordType) String() string {
	switch t {
	case KeywordUnset:
		return "unset"
	case KeywordInt:
		return "int"
	case KeywordFloat:
		return "float"
	case KeywordString:
		return "string"
	}
	return fmt.Sprintf("keyword(%#x)", byte(t))
}

func (t KeywordType) isSet() bool {
	return t == KeywordInt || t == KeywordFloat || t == KeywordString
}

// Keyword is a decoded key/value/comment record.
type Keyword struct {
	Name    string
	Type    KeywordType
	Int     int64
	Float   float64
	Str     string
	Comment string
}

// IntKeyword builds an integer keyword.
func IntKeyword(name string, v int64, comment string) Keyword {
	return Keyword{Name: name, Type: KeywordInt, Int: v, Comment: comment}
}

// FloatKeyword builds a floating point keyword.
func FloatKeyword(name string, v float64, comment string) Keyword {
	return Keyword{Name: name, Type: KeywordFloat, Float: v, Comment: comment}
}

// StringKeyword builds a string keyword. Values longer than 15 bytes are
// rejected by SetKeyword.
func StringKeyword(name, v, comment string) Keyword {
	return Keyword{Name: name, Type: KeywordString, Str: v, Comment: comment}
}

// Value returns the typed value, nil when unset.
func (k Keyword) Value() interface{} {
	switch k.Type {
	case KeywordInt:
		return k.Int
	case KeywordFloat:
		return k.Float
	case KeywordString:
		return k.Str
	}
	return nil
}

func (k Keyword) validate() error {
	if len(k.Name) >= KeywordNameLen {
		return fmt.Errorf("%w: keyword name %q longer than %d bytes", shmerr.ErrConfiguration, k.Name, KeywordNameLen-1)
	}
	if len(k.Comment) >= KeywordCommentLen {
		return fmt.Errorf("%w: keyword comment longer than %d bytes", shmerr.ErrConfiguration, KeywordCommentLen-1)
	}
	switch k.Type {
	case KeywordUnset, KeywordInt, KeywordFloat:
	case KeywordString:
		if len(k.Str) >= KeywordValueLen {
			return fmt.Errorf("%w: keyword value %q longer than %d bytes", shmerr.ErrConfiguration, k.Str, KeywordValueLen-1)
		}
	default:
		return fmt.Errorf("%w: keyword type %v", shmerr.ErrConfiguration, k.Type)
	}
	return nil
}

func (k Keyword) encode(rec []byte) {
	for i := range rec[:KeywordSize] {
		rec[i] = 0
	}
	copy(rec[:KeywordNameLen-1], k.Name)
	rec[kwTypeOffset] = byte(k.Type)
	val := rec[kwValueOffset : kwValueOffset+KeywordValueLen]
	switch k.Type {
	case KeywordInt:
		binary.LittleEndian.PutUint64(val, uint64(k.Int))
	case KeywordFloat:
		binary.LittleEndian.PutUint64(val, math.Float64bits(k.Float))
	case KeywordString:
		copy(val[:KeywordValueLen-1], k.Str)
	}
	copy(rec[kwCommentOffset:kwCommentOffset+KeywordCommentLen-1], k.Comment)
}

func decodeKeyword(rec []byte) Keyword {
	k := Keyword{
		Name:    cString(rec[:KeywordNameLen]),
		Type:    KeywordType(rec[kwTypeOffset]),
		Comment: cString(rec[kwCommentOffset : kwCommentOffset+KeywordCommentLen]),
	}
	val := rec[kwValueOffset : kwValueOffset+KeywordValueLen]
	switch k.Type {
	case KeywordInt:
		k.Int = int64(binary.LittleEndian.Uint64(val))
	case KeywordFloat:
		k.Float = math.Float64frombits(binary.LittleEndian.Uint64(val))
	case KeywordString:
		k.Str = cString(val)
	}
	return k
}

func cString(b []byte) string {
	if n := bytes.IndexByte(b, 0); n >= 0 {
		b = b[:n]
	}
	return string(b)
}

func (a Arena) keywordRecord(i int) ([]byte, error) {
	if i < 0 || i >= a.L.NBKw {
		return nil, fmt.Errorf("%w: keyword index %d outside [0,%d)", shmerr.ErrOutOfBounds, i, a.L.NBKw)
	}
	off := a.L.KeywordOffset + i*KeywordSize
	return a.mem[off : off+KeywordSize], nil
}

// ResetKeywords tags every record as unset.
func (a Arena) ResetKeywords() {
	for i := 0; i < a.L.NBKw; i++ {
		rec, _ := a.keywordRecord(i)
		Keyword{Type: KeywordUnset}.encode(rec)
	}
}

// Keyword decodes record i.
func (a Arena) Keyword(i int) (Keyword, error) {
	rec, err := a.keywordRecord(i)
	if err != nil {
		return Keyword{}, err
	}
	return decodeKeyword(rec), nil
}

// SetKeyword encodes k into record i.
func (a Arena) SetKeyword(i int, k Keyword) error {
	if err := k.validate(); err != nil {
		return err
	}
	rec, err := a.keywordRecord(i)
	if err != nil {
		return err
	}
	k.encode(rec)
	return nil
}

// Keywords returns every record that is set.
func (a Arena) Keywords() []Keyword {
	var out []Keyword
	for i := 0; i < a.L.NBKw; i++ {
		rec, _ := a.keywordRecord(i)
		if k := decodeKeyword(rec); k.Type.isSet() {
			out = append(out, k)
		}
	}
	return out
}

// FindKeyword returns the index of the first set record named name.
func (a Arena) FindKeyword(name string) (int, bool) {
	for i := 0; i < a.L.NBKw; i++ {
		rec, _ := a.keywordRecord(i)
		if KeywordType(rec[kwTypeOffset]).isSet() && cString(rec[:KeywordNameLen]) == name {
			return i, true
		}
	}
	return -1, false
}

// DecodeKeywords decodes a raw keyword table, skipping unset records.
func DecodeKeywords(table []byte) []Keyword {
	var out []Keyword
	for off := 0; off+KeywordSize <= len(table); off += KeywordSize {
		if k := decodeKeyword(table[off : off+KeywordSize]); k.Type.isSet() {
			out = append(out, k)
		}
	}
	return out
}
