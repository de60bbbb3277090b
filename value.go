// Copyright 2025 The LokiKV authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lokikv

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/lokikv-dev/lokikv/internal/hll"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	// KindPhantom is the zero Value; it holds no data.
	KindPhantom Kind = iota
	KindString
	KindInt
	KindBool
	KindDecimal
	KindBlob
	KindList
	// KindOutput is a server-internal result channel; it is never stored
	// by clients directly but does round-trip through the codec.
	KindOutput
	// KindHLL holds a live HyperLogLog sketch. It is never persisted.
	KindHLL
)

// Value is the tagged variant stored by every collection flavour.
//
// Values are immutable once constructed; mutating operations on collections
// replace the whole Value. The zero Value is Phantom.
type Value struct {
	kind Kind
	str  string
	i    int64
	b    bool
	f    float64
	blob []byte
	list []Value
	hll  *hll.Sketch
}

// Phantom returns the null placeholder Value.
func Phantom() Value { return Value{} }

// StringData returns a Value holding s.
func StringData(s string) Value { return Value{kind: KindString, str: s} }

// IntData returns a Value holding i.
func IntData(i int64) Value { return Value{kind: KindInt, i: i} }

// BoolData returns a Value holding b.
func BoolData(b bool) Value { return Value{kind: KindBool, b: b} }

// DecimalData returns a Value holding f.
func DecimalData(f float64) Value { return Value{kind: KindDecimal, f: f} }

// BlobData returns a Value holding the given bytes. The slice is not copied.
func BlobData(b []byte) Value { return Value{kind: KindBlob, blob: b} }

// ListData returns a Value holding the given sequence. The slice is not copied.
func ListData(vs []Value) Value { return Value{kind: KindList, list: vs} }

// OutputString returns a server-internal result Value.
func OutputString(s string) Value { return Value{kind: KindOutput, str: s} }

// HLLData returns a Value holding a live HyperLogLog sketch.
func HLLData(s *hll.Sketch) Value { return Value{kind: KindHLL, hll: s} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload of a String or OutputString Value.
func (v Value) Str() string { return v.str }

// Int returns the integer payload of an Int Value.
func (v Value) Int() int64 { return v.i }

// Bool returns the boolean payload of a Bool Value.
func (v Value) Bool() bool { return v.b }

// Decimal returns the float payload of a Decimal Value.
func (v Value) Decimal() float64 { return v.f }

// Blob returns the byte payload of a Blob Value without copying.
func (v Value) Blob() []byte { return v.blob }

// List returns the element slice of a List Value without copying.
func (v Value) List() []Value { return v.list }

// HLL returns the sketch held by an HLL Value, or nil.
func (v Value) HLL() *hll.Sketch { return v.hll }

// IsNumeric reports whether INCR/DECR apply to this Value.
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindDecimal }

// Equal reports deep equality between two Values. HLL Values compare by
// sketch identity since sketches are mutable.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindPhantom:
		return true
	case KindString, KindOutput:
		return v.str == o.str
	case KindInt:
		return v.i == o.i
	case KindBool:
		return v.b == o.b
	case KindDecimal:
		return v.f == o.f
	case KindBlob:
		return bytes.Equal(v.blob, o.blob)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindHLL:
		return v.hll == o.hll
	}
	return false
}

// String renders the Value in the debug form the wire protocol exposes,
// e.g. `IntData(42)` or `StringData("'hi'")`. The forms are part of the
// response contract and must stay stable.
func (v Value) String() string {
	switch v.kind {
	case KindPhantom:
		return "Phantom"
	case KindString:
		return fmt.Sprintf("StringData(%s)", strconv.Quote(v.str))
	case KindInt:
		return fmt.Sprintf("IntData(%d)", v.i)
	case KindBool:
		return fmt.Sprintf("BoolData(%t)", v.b)
	case KindDecimal:
		return fmt.Sprintf("DecimalData(%s)", formatDecimal(v.f))
	case KindBlob:
		return fmt.Sprintf("BlobData(%s)", formatBytes(v.blob))
	case KindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.String()
		}
		return fmt.Sprintf("ListData([%s])", strings.Join(parts, ", "))
	case KindOutput:
		return fmt.Sprintf("OutputString(%s)", strconv.Quote(v.str))
	case KindHLL:
		return "HLLPointer"
	}
	return "Phantom"
}

// formatDecimal renders floats with a guaranteed decimal point, so an
// integral 3 comes out as "3.0" rather than "3".
func formatDecimal(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

func formatBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = strconv.Itoa(int(c))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
