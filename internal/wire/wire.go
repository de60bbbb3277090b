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

// Package wire implements the binary encoding shared by the WAL and the
// checkpoint pages.
//
// Values, WAL records and page payloads are encoded as CBOR: the framing is
// self-delimiting, so WAL files are plain concatenations of records and can
// be replayed by decoding until EOF. Every Value variant round-trips except
// HLL sketches, which are memory-only and are rejected by the encoder.
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"

	lokikv "github.com/lokikv-dev/lokikv"
)

// ErrUnencodable is returned when asked to encode a Value which has no disk
// representation (an HLL sketch).
var ErrUnencodable = errors.New("value kind has no wire encoding")

var cborHandle = func() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	return h
}()

// wireValue is the disk shape of a Value. Kind tags mirror lokikv.Kind.
type wireValue struct {
	Kind uint8       `codec:"k"`
	Str  string      `codec:"s,omitempty"`
	Int  int64       `codec:"i,omitempty"`
	Bool bool        `codec:"b,omitempty"`
	Dec  float64     `codec:"d,omitempty"`
	Blob []byte      `codec:"r,omitempty"`
	List []wireValue `codec:"l,omitempty"`
}

func toWire(v lokikv.Value) (wireValue, error) {
	switch v.Kind() {
	case lokikv.KindPhantom:
		return wireValue{Kind: uint8(lokikv.KindPhantom)}, nil
	case lokikv.KindString, lokikv.KindOutput:
		return wireValue{Kind: uint8(v.Kind()), Str: v.Str()}, nil
	case lokikv.KindInt:
		return wireValue{Kind: uint8(lokikv.KindInt), Int: v.Int()}, nil
	case lokikv.KindBool:
		return wireValue{Kind: uint8(lokikv.KindBool), Bool: v.Bool()}, nil
	case lokikv.KindDecimal:
		return wireValue{Kind: uint8(lokikv.KindDecimal), Dec: v.Decimal()}, nil
	case lokikv.KindBlob:
		return wireValue{Kind: uint8(lokikv.KindBlob), Blob: v.Blob()}, nil
	case lokikv.KindList:
		list := make([]wireValue, 0, len(v.List()))
		for _, e := range v.List() {
			we, err := toWire(e)
			if err != nil {
				return wireValue{}, err
			}
			list = append(list, we)
		}
		return wireValue{Kind: uint8(lokikv.KindList), List: list}, nil
	default:
		return wireValue{}, fmt.Errorf("%w: kind %d", ErrUnencodable, v.Kind())
	}
}

func fromWire(w wireValue) (lokikv.Value, error) {
	switch lokikv.Kind(w.Kind) {
	case lokikv.KindPhantom:
		return lokikv.Phantom(), nil
	case lokikv.KindString:
		return lokikv.StringData(w.Str), nil
	case lokikv.KindOutput:
		return lokikv.OutputString(w.Str), nil
	case lokikv.KindInt:
		return lokikv.IntData(w.Int), nil
	case lokikv.KindBool:
		return lokikv.BoolData(w.Bool), nil
	case lokikv.KindDecimal:
		return lokikv.DecimalData(w.Dec), nil
	case lokikv.KindBlob:
		return lokikv.BlobData(w.Blob), nil
	case lokikv.KindList:
		list := make([]lokikv.Value, 0, len(w.List))
		for _, we := range w.List {
			e, err := fromWire(we)
			if err != nil {
				return lokikv.Value{}, err
			}
			list = append(list, e)
		}
		return lokikv.ListData(list), nil
	default:
		return lokikv.Value{}, fmt.Errorf("unknown value kind %d on wire", w.Kind)
	}
}

// Encodable reports whether v has a disk representation.
func Encodable(v lokikv.Value) bool {
	_, err := toWire(v)
	return err == nil
}

// EncodeValue returns the binary encoding of v.
func EncodeValue(v lokikv.Value) ([]byte, error) {
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	var b []byte
	if err := codec.NewEncoderBytes(&b, cborHandle).Encode(w); err != nil {
		return nil, fmt.Errorf("failed to encode value: %v", err)
	}
	return b, nil
}

// DecodeValue parses a Value from its binary encoding.
func DecodeValue(b []byte) (lokikv.Value, error) {
	var w wireValue
	if err := codec.NewDecoderBytes(b, cborHandle).Decode(&w); err != nil {
		return lokikv.Value{}, fmt.Errorf("failed to decode value: %v", err)
	}
	return fromWire(w)
}

// Record is one WAL entry: a single keyed mutation against a collection.
type Record struct {
	Timestamp  uint64
	Collection string
	Key        string
	Value      lokikv.Value
}

type wireRecord struct {
	Timestamp  uint64    `codec:"ts"`
	Collection string    `codec:"c"`
	Key        string    `codec:"k"`
	Value      wireValue `codec:"v"`
}

// AppendRecord writes the encoding of r to w.
func AppendRecord(w io.Writer, r Record) error {
	wv, err := toWire(r.Value)
	if err != nil {
		return err
	}
	wr := wireRecord{Timestamp: r.Timestamp, Collection: r.Collection, Key: r.Key, Value: wv}
	if err := codec.NewEncoder(w, cborHandle).Encode(wr); err != nil {
		return fmt.Errorf("failed to encode record: %v", err)
	}
	return nil
}

// RecordReader streams Records out of a WAL file.
type RecordReader struct {
	dec *codec.Decoder
}

// NewRecordReader returns a reader which decodes consecutive records from r.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{dec: codec.NewDecoder(r, cborHandle)}
}

// Next returns the next record, or io.EOF at a clean end of input. Any other
// error means the file is corrupt past this point.
func (rr *RecordReader) Next() (Record, error) {
	start := rr.dec.NumBytesRead()
	var wr wireRecord
	if err := rr.dec.Decode(&wr); err != nil {
		// EOF before any byte of a record is a clean end; EOF after part of
		// one was read is a truncated record.
		if errors.Is(err, io.EOF) && rr.dec.NumBytesRead() == start {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to decode record: %v", err)
	}
	v, err := fromWire(wr.Value)
	if err != nil {
		return Record{}, err
	}
	return Record{Timestamp: wr.Timestamp, Collection: wr.Collection, Key: wr.Key, Value: v}, nil
}

// Pair is one (key, value) element of a checkpoint page.
type Pair struct {
	Key   string
	Value lokikv.Value
}

type wirePair struct {
	Key   string    `codec:"k"`
	Value wireValue `codec:"v"`
}

// EncodePage returns the binary encoding of one checkpoint page.
func EncodePage(pairs []Pair) ([]byte, error) {
	wps := make([]wirePair, 0, len(pairs))
	for _, p := range pairs {
		wv, err := toWire(p.Value)
		if err != nil {
			return nil, fmt.Errorf("pair %q: %w", p.Key, err)
		}
		wps = append(wps, wirePair{Key: p.Key, Value: wv})
	}
	var b []byte
	if err := codec.NewEncoderBytes(&b, cborHandle).Encode(wps); err != nil {
		return nil, fmt.Errorf("failed to encode page: %v", err)
	}
	return b, nil
}

// DecodePage parses the pairs held by one checkpoint page.
func DecodePage(b []byte) ([]Pair, error) {
	var wps []wirePair
	if err := codec.NewDecoderBytes(b, cborHandle).Decode(&wps); err != nil {
		return nil, fmt.Errorf("failed to decode page: %v", err)
	}
	pairs := make([]Pair, 0, len(wps))
	for _, wp := range wps {
		v, err := fromWire(wp.Value)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, Pair{Key: wp.Key, Value: v})
	}
	return pairs, nil
}
