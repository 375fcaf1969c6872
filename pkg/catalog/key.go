package catalog

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/cuemby/ledger/pkg/errs"
)

// key encodes the catalog's own sub-keyspace within the user-key portion of
// an mvcc.Record: table definitions, row data, and secondary index entries
// all share one byte-ordered namespace so catalog.Txn can lean on
// mvcc's range scans directly.
type key struct {
	kind   keyKind
	table  string
	column string
	value  *Value
	hasVal bool
}

type keyKind byte

const (
	kindTable keyKind = 0x01
	kindIndex keyKind = 0x02
	kindRow   keyKind = 0x03
)

func tableKey(name string) key { return key{kind: kindTable, table: name} }

func tablePrefixKey() key { return key{kind: kindTable} }

func indexKey(table, column string, value Value) key {
	return key{kind: kindIndex, table: table, column: column, value: &value, hasVal: true}
}

func indexPrefixKey(table, column string) key {
	return key{kind: kindIndex, table: table, column: column}
}

func rowKey(table string, pk Value) key {
	return key{kind: kindRow, table: table, value: &pk, hasVal: true}
}

func rowPrefixKey(table string) key {
	return key{kind: kindRow, table: table}
}

func (k key) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(k.kind))
	switch k.kind {
	case kindTable:
		if k.table != "" {
			writeString(&buf, k.table)
		}
	case kindIndex:
		writeString(&buf, k.table)
		writeString(&buf, k.column)
		if k.hasVal {
			writeValue(&buf, *k.value)
		}
	case kindRow:
		writeString(&buf, k.table)
		if k.hasVal {
			writeValue(&buf, *k.value)
		}
	}
	return buf.Bytes()
}

func decodeKey(data []byte) (key, error) {
	if len(data) == 0 {
		return key{}, errs.Internalf("decode catalog key: empty input")
	}
	kind := keyKind(data[0])
	rest := data[1:]
	switch kind {
	case kindTable:
		if len(rest) == 0 {
			return key{kind: kind}, nil
		}
		name, err := readString(&rest)
		if err != nil {
			return key{}, err
		}
		return key{kind: kind, table: name}, nil
	case kindIndex:
		table, err := readString(&rest)
		if err != nil {
			return key{}, err
		}
		column, err := readString(&rest)
		if err != nil {
			return key{}, err
		}
		if len(rest) == 0 {
			return key{kind: kind, table: table, column: column}, nil
		}
		val, err := readValue(&rest)
		if err != nil {
			return key{}, err
		}
		return key{kind: kind, table: table, column: column, value: &val, hasVal: true}, nil
	case kindRow:
		table, err := readString(&rest)
		if err != nil {
			return key{}, err
		}
		if len(rest) == 0 {
			return key{kind: kind, table: table}, nil
		}
		val, err := readValue(&rest)
		if err != nil {
			return key{}, err
		}
		return key{kind: kind, table: table, value: &val, hasVal: true}, nil
	default:
		return key{}, errs.Internalf("decode catalog key: unknown prefix %#x", data[0])
	}
}

// byte-escaped, self-delimiting string encoding: identical scheme to
// pkg/mvcc's key encoding, kept local so this package doesn't need to reach
// into mvcc's internals for it.
func writeString(buf *bytes.Buffer, s string) {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			buf.WriteByte(0x00)
			buf.WriteByte(0xff)
		} else {
			buf.WriteByte(s[i])
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
}

func readString(rest *[]byte) (string, error) {
	data := *rest
	var out []byte
	for i := 0; i < len(data); i++ {
		if data[i] != 0x00 {
			out = append(out, data[i])
			continue
		}
		if i+1 >= len(data) {
			return "", errs.Internalf("decode catalog key: truncated string escape")
		}
		switch data[i+1] {
		case 0x00:
			*rest = data[i+2:]
			return string(out), nil
		case 0xff:
			out = append(out, 0x00)
			i++
		default:
			return "", errs.Internalf("decode catalog key: invalid escape byte %#x", data[i+1])
		}
	}
	return "", errs.Internalf("decode catalog key: unterminated string")
}

const (
	valNull byte = iota
	valBool
	valInt
	valFloat
	valString
)

func writeValue(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindNull:
		buf.WriteByte(valNull)
	case KindBoolean:
		buf.WriteByte(valBool)
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindInteger:
		buf.WriteByte(valInt)
		var b [8]byte
		// flip the sign bit so two's-complement big-endian integers sort
		// correctly as unsigned byte strings (negatives before positives).
		binary.BigEndian.PutUint64(b[:], uint64(v.Int)^(1<<63))
		buf.Write(b[:])
	case KindFloat:
		buf.WriteByte(valFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], encodeFloatOrdered(v.Float))
		buf.Write(b[:])
	case KindString:
		buf.WriteByte(valString)
		writeString(buf, v.Str)
	}
}

func readValue(rest *[]byte) (Value, error) {
	data := *rest
	if len(data) == 0 {
		return Value{}, errs.Internalf("decode catalog key: empty value")
	}
	tag := data[0]
	data = data[1:]
	switch tag {
	case valNull:
		*rest = data
		return NullValue(), nil
	case valBool:
		if len(data) < 1 {
			return Value{}, errs.Internalf("decode catalog key: short bool value")
		}
		*rest = data[1:]
		return BoolValue(data[0] != 0), nil
	case valInt:
		if len(data) < 8 {
			return Value{}, errs.Internalf("decode catalog key: short int value")
		}
		n := binary.BigEndian.Uint64(data[:8]) ^ (1 << 63)
		*rest = data[8:]
		return IntValue(int64(n)), nil
	case valFloat:
		if len(data) < 8 {
			return Value{}, errs.Internalf("decode catalog key: short float value")
		}
		f := decodeFloatOrdered(binary.BigEndian.Uint64(data[:8]))
		*rest = data[8:]
		return FloatValue(f), nil
	case valString:
		s, err := readString(&data)
		if err != nil {
			return Value{}, err
		}
		*rest = data
		return StringValue(s), nil
	default:
		return Value{}, errs.Internalf("decode catalog key: unknown value tag %#x", tag)
	}
}

// encodeFloatOrdered/decodeFloatOrdered make IEEE-754 bit patterns sort the
// same as the floats they represent: flip the sign bit for positive values,
// flip every bit for negative values.
func encodeFloatOrdered(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return bits
}

func decodeFloatOrdered(bits uint64) float64 {
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}
