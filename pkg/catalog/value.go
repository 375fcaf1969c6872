/*
Package catalog implements the SQL-style schema and row contract laid over
pkg/mvcc: tables, columns, rows, secondary indexes, and referential
integrity, as a transaction adapter rather than a parser or planner (no SQL
text ever reaches this package; callers build Value/Row values directly
and filter scans with plain Go predicates).
*/
package catalog

import (
	"fmt"
	"math"
)

// Datatype is the SQL-level type of a column, used to validate Values
// assigned to it.
type Datatype int

const (
	Boolean Datatype = iota
	Integer
	Float
	String
)

func (d Datatype) String() string {
	switch d {
	case Boolean:
		return "BOOLEAN"
	case Integer:
		return "INTEGER"
	case Float:
		return "FLOAT"
	case String:
		return "STRING"
	default:
		return "UNKNOWN"
	}
}

// ValueKind distinguishes the variant a Value holds.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBoolean
	KindInteger
	KindFloat
	KindString
)

// Value is a single SQL-level scalar: exactly one of its typed fields is
// meaningful, selected by Kind.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

// NullValue, BoolValue, IntValue, FloatValue, StringValue construct a Value
// of the given kind.
func NullValue() Value          { return Value{Kind: KindNull} }
func BoolValue(b bool) Value    { return Value{Kind: KindBoolean, Bool: b} }
func IntValue(i int64) Value    { return Value{Kind: KindInteger, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// Datatype returns the column Datatype this value would satisfy, or false
// if the value is NULL (which satisfies any nullable column).
func (v Value) Datatype() (Datatype, bool) {
	switch v.Kind {
	case KindBoolean:
		return Boolean, true
	case KindInteger:
		return Integer, true
	case KindFloat:
		return Float, true
	case KindString:
		return String, true
	default:
		return 0, false
	}
}

// IsNull reports whether v is the SQL NULL value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal reports whether v and other are the same SQL value. NaN floats are
// never equal to anything, including themselves, matching SQL semantics.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBoolean:
		return v.Bool == other.Bool
	case KindInteger:
		return v.Int == other.Int
	case KindFloat:
		if math.IsNaN(v.Float) || math.IsNaN(other.Float) {
			return false
		}
		return v.Float == other.Float
	case KindString:
		return v.Str == other.Str
	default:
		return false
	}
}

// Compare orders two values: NULL sorts before booleans, booleans before
// numbers, numbers before strings. Integers and floats compare numerically
// against each other. Returns -1, 0, or 1.
func (v Value) Compare(other Value) int {
	vr, or := v.rank(), other.rank()
	if vr != or {
		if vr < or {
			return -1
		}
		return 1
	}
	switch v.Kind {
	case KindNull:
		return 0
	case KindBoolean:
		switch {
		case v.Bool == other.Bool:
			return 0
		case !v.Bool:
			return -1
		default:
			return 1
		}
	case KindInteger, KindFloat:
		a, b := v.asFloat(), other.asFloat()
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	case KindString:
		switch {
		case v.Str < other.Str:
			return -1
		case v.Str > other.Str:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

// rank collapses integers and floats into one numeric band so they compare
// against each other by value rather than by kind.
func (v Value) rank() int {
	switch v.Kind {
	case KindNull:
		return 0
	case KindBoolean:
		return 1
	case KindInteger, KindFloat:
		return 2
	default:
		return 3
	}
}

func (v Value) asFloat() float64 {
	if v.Kind == KindInteger {
		return float64(v.Int)
	}
	return v.Float
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindBoolean:
		if v.Bool {
			return "TRUE"
		}
		return "FALSE"
	case KindInteger:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%v", v.Float)
	case KindString:
		return v.Str
	default:
		return "?"
	}
}

// Row is an ordered tuple of column values, positionally aligned with a
// Table's Columns.
type Row []Value
