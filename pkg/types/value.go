package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind discriminates the Value sum type.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindDouble
	KindBigint
	KindBool
	KindTimestamp
)

// Value is a single cell value. Exactly one variant is set, selected by Kind.
// Timestamps are carried as time.Time internally and serialized as ISO-8601
// strings so results are stable across encoders.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Int  int64
	Bool bool
	Time time.Time
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Double returns a double value.
func Double(f float64) Value { return Value{Kind: KindDouble, Num: f} }

// Bigint returns an integer value.
func Bigint(i int64) Value { return Value{Kind: KindBigint, Int: i} }

// Boolean returns a boolean value.
func Boolean(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Timestamp returns a timestamp value.
func Timestamp(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t.UTC()} }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Native returns the value as a plain Go value suitable for serialization.
// Timestamps become ISO-8601 strings in UTC.
func (v Value) Native() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindDouble:
		return v.Num
	case KindBigint:
		return v.Int
	case KindBool:
		return v.Bool
	case KindTimestamp:
		return v.Time.UTC().Format(time.RFC3339)
	default:
		return nil
	}
}

// Float64 returns the value as a float64 where the kind permits it.
func (v Value) Float64() (float64, bool) {
	switch v.Kind {
	case KindDouble:
		return v.Num, true
	case KindBigint:
		return float64(v.Int), true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// MarshalJSON serializes the value as its native representation.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalJSON restores a value from its native representation. Strings in
// RFC3339 form decode as timestamps, integral numbers as bigints.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	switch x := raw.(type) {
	case nil:
		*v = Null()
	case bool:
		*v = Boolean(x)
	case string:
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			*v = Timestamp(t)
		} else {
			*v = String(x)
		}
	case json.Number:
		if i, err := x.Int64(); err == nil {
			*v = Bigint(i)
		} else {
			f, err := x.Float64()
			if err != nil {
				return fmt.Errorf("types: undecodable number %q", x.String())
			}
			*v = Double(f)
		}
	default:
		return fmt.Errorf("types: unsupported JSON value %T", raw)
	}
	return nil
}

// FromScan converts a database/sql scan result into a Value of the given
// column type. Integers scanned from timestamp columns are interpreted as
// Unix milliseconds.
func FromScan(t ColumnType, raw interface{}) Value {
	if raw == nil {
		return Null()
	}
	switch t {
	case TypeTimestamp:
		switch x := raw.(type) {
		case int64:
			return Timestamp(time.UnixMilli(x))
		case time.Time:
			return Timestamp(x)
		case float64:
			return Timestamp(time.UnixMilli(int64(x)))
		}
	case TypeDouble:
		switch x := raw.(type) {
		case float64:
			return Double(x)
		case int64:
			return Double(float64(x))
		}
	case TypeBigint:
		switch x := raw.(type) {
		case int64:
			return Bigint(x)
		case float64:
			return Bigint(int64(x))
		}
	case TypeBoolean:
		switch x := raw.(type) {
		case bool:
			return Boolean(x)
		case int64:
			return Boolean(x != 0)
		}
	}
	switch x := raw.(type) {
	case string:
		return String(x)
	case []byte:
		return String(string(x))
	case int64:
		return Bigint(x)
	case float64:
		return Double(x)
	case bool:
		return Boolean(x)
	case time.Time:
		return Timestamp(x)
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

// Bind returns the value as a driver-bindable argument. Timestamps bind as
// Unix milliseconds to match partition file storage.
func (v Value) Bind() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindDouble:
		return v.Num
	case KindBigint:
		return v.Int
	case KindBool:
		if v.Bool {
			return int64(1)
		}
		return int64(0)
	case KindTimestamp:
		return v.Time.UnixMilli()
	default:
		return nil
	}
}

// Record is a single row keyed by column name.
type Record map[string]Value
