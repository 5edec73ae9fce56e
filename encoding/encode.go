package encoding

import (
	"math"
	"reflect"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

type marshaler interface {
	Marshal(*buffer.Buffer) error
}

// bufPool is used to reduce allocations when encoding compound values.
var bufPool = sync.Pool{
	New: func() interface{} {
		return new(buffer.Buffer)
	},
}

func getScratch() *buffer.Buffer {
	buf := bufPool.Get().(*buffer.Buffer)
	buf.Reset()
	return buf
}

// Marshal appends the AMQP encoding of i to wr.
//
// A nil interface or a nil pointer of any type encodes as null.
func Marshal(wr *buffer.Buffer, i interface{}) error {
	if v := reflect.ValueOf(i); v.Kind() == reflect.Ptr && v.IsNil() {
		wr.AppendByte(byte(TypeCodeNull))
		return nil
	}

	switch t := i.(type) {
	case nil:
		wr.AppendByte(byte(TypeCodeNull))
	case marshaler:
		return t.Marshal(wr)
	case bool:
		writeBool(wr, t)
	case *bool:
		writeBool(wr, *t)
	case uint:
		writeUint64(wr, uint64(t))
	case *uint:
		writeUint64(wr, uint64(*t))
	case uint64:
		writeUint64(wr, t)
	case *uint64:
		writeUint64(wr, *t)
	case uint32:
		writeUint32(wr, t)
	case *uint32:
		writeUint32(wr, *t)
	case uint16:
		wr.AppendByte(byte(TypeCodeUshort))
		wr.AppendUint16(t)
	case *uint16:
		wr.AppendByte(byte(TypeCodeUshort))
		wr.AppendUint16(*t)
	case uint8:
		wr.Append([]byte{byte(TypeCodeUbyte), t})
	case *uint8:
		wr.Append([]byte{byte(TypeCodeUbyte), *t})
	case int:
		writeInt64(wr, int64(t))
	case *int:
		writeInt64(wr, int64(*t))
	case int8:
		wr.Append([]byte{byte(TypeCodeByte), uint8(t)})
	case *int8:
		wr.Append([]byte{byte(TypeCodeByte), uint8(*t)})
	case int16:
		wr.AppendByte(byte(TypeCodeShort))
		wr.AppendUint16(uint16(t))
	case *int16:
		wr.AppendByte(byte(TypeCodeShort))
		wr.AppendUint16(uint16(*t))
	case int32:
		writeInt32(wr, t)
	case *int32:
		writeInt32(wr, *t)
	case int64:
		writeInt64(wr, t)
	case *int64:
		writeInt64(wr, *t)
	case float32:
		writeFloat(wr, t)
	case *float32:
		writeFloat(wr, *t)
	case float64:
		writeDouble(wr, t)
	case *float64:
		writeDouble(wr, *t)
	case Decimal32:
		wr.AppendByte(byte(TypeCodeDecimal32))
		wr.Append(t[:])
	case Decimal64:
		wr.AppendByte(byte(TypeCodeDecimal64))
		wr.Append(t[:])
	case Decimal128:
		wr.AppendByte(byte(TypeCodeDecimal128))
		wr.Append(t[:])
	case Char:
		wr.AppendByte(byte(TypeCodeChar))
		wr.AppendUint32(uint32(t))
	case string:
		return writeString(wr, t)
	case *string:
		return writeString(wr, *t)
	case []byte:
		return writeBinary(wr, t)
	case *[]byte:
		return writeBinary(wr, *t)
	case time.Time:
		writeTimestamp(wr, t)
	case *time.Time:
		writeTimestamp(wr, *t)
	case []interface{}:
		return writeList(wr, t)
	case *[]interface{}:
		return writeList(wr, *t)
	case map[interface{}]interface{}:
		return writeMap(wr, t)
	case map[string]interface{}:
		return writeMap(wr, t)
	case map[Symbol]interface{}:
		return writeMap(wr, t)
	case []Symbol:
		return writeSymbolArray(wr, t)
	case *[]Symbol:
		return writeSymbolArray(wr, *t)
	case []string:
		return writeStringArray(wr, t)
	case [][]byte:
		return writeBinaryArray(wr, t)
	case ArrayUByte:
		return writeFixedArray(wr, TypeCodeUbyte, 1, t, func(wr *buffer.Buffer, v uint8) { wr.AppendByte(v) })
	case []int8:
		return writeFixedArray(wr, TypeCodeByte, 1, t, func(wr *buffer.Buffer, v int8) { wr.AppendByte(uint8(v)) })
	case []int16:
		return writeFixedArray(wr, TypeCodeShort, 2, t, func(wr *buffer.Buffer, v int16) { wr.AppendUint16(uint16(v)) })
	case []uint16:
		return writeFixedArray(wr, TypeCodeUshort, 2, t, func(wr *buffer.Buffer, v uint16) { wr.AppendUint16(v) })
	case []int32:
		return writeInt32Array(wr, t)
	case []uint32:
		return writeUint32Array(wr, t)
	case []int64:
		return writeInt64Array(wr, t)
	case []uint64:
		return writeUint64Array(wr, t)
	case []bool:
		return writeFixedArray(wr, TypeCodeBool, 1, t, func(wr *buffer.Buffer, v bool) {
			if v {
				wr.AppendByte(1)
				return
			}
			wr.AppendByte(0)
		})
	case []float32:
		return writeFixedArray(wr, TypeCodeFloat, 4, t, func(wr *buffer.Buffer, v float32) { wr.AppendUint32(math.Float32bits(v)) })
	case []float64:
		return writeFixedArray(wr, TypeCodeDouble, 8, t, func(wr *buffer.Buffer, v float64) { wr.AppendUint64(math.Float64bits(v)) })
	case []Char:
		return writeFixedArray(wr, TypeCodeChar, 4, t, func(wr *buffer.Buffer, v Char) { wr.AppendUint32(uint32(v)) })
	case []time.Time:
		return writeFixedArray(wr, TypeCodeTimestamp, 8, t, func(wr *buffer.Buffer, v time.Time) { wr.AppendUint64(uint64(v.UnixMilli())) })
	case []UUID:
		return writeFixedArray(wr, TypeCodeUUID, 16, t, func(wr *buffer.Buffer, v UUID) { wr.Append(v[:]) })
	default:
		return errors.Errorf("marshal not implemented for %T", i)
	}
	return nil
}

func writeBool(wr *buffer.Buffer, b bool) {
	if b {
		wr.AppendByte(byte(TypeCodeBoolTrue))
		return
	}
	wr.AppendByte(byte(TypeCodeBoolFalse))
}

func writeInt32(wr *buffer.Buffer, n int32) {
	if n < 128 && n >= -128 {
		wr.Append([]byte{byte(TypeCodeSmallint), byte(n)})
		return
	}

	wr.AppendByte(byte(TypeCodeInt))
	wr.AppendUint32(uint32(n))
}

func writeInt64(wr *buffer.Buffer, n int64) {
	if n < 128 && n >= -128 {
		wr.Append([]byte{byte(TypeCodeSmalllong), byte(n)})
		return
	}

	wr.AppendByte(byte(TypeCodeLong))
	wr.AppendUint64(uint64(n))
}

func writeUint32(wr *buffer.Buffer, n uint32) {
	if n == 0 {
		wr.AppendByte(byte(TypeCodeUint0))
		return
	}

	if n < 256 {
		wr.Append([]byte{byte(TypeCodeSmallUint), byte(n)})
		return
	}

	wr.AppendByte(byte(TypeCodeUint))
	wr.AppendUint32(n)
}

func writeUint64(wr *buffer.Buffer, n uint64) {
	if n == 0 {
		wr.AppendByte(byte(TypeCodeUlong0))
		return
	}

	if n < 256 {
		wr.Append([]byte{byte(TypeCodeSmallUlong), byte(n)})
		return
	}

	wr.AppendByte(byte(TypeCodeUlong))
	wr.AppendUint64(n)
}

func writeFloat(wr *buffer.Buffer, f float32) {
	wr.AppendByte(byte(TypeCodeFloat))
	wr.AppendUint32(math.Float32bits(f))
}

func writeDouble(wr *buffer.Buffer, f float64) {
	wr.AppendByte(byte(TypeCodeDouble))
	wr.AppendUint64(math.Float64bits(f))
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) {
	wr.AppendByte(byte(TypeCodeTimestamp))
	wr.AppendUint64(uint64(t.UnixMilli()))
}

// MarshalField is a field to be marshaled
type MarshalField struct {
	Value interface{} // value to be marshaled, use pointers to avoid interface conversion overhead
	Omit  bool        // indicates that this field should be omitted (set to null)
}

// MarshalComposite is a helper for use in a composite's Marshal() function.
//
// The written bytes include the descriptor, the list header and fields.
// Fields with Omit set to true will be encoded as null or omitted
// altogether if there are no non-null fields after them.
func MarshalComposite(wr *buffer.Buffer, code AMQPType, fields ...MarshalField) error {
	// lastSetIdx is the last index to have a non-omitted field.
	// start at -1 as it's possible to have no fields in a composite
	lastSetIdx := -1

	for i, f := range fields {
		if f.Omit {
			continue
		}
		lastSetIdx = i
	}

	// write header only
	if lastSetIdx == -1 {
		WriteDescriptor(wr, code)
		wr.AppendByte(byte(TypeCodeList0))
		return nil
	}

	buf := getScratch()
	defer bufPool.Put(buf)

	// write null to each index up to lastSetIdx
	for i, f := range fields[:lastSetIdx+1] {
		if f.Omit {
			buf.AppendByte(byte(TypeCodeNull))
			continue
		}
		err := Marshal(buf, f.Value)
		if err != nil {
			return errors.Wrapf(err, "marshaling field %d of %#02x", i, uint8(code))
		}
	}

	WriteDescriptor(wr, code)
	if err := writeListHeader(wr, lastSetIdx+1, buf.Len()); err != nil {
		return err
	}
	wr.Append(buf.Bytes())
	return nil
}

// WriteDescriptor writes the descriptor constructor and the smallulong
// form of code.
func WriteDescriptor(wr *buffer.Buffer, code AMQPType) {
	wr.Append([]byte{
		0x0,
		byte(TypeCodeSmallUlong),
		uint8(code),
	})
}

// writeListHeader writes the list constructor for count elements
// occupying size bytes: list8 when both the element count and the
// size field (body plus the count byte) fit one byte, list32 otherwise.
func writeListHeader(wr *buffer.Buffer, count, size int) error {
	switch {
	case count == 0:
		wr.AppendByte(byte(TypeCodeList0))
	case count <= math.MaxUint8 && size+1 <= math.MaxUint8:
		wr.Append([]byte{byte(TypeCodeList8), byte(size + 1), byte(count)})
	case uint64(size)+4 <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeList32))
		wr.AppendUint32(uint32(size + 4))
		wr.AppendUint32(uint32(count))
	default:
		return errors.New("list too large")
	}
	return nil
}

func writeList(wr *buffer.Buffer, l []interface{}) error {
	if len(l) == 0 {
		wr.AppendByte(byte(TypeCodeList0))
		return nil
	}

	buf := getScratch()
	defer bufPool.Put(buf)

	for _, v := range l {
		if err := Marshal(buf, v); err != nil {
			return err
		}
	}

	if err := writeListHeader(wr, len(l), buf.Len()); err != nil {
		return err
	}
	wr.Append(buf.Bytes())
	return nil
}

func writeSymbol(wr *buffer.Buffer, sym Symbol) error {
	if !utf8.ValidString(string(sym)) {
		return errors.New("not a valid UTF-8 string")
	}
	return writeVariable(wr, TypeCodeSym8, TypeCodeSym32, string(sym))
}

func writeString(wr *buffer.Buffer, str string) error {
	if !utf8.ValidString(str) {
		return errors.New("not a valid UTF-8 string")
	}
	return writeVariable(wr, TypeCodeStr8, TypeCodeStr32, str)
}

func writeBinary(wr *buffer.Buffer, bin []byte) error {
	l := len(bin)

	switch {
	case l <= math.MaxUint8:
		wr.Append([]byte{byte(TypeCodeVbin8), byte(l)})
	case uint64(l) <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeVbin32))
		wr.AppendUint32(uint32(l))
	default:
		return errors.New("too long")
	}
	wr.Append(bin)
	return nil
}

func writeVariable(wr *buffer.Buffer, code8, code32 AMQPType, s string) error {
	l := len(s)

	switch {
	case l <= math.MaxUint8:
		wr.Append([]byte{byte(code8), byte(l)})
	case uint64(l) <= math.MaxUint32:
		wr.AppendByte(byte(code32))
		wr.AppendUint32(uint32(l))
	default:
		return errors.New("too long")
	}
	wr.AppendString(s)
	return nil
}

// writeArrayHeader writes the array constructor for count elements
// sharing the element constructor of, followed by size bytes of
// element data. The size field covers the count and the constructor.
func writeArrayHeader(wr *buffer.Buffer, of AMQPType, count, size int) error {
	switch {
	case count <= math.MaxUint8 && size+2 <= math.MaxUint8:
		wr.Append([]byte{byte(TypeCodeArray8), byte(size + 2), byte(count)})
	case uint64(size)+5 <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeArray32))
		wr.AppendUint32(uint32(size + 5))
		wr.AppendUint32(uint32(count))
	default:
		return errors.New("array too large")
	}
	wr.AppendByte(byte(of))
	return nil
}

func writeFixedArray[T any](wr *buffer.Buffer, of AMQPType, width int, elems []T, put func(*buffer.Buffer, T)) error {
	if err := writeArrayHeader(wr, of, len(elems), len(elems)*width); err != nil {
		return err
	}
	for _, e := range elems {
		put(wr, e)
	}
	return nil
}

func writeInt32Array(wr *buffer.Buffer, a []int32) error {
	for _, n := range a {
		if n < -128 || n > 127 {
			return writeFixedArray(wr, TypeCodeInt, 4, a, func(wr *buffer.Buffer, v int32) { wr.AppendUint32(uint32(v)) })
		}
	}
	return writeFixedArray(wr, TypeCodeSmallint, 1, a, func(wr *buffer.Buffer, v int32) { wr.AppendByte(byte(v)) })
}

func writeInt64Array(wr *buffer.Buffer, a []int64) error {
	for _, n := range a {
		if n < -128 || n > 127 {
			return writeFixedArray(wr, TypeCodeLong, 8, a, func(wr *buffer.Buffer, v int64) { wr.AppendUint64(uint64(v)) })
		}
	}
	return writeFixedArray(wr, TypeCodeSmalllong, 1, a, func(wr *buffer.Buffer, v int64) { wr.AppendByte(byte(v)) })
}

func writeUint32Array(wr *buffer.Buffer, a []uint32) error {
	for _, n := range a {
		if n > math.MaxUint8 {
			return writeFixedArray(wr, TypeCodeUint, 4, a, func(wr *buffer.Buffer, v uint32) { wr.AppendUint32(v) })
		}
	}
	return writeFixedArray(wr, TypeCodeSmallUint, 1, a, func(wr *buffer.Buffer, v uint32) { wr.AppendByte(byte(v)) })
}

func writeUint64Array(wr *buffer.Buffer, a []uint64) error {
	for _, n := range a {
		if n > math.MaxUint8 {
			return writeFixedArray(wr, TypeCodeUlong, 8, a, func(wr *buffer.Buffer, v uint64) { wr.AppendUint64(v) })
		}
	}
	return writeFixedArray(wr, TypeCodeSmallUlong, 1, a, func(wr *buffer.Buffer, v uint64) { wr.AppendByte(byte(v)) })
}

// writeVariableArray encodes elements of a variable width type, choosing
// the 8 bit length form when every element fits it.
func writeVariableArray(wr *buffer.Buffer, code8, code32 AMQPType, elems []string) error {
	of := code8
	for _, e := range elems {
		if len(e) > math.MaxUint8 {
			of = code32
			break
		}
	}

	buf := getScratch()
	defer bufPool.Put(buf)

	for _, e := range elems {
		if of == code8 {
			buf.AppendByte(byte(len(e)))
		} else {
			buf.AppendUint32(uint32(len(e)))
		}
		buf.AppendString(e)
	}

	if err := writeArrayHeader(wr, of, len(elems), buf.Len()); err != nil {
		return err
	}
	wr.Append(buf.Bytes())
	return nil
}

func writeSymbolArray(wr *buffer.Buffer, symbols []Symbol) error {
	elems := make([]string, len(symbols))
	for i, s := range symbols {
		if !utf8.ValidString(string(s)) {
			return errors.New("not a valid UTF-8 string")
		}
		elems[i] = string(s)
	}
	return writeVariableArray(wr, TypeCodeSym8, TypeCodeSym32, elems)
}

func writeStringArray(wr *buffer.Buffer, strs []string) error {
	for _, s := range strs {
		if !utf8.ValidString(s) {
			return errors.New("not a valid UTF-8 string")
		}
	}
	return writeVariableArray(wr, TypeCodeStr8, TypeCodeStr32, strs)
}

func writeBinaryArray(wr *buffer.Buffer, bins [][]byte) error {
	elems := make([]string, len(bins))
	for i, b := range bins {
		elems[i] = string(b)
	}
	return writeVariableArray(wr, TypeCodeVbin8, TypeCodeVbin32, elems)
}

func writeMap(wr *buffer.Buffer, m interface{}) error {
	var length int
	buf := getScratch()
	defer bufPool.Put(buf)

	switch m := m.(type) {
	case map[interface{}]interface{}:
		length = len(m)
		for key, val := range m {
			err := Marshal(buf, key)
			if err != nil {
				return err
			}
			err = Marshal(buf, val)
			if err != nil {
				return err
			}
		}
	case Annotations:
		length = len(m)
		for key, val := range m {
			var err error
			// string keys are symbols in annotations
			if s, ok := key.(string); ok {
				err = writeSymbol(buf, Symbol(s))
			} else {
				err = Marshal(buf, key)
			}
			if err != nil {
				return err
			}
			err = Marshal(buf, val)
			if err != nil {
				return err
			}
		}
	case map[string]interface{}:
		length = len(m)
		for key, val := range m {
			err := writeString(buf, key)
			if err != nil {
				return err
			}
			err = Marshal(buf, val)
			if err != nil {
				return err
			}
		}
	case map[Symbol]interface{}:
		length = len(m)
		for key, val := range m {
			err := writeSymbol(buf, key)
			if err != nil {
				return err
			}
			err = Marshal(buf, val)
			if err != nil {
				return err
			}
		}
	case Filter:
		length = len(m)
		for key, val := range m {
			err := writeSymbol(buf, key)
			if err != nil {
				return err
			}
			err = Marshal(buf, val)
			if err != nil {
				return err
			}
		}
	case Unsettled:
		length = len(m)
		for key, val := range m {
			err := writeBinary(buf, []byte(key))
			if err != nil {
				return err
			}
			err = Marshal(buf, val)
			if err != nil {
				return err
			}
		}
	default:
		return errors.Errorf("unsupported type or map type %T", m)
	}

	pairs := length * 2
	l := buf.Len()
	switch {
	case pairs <= math.MaxUint8 && l+1 <= math.MaxUint8:
		wr.Append([]byte{byte(TypeCodeMap8), byte(l + 1), byte(pairs)})
	case uint64(l)+4 <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeMap32))
		wr.AppendUint32(uint32(l + 4))
		wr.AppendUint32(uint32(pairs))
	default:
		return errors.New("map too large")
	}

	wr.Append(buf.Bytes())
	return nil
}
