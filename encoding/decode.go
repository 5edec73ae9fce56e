package encoding

import (
	"math"
	"reflect"
	"time"

	"github.com/pkg/errors"

	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

// unmarshaler is fulfilled by types that can unmarshal
// themselves from AMQP data.
type unmarshaler interface {
	Unmarshal(r *buffer.Buffer) error
}

// Unmarshal decodes AMQP encoded data into i.
//
// The decoding method is based on the type of i.
//
// If i implements unmarshaler, i.Unmarshal() will be called.
//
// Pointers to primitive types will be decoded via the appropriate read[Type] function.
//
// If i is a pointer to a pointer (**Type), it will be dereferenced and a new instance
// of (*Type) is allocated via reflection.
//
// A null value is consumed and leaves i untouched.
func Unmarshal(r *buffer.Buffer, i interface{}) error {
	if tryReadNull(r) {
		return nil
	}

	switch t := i.(type) {
	case unmarshaler:
		return t.Unmarshal(r)
	case *bool:
		b, err := readBool(r)
		if err != nil {
			return err
		}
		*t = b
	case *uint8:
		n, err := readUintN(r, math.MaxUint8)
		if err != nil {
			return err
		}
		*t = uint8(n)
	case *uint16:
		n, err := readUintN(r, math.MaxUint16)
		if err != nil {
			return err
		}
		*t = uint16(n)
	case *uint32:
		n, err := readUintN(r, math.MaxUint32)
		if err != nil {
			return err
		}
		*t = uint32(n)
	case *uint64:
		n, err := readUint(r)
		if err != nil {
			return err
		}
		*t = n
	case *uint:
		n, err := readUint(r)
		if err != nil {
			return err
		}
		*t = uint(n)
	case *int8:
		n, err := readIntN(r, math.MinInt8, math.MaxInt8)
		if err != nil {
			return err
		}
		*t = int8(n)
	case *int16:
		n, err := readIntN(r, math.MinInt16, math.MaxInt16)
		if err != nil {
			return err
		}
		*t = int16(n)
	case *int32:
		n, err := readIntN(r, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		*t = int32(n)
	case *int64:
		n, err := readInt(r)
		if err != nil {
			return err
		}
		*t = n
	case *int:
		n, err := readInt(r)
		if err != nil {
			return err
		}
		*t = int(n)
	case *float32:
		code, err := readConstructor(r, TypeCodeFloat)
		if err != nil {
			return err
		}
		v, err := readValue(r, code)
		if err != nil {
			return err
		}
		*t = v.(float32)
	case *float64:
		code, err := readConstructor(r, TypeCodeDouble)
		if err != nil {
			return err
		}
		v, err := readValue(r, code)
		if err != nil {
			return err
		}
		*t = v.(float64)
	case *Char:
		code, err := readConstructor(r, TypeCodeChar)
		if err != nil {
			return err
		}
		v, err := readValue(r, code)
		if err != nil {
			return err
		}
		*t = v.(Char)
	case *string:
		s, err := readString(r)
		if err != nil {
			return err
		}
		*t = s
	case *Symbol:
		s, err := readString(r)
		if err != nil {
			return err
		}
		*t = Symbol(s)
	case *[]Symbol:
		sa, err := readSymbolArray(r)
		if err != nil {
			return err
		}
		*t = sa
	case *[]string:
		sa, err := readStringArray(r)
		if err != nil {
			return err
		}
		*t = sa
	case *[]byte:
		b, err := readBinary(r)
		if err != nil {
			return err
		}
		*t = b
	case *time.Time:
		ts, err := readTimestamp(r)
		if err != nil {
			return err
		}
		*t = ts
	case *[]interface{}:
		code, err := readConstructor(r, TypeCodeList0, TypeCodeList8, TypeCodeList32)
		if err != nil {
			return err
		}
		v, err := readValue(r, code)
		if err != nil {
			return err
		}
		*t = v.([]interface{})
	case *map[interface{}]interface{}:
		m, err := readMapAnyAny(r)
		if err != nil {
			return err
		}
		*t = m
	case *map[string]interface{}:
		return readMapStringAny(r, t)
	case *map[Symbol]interface{}:
		return readMapSymbolAny(r, t)
	case *DeliveryState:
		typ, err := PeekDescriptor(r.Bytes())
		if err != nil {
			return err
		}
		s, err := newDeliveryState(typ)
		if err != nil {
			return err
		}
		if err := s.Unmarshal(r); err != nil {
			return err
		}
		*t = s
	case *interface{}:
		v, err := ReadAny(r)
		if err != nil {
			return err
		}
		*t = v
	default:
		v := reflect.ValueOf(i)         // **struct
		indirect := reflect.Indirect(v) // *struct
		if indirect.Kind() == reflect.Ptr {
			if indirect.IsNil() { // *struct == nil
				indirect.Set(reflect.New(indirect.Type().Elem()))
			}
			return Unmarshal(r, indirect.Interface())
		}
		return errors.Errorf("unable to unmarshal %T", i)
	}
	return nil
}

// tryReadNull consumes a null constructor if it is next in r.
func tryReadNull(r *buffer.Buffer) bool {
	b, err := r.PeekByte()
	if err != nil || AMQPType(b) != TypeCodeNull {
		return false
	}
	r.Skip(1)
	return true
}

// UnmarshalComposite is a helper for use in a composite's Unmarshal() function.
//
// The composite from r will be unmarshaled into zero or more fields. An error
// will be returned if typ does not match the decoded type, if fewer than
// the type's mandatory fields are present or if the fields do not fill
// the list exactly. Fields beyond those known are skipped.
func UnmarshalComposite(r *buffer.Buffer, typ AMQPType, fields ...UnmarshalField) error {
	t, h, err := readCompositeHeader(r)
	if err != nil {
		return err
	}

	// check type matches expectation
	if t != typ {
		return decodeErrorf("invalid header %#0x for %#0x", t, typ)
	}

	numFields := int(h.count)
	if min := MinFields(typ); numFields < min {
		return decodeErrorf("%s requires at least %d fields, got %d", described[typ].name, min, numFields)
	}

	for i := 0; i < numFields; i++ {
		if i >= len(fields) {
			if err := SkipValue(r); err != nil {
				return errors.Wrapf(err, "skipping field %d", i)
			}
			continue
		}

		// If the field is null and HandleNull is set, call it.
		if tryReadNull(r) {
			if fields[i].HandleNull != nil {
				if err := fields[i].HandleNull(); err != nil {
					return err
				}
			}
			continue
		}

		err := Unmarshal(r, fields[i].Field)
		if err != nil {
			return errors.Wrapf(err, "unmarshaling field %d", i)
		}
	}

	if err := h.finish(r); err != nil {
		return err
	}

	// check and call HandleNull for the remaining fields
	for i := numFields; i < len(fields); i++ {
		if fields[i].HandleNull != nil {
			err = fields[i].HandleNull()
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// UnmarshalField is a struct that contains a field to be unmarshaled into.
//
// An optional NullHandler can be set. If the composite field being unmarshaled
// is null and HandleNull is not nil, HandleNull will be called.
type UnmarshalField struct {
	Field      interface{}
	HandleNull NullHandler
}

// NullHandler is a function to be called when a composite's field
// is null.
type NullHandler func() error

// Required returns a NullHandler that will cause an error to
// be returned if the field is null.
func Required(name string) NullHandler {
	return func() error {
		return decodeErrorf("%s is required", name)
	}
}

// DefaultUint32 returns a NullHandler that sets n to defaultValue
// if the field is null.
func DefaultUint32(n *uint32, defaultValue uint32) NullHandler {
	return func() error {
		*n = defaultValue
		return nil
	}
}

// DefaultUint16 returns a NullHandler that sets n to defaultValue
// if the field is null.
func DefaultUint16(n *uint16, defaultValue uint16) NullHandler {
	return func() error {
		*n = defaultValue
		return nil
	}
}

// DefaultSymbol returns a NullHandler that sets s to defaultValue
// if the field is null.
func DefaultSymbol(s *Symbol, defaultValue Symbol) NullHandler {
	return func() error {
		*s = defaultValue
		return nil
	}
}

// compound records where a compound value must end.
type compound struct {
	count uint32
	end   int // r.Len() once every element is consumed
}

func (c compound) finish(r *buffer.Buffer) error {
	if r.Len() != c.end {
		return decodeErrorf("compound elements consumed %d bytes more than declared", c.end-r.Len())
	}
	return nil
}

// readCompositeHeader reads and consumes the composite header from r.
func readCompositeHeader(r *buffer.Buffer) (AMQPType, compound, error) {
	byt, err := r.ReadByte()
	if err != nil {
		return 0, compound{}, errTruncated
	}

	// composites always start with 0x0
	if byt != 0 {
		return 0, compound{}, decodeErrorf("invalid composite header %#02x", byt)
	}

	code, err := readDescriptor(r)
	if err != nil {
		return 0, compound{}, err
	}

	// fields are represented as a list
	h, err := readListHeader(r)
	return code, h, err
}

// readDescriptor reads a numeric or symbolic descriptor following the
// 0x00 described type constructor.
func readDescriptor(r *buffer.Buffer) (AMQPType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, errTruncated
	}

	switch AMQPType(b) {
	case TypeCodeUlong0:
		return 0, nil
	case TypeCodeSmallUlong:
		v, err := r.ReadByte()
		if err != nil {
			return 0, errTruncated
		}
		return AMQPType(v), nil
	case TypeCodeUlong:
		v, err := r.ReadUint64()
		if err != nil {
			return 0, errTruncated
		}
		if v > math.MaxUint8 {
			return 0, decodeErrorf("unknown descriptor %#x", v)
		}
		return AMQPType(v), nil
	case TypeCodeSym8, TypeCodeSym32:
		s, err := readVariableType(r, AMQPType(b))
		if err != nil {
			return 0, err
		}
		code, ok := descriptorSymbols[Symbol(s)]
		if !ok {
			return 0, decodeErrorf("unknown descriptor %q", s)
		}
		return code, nil
	default:
		return 0, decodeErrorf("invalid descriptor constructor %#02x", b)
	}
}

// PeekDescriptor returns the descriptor of the described type encoded at
// the start of b without consuming it.
func PeekDescriptor(b []byte) (AMQPType, error) {
	if len(b) == 0 {
		return 0, errTruncated
	}
	if b[0] != 0x0 {
		return 0, decodeErrorf("expected described type, got constructor %#02x", b[0])
	}
	return readDescriptor(buffer.New(b[1:]))
}

func readListHeader(r *buffer.Buffer) (compound, error) {
	b, err := r.ReadByte()
	if err != nil {
		return compound{}, errTruncated
	}

	switch AMQPType(b) {
	case TypeCodeList0:
		return compound{end: r.Len()}, nil
	case TypeCodeList8, TypeCodeList32:
		return readSizeAndCount(r, AMQPType(b) == TypeCodeList32, 1)
	default:
		return compound{}, decodeErrorf("type code %#02x is not a recognized list type", b)
	}
}

func readMapHeader(r *buffer.Buffer) (compound, error) {
	b, err := r.ReadByte()
	if err != nil {
		return compound{}, errTruncated
	}

	switch AMQPType(b) {
	case TypeCodeMap8, TypeCodeMap32:
		return readMapBody(r, AMQPType(b))
	default:
		return compound{}, decodeErrorf("invalid map type %#02x", b)
	}
}

// readMapBody reads the size and count following a map constructor.
func readMapBody(r *buffer.Buffer, code AMQPType) (compound, error) {
	h, err := readSizeAndCount(r, code == TypeCodeMap32, 1)
	if err != nil {
		return compound{}, err
	}
	if h.count%2 != 0 {
		return compound{}, decodeErrorf("map has odd number of elements %d", h.count)
	}
	return h, nil
}

// readSizeAndCount reads the size and count of a list, map or array and
// checks that count elements of at least minWidth bytes fit the size.
func readSizeAndCount(r *buffer.Buffer, wide bool, minWidth int) (compound, error) {
	var size, count uint64
	countWidth := uint64(1)
	if wide {
		countWidth = 4
		s, err := r.ReadUint32()
		if err != nil {
			return compound{}, errTruncated
		}
		size = uint64(s)
	} else {
		s, err := r.ReadByte()
		if err != nil {
			return compound{}, errTruncated
		}
		size = uint64(s)
	}

	if size < countWidth || size > uint64(r.Len()) {
		return compound{}, errInvalidLength
	}
	end := r.Len() - int(size)

	if wide {
		c, _ := r.ReadUint32()
		count = uint64(c)
	} else {
		c, _ := r.ReadByte()
		count = uint64(c)
	}

	if count*uint64(minWidth) > size-countWidth {
		return compound{}, errInvalidLength
	}
	return compound{count: uint32(count), end: end}, nil
}

// readArrayHeader reads an array header and the shared element constructor.
func readArrayHeader(r *buffer.Buffer, code AMQPType) (compound, AMQPType, error) {
	h, err := readSizeAndCount(r, code == TypeCodeArray32, 0)
	if err != nil {
		return compound{}, 0, err
	}

	b, err := r.ReadByte()
	if err != nil || r.Len() < h.end {
		return compound{}, 0, errInvalidLength
	}
	ctor := AMQPType(b)
	if ctor == 0x0 {
		return compound{}, 0, decodeErrorf("arrays of described types are not supported")
	}

	width, ok := minWidth(ctor)
	if !ok {
		return compound{}, 0, decodeErrorf("unknown array element type %#02x", b)
	}
	data := uint64(r.Len() - h.end)
	switch {
	case width == 0 && h.count > math.MaxUint8:
		return compound{}, 0, errInvalidLength
	case uint64(h.count)*uint64(width) > data:
		return compound{}, 0, errInvalidLength
	}
	return h, ctor, nil
}

// minWidth returns the smallest number of bytes a value encoded with
// constructor code occupies after the constructor.
func minWidth(code AMQPType) (int, bool) {
	switch code {
	case TypeCodeNull, TypeCodeBoolTrue, TypeCodeBoolFalse, TypeCodeUint0,
		TypeCodeUlong0, TypeCodeList0:
		return 0, true
	case TypeCodeBool, TypeCodeUbyte, TypeCodeByte, TypeCodeSmallUint,
		TypeCodeSmallUlong, TypeCodeSmallint, TypeCodeSmalllong,
		TypeCodeVbin8, TypeCodeStr8, TypeCodeSym8:
		return 1, true
	case TypeCodeUshort, TypeCodeShort, TypeCodeList8, TypeCodeMap8:
		return 2, true
	case TypeCodeArray8:
		return 3, true
	case TypeCodeUint, TypeCodeInt, TypeCodeFloat, TypeCodeChar, TypeCodeDecimal32,
		TypeCodeVbin32, TypeCodeStr32, TypeCodeSym32:
		return 4, true
	case TypeCodeUlong, TypeCodeLong, TypeCodeDouble, TypeCodeTimestamp,
		TypeCodeDecimal64, TypeCodeList32, TypeCodeMap32:
		return 8, true
	case TypeCodeArray32:
		return 9, true
	case TypeCodeDecimal128, TypeCodeUUID:
		return 16, true
	default:
		return 0, false
	}
}

// readConstructor reads a constructor and checks it is one of allowed.
func readConstructor(r *buffer.Buffer, allowed ...AMQPType) (AMQPType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, errTruncated
	}
	for _, a := range allowed {
		if AMQPType(b) == a {
			return a, nil
		}
	}
	return 0, decodeErrorf("unexpected type code %#02x", b)
}

func readFixed(r *buffer.Buffer, n int64) ([]byte, error) {
	b, ok := r.Next(n)
	if !ok {
		return nil, errTruncated
	}
	return b, nil
}

// ReadAny decodes the next value in r into its natural Go type.
func ReadAny(r *buffer.Buffer) (interface{}, error) {
	b, err := r.PeekByte()
	if err != nil {
		return nil, errTruncated
	}

	if b == 0x0 {
		return readDescribed(r)
	}

	r.Skip(1)
	return readValue(r, AMQPType(b))
}

func readDescribed(r *buffer.Buffer) (interface{}, error) {
	if code, err := PeekDescriptor(r.Bytes()); err == nil {
		if v := newDescribed(code); v != nil {
			if err := v.Unmarshal(r); err != nil {
				return nil, err
			}
			if lp, ok := v.(*LifetimePolicy); ok {
				return *lp, nil
			}
			return v, nil
		}
	}

	var dt DescribedType
	if err := dt.Unmarshal(r); err != nil {
		return nil, err
	}
	return &dt, nil
}

// readValue decodes the value following constructor code.
func readValue(r *buffer.Buffer, code AMQPType) (interface{}, error) {
	switch code {
	case TypeCodeNull:
		return nil, nil

	// bool
	case TypeCodeBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		return b != 0, nil
	case TypeCodeBoolTrue:
		return true, nil
	case TypeCodeBoolFalse:
		return false, nil

	// unsigned integers
	case TypeCodeUbyte:
		b, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		return b, nil
	case TypeCodeUshort:
		n, err := r.ReadUint16()
		if err != nil {
			return nil, errTruncated
		}
		return n, nil
	case TypeCodeUint0:
		return uint32(0), nil
	case TypeCodeSmallUint:
		b, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		return uint32(b), nil
	case TypeCodeUint:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, errTruncated
		}
		return n, nil
	case TypeCodeUlong0:
		return uint64(0), nil
	case TypeCodeSmallUlong:
		b, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		return uint64(b), nil
	case TypeCodeUlong:
		n, err := r.ReadUint64()
		if err != nil {
			return nil, errTruncated
		}
		return n, nil

	// signed integers
	case TypeCodeByte:
		b, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		return int8(b), nil
	case TypeCodeShort:
		n, err := r.ReadUint16()
		if err != nil {
			return nil, errTruncated
		}
		return int16(n), nil
	case TypeCodeSmallint:
		b, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		return int32(int8(b)), nil
	case TypeCodeInt:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, errTruncated
		}
		return int32(n), nil
	case TypeCodeSmalllong:
		b, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		return int64(int8(b)), nil
	case TypeCodeLong:
		n, err := r.ReadUint64()
		if err != nil {
			return nil, errTruncated
		}
		return int64(n), nil

	// floating point and decimals
	case TypeCodeFloat:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, errTruncated
		}
		return math.Float32frombits(n), nil
	case TypeCodeDouble:
		n, err := r.ReadUint64()
		if err != nil {
			return nil, errTruncated
		}
		return math.Float64frombits(n), nil
	case TypeCodeDecimal32:
		var d Decimal32
		b, err := readFixed(r, int64(len(d)))
		copy(d[:], b)
		return d, err
	case TypeCodeDecimal64:
		var d Decimal64
		b, err := readFixed(r, int64(len(d)))
		copy(d[:], b)
		return d, err
	case TypeCodeDecimal128:
		var d Decimal128
		b, err := readFixed(r, int64(len(d)))
		copy(d[:], b)
		return d, err

	// other fixed width
	case TypeCodeChar:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, errTruncated
		}
		return Char(n), nil
	case TypeCodeTimestamp:
		n, err := r.ReadUint64()
		if err != nil {
			return nil, errTruncated
		}
		return time.UnixMilli(int64(n)).UTC(), nil
	case TypeCodeUUID:
		var u UUID
		b, err := readFixed(r, int64(len(u)))
		copy(u[:], b)
		return u, err

	// variable width
	case TypeCodeVbin8, TypeCodeVbin32:
		return readVariableType(r, code)
	case TypeCodeStr8, TypeCodeStr32:
		b, err := readVariableType(r, code)
		return string(b), err
	case TypeCodeSym8, TypeCodeSym32:
		b, err := readVariableType(r, code)
		return Symbol(b), err

	// compound
	case TypeCodeList0:
		return []interface{}{}, nil
	case TypeCodeList8, TypeCodeList32:
		h, err := readSizeAndCount(r, code == TypeCodeList32, 1)
		if err != nil {
			return nil, err
		}
		return readListElems(r, h)
	case TypeCodeMap8, TypeCodeMap32:
		h, err := readMapBody(r, code)
		if err != nil {
			return nil, err
		}
		return readMapElems(r, h)
	case TypeCodeArray8, TypeCodeArray32:
		return readArray(r, code)

	default:
		return nil, decodeErrorf("unknown type code %#02x", uint8(code))
	}
}

func readListElems(r *buffer.Buffer, h compound) ([]interface{}, error) {
	l := make([]interface{}, 0, h.count)
	for i := uint32(0); i < h.count; i++ {
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		l = append(l, v)
	}
	return l, h.finish(r)
}

func collect[T any](r *buffer.Buffer, code AMQPType, n uint32) ([]T, error) {
	out := make([]T, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := readValue(r, code)
		if err != nil {
			return nil, err
		}
		e, _ := v.(T)
		out = append(out, e)
	}
	return out, nil
}

// readArray decodes an array into a slice typed by its element constructor.
func readArray(r *buffer.Buffer, code AMQPType) (interface{}, error) {
	h, ctor, err := readArrayHeader(r, code)
	if err != nil {
		return nil, err
	}

	var v interface{}
	switch ctor {
	case TypeCodeBool, TypeCodeBoolTrue, TypeCodeBoolFalse:
		v, err = collect[bool](r, ctor, h.count)
	case TypeCodeUbyte:
		var a []uint8
		a, err = collect[uint8](r, ctor, h.count)
		v = ArrayUByte(a)
	case TypeCodeUshort:
		v, err = collect[uint16](r, ctor, h.count)
	case TypeCodeUint, TypeCodeSmallUint, TypeCodeUint0:
		v, err = collect[uint32](r, ctor, h.count)
	case TypeCodeUlong, TypeCodeSmallUlong, TypeCodeUlong0:
		v, err = collect[uint64](r, ctor, h.count)
	case TypeCodeByte:
		v, err = collect[int8](r, ctor, h.count)
	case TypeCodeShort:
		v, err = collect[int16](r, ctor, h.count)
	case TypeCodeInt, TypeCodeSmallint:
		v, err = collect[int32](r, ctor, h.count)
	case TypeCodeLong, TypeCodeSmalllong:
		v, err = collect[int64](r, ctor, h.count)
	case TypeCodeFloat:
		v, err = collect[float32](r, ctor, h.count)
	case TypeCodeDouble:
		v, err = collect[float64](r, ctor, h.count)
	case TypeCodeChar:
		v, err = collect[Char](r, ctor, h.count)
	case TypeCodeTimestamp:
		v, err = collect[time.Time](r, ctor, h.count)
	case TypeCodeUUID:
		v, err = collect[UUID](r, ctor, h.count)
	case TypeCodeVbin8, TypeCodeVbin32:
		v, err = collect[[]byte](r, ctor, h.count)
	case TypeCodeStr8, TypeCodeStr32:
		v, err = collect[string](r, ctor, h.count)
	case TypeCodeSym8, TypeCodeSym32:
		v, err = collect[Symbol](r, ctor, h.count)
	default:
		v, err = readArrayOfCompounds(r, ctor, h.count)
	}
	if err != nil {
		return nil, err
	}
	return v, h.finish(r)
}

// readArrayOfCompounds decodes array elements that carry their own size
// header after the shared constructor.
func readArrayOfCompounds(r *buffer.Buffer, ctor AMQPType, n uint32) ([]interface{}, error) {
	out := make([]interface{}, 0, n)
	for i := uint32(0); i < n; i++ {
		var (
			v   interface{}
			err error
		)
		switch ctor {
		case TypeCodeList0:
			v = []interface{}{}
		case TypeCodeList8, TypeCodeList32:
			var h compound
			h, err = readSizeAndCount(r, ctor == TypeCodeList32, 1)
			if err == nil {
				v, err = readListElems(r, h)
			}
		case TypeCodeMap8, TypeCodeMap32:
			var h compound
			h, err = readMapBody(r, ctor)
			if err == nil {
				v, err = readMapElems(r, h)
			}
		case TypeCodeArray8, TypeCodeArray32:
			v, err = readArray(r, ctor)
		default:
			v, err = readValue(r, ctor)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readVariableType(r *buffer.Buffer, of AMQPType) ([]byte, error) {
	var n int64
	switch of {
	case TypeCodeVbin8, TypeCodeStr8, TypeCodeSym8:
		b, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		n = int64(b)
	case TypeCodeVbin32, TypeCodeStr32, TypeCodeSym32:
		l, err := r.ReadUint32()
		if err != nil {
			return nil, errTruncated
		}
		n = int64(l)
	default:
		return nil, decodeErrorf("type code %#02x is not a recognized variable length type", uint8(of))
	}

	b, ok := r.Next(n)
	if !ok {
		return nil, errInvalidLength
	}
	return append([]byte(nil), b...), nil
}

func readString(r *buffer.Buffer) (string, error) {
	code, err := readConstructor(r, TypeCodeStr8, TypeCodeStr32, TypeCodeSym8, TypeCodeSym32)
	if err != nil {
		return "", err
	}

	vari, err := readVariableType(r, code)
	return string(vari), err
}

func readBinary(r *buffer.Buffer) ([]byte, error) {
	code, err := readConstructor(r, TypeCodeVbin8, TypeCodeVbin32)
	if err != nil {
		return nil, err
	}
	return readVariableType(r, code)
}

// readSymbolArray accepts both an array of symbols and a single symbol,
// as multiple-valued fields allow either.
func readSymbolArray(r *buffer.Buffer) ([]Symbol, error) {
	code, err := readConstructor(r, TypeCodeSym8, TypeCodeSym32, TypeCodeArray8, TypeCodeArray32)
	if err != nil {
		return nil, err
	}

	if code == TypeCodeSym8 || code == TypeCodeSym32 {
		s, err := readVariableType(r, code)
		return []Symbol{Symbol(s)}, err
	}

	v, err := readArray(r, code)
	if err != nil {
		return nil, err
	}
	sa, ok := v.([]Symbol)
	if !ok {
		return nil, decodeErrorf("expected array of symbols, got %T", v)
	}
	return sa, nil
}

func readStringArray(r *buffer.Buffer) ([]string, error) {
	code, err := readConstructor(r, TypeCodeStr8, TypeCodeStr32, TypeCodeArray8, TypeCodeArray32)
	if err != nil {
		return nil, err
	}

	if code == TypeCodeStr8 || code == TypeCodeStr32 {
		s, err := readVariableType(r, code)
		return []string{string(s)}, err
	}

	v, err := readArray(r, code)
	if err != nil {
		return nil, err
	}
	sa, ok := v.([]string)
	if !ok {
		return nil, decodeErrorf("expected array of strings, got %T", v)
	}
	return sa, nil
}

func readTimestamp(r *buffer.Buffer) (time.Time, error) {
	code, err := readConstructor(r, TypeCodeTimestamp)
	if err != nil {
		return time.Time{}, err
	}
	v, err := readValue(r, code)
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

func readUUID(r *buffer.Buffer) (UUID, error) {
	code, err := readConstructor(r, TypeCodeUUID)
	if err != nil {
		return UUID{}, err
	}
	v, err := readValue(r, code)
	if err != nil {
		return UUID{}, err
	}
	return v.(UUID), nil
}

func readBool(r *buffer.Buffer) (bool, error) {
	code, err := readConstructor(r, TypeCodeBool, TypeCodeBoolTrue, TypeCodeBoolFalse)
	if err != nil {
		return false, err
	}
	v, err := readValue(r, code)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// readUint reads any width of unsigned integer.
func readUint(r *buffer.Buffer) (uint64, error) {
	code, err := readConstructor(r,
		TypeCodeUbyte, TypeCodeUshort,
		TypeCodeUint0, TypeCodeSmallUint, TypeCodeUint,
		TypeCodeUlong0, TypeCodeSmallUlong, TypeCodeUlong,
	)
	if err != nil {
		return 0, err
	}
	v, err := readValue(r, code)
	if err != nil {
		return 0, err
	}

	switch n := v.(type) {
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	default:
		return n.(uint64), nil
	}
}

func readUintN(r *buffer.Buffer, max uint64) (uint64, error) {
	n, err := readUint(r)
	if err != nil {
		return 0, err
	}
	if n > max {
		return 0, decodeErrorf("value %d overflows target type", n)
	}
	return n, nil
}

func readUbyte(r *buffer.Buffer) (uint8, error) {
	n, err := readUintN(r, math.MaxUint8)
	return uint8(n), err
}

// readInt reads any width of signed integer.
func readInt(r *buffer.Buffer) (int64, error) {
	code, err := readConstructor(r,
		TypeCodeByte, TypeCodeShort,
		TypeCodeSmallint, TypeCodeInt,
		TypeCodeSmalllong, TypeCodeLong,
	)
	if err != nil {
		return 0, err
	}
	v, err := readValue(r, code)
	if err != nil {
		return 0, err
	}

	switch n := v.(type) {
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	default:
		return n.(int64), nil
	}
}

func readIntN(r *buffer.Buffer, min, max int64) (int64, error) {
	n, err := readInt(r)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, decodeErrorf("value %d overflows target type", n)
	}
	return n, nil
}

// checkKey rejects map keys that cannot be used in a Go map.
func checkKey(key interface{}) error {
	if key == nil {
		return nil
	}
	if !reflect.TypeOf(key).Comparable() {
		return decodeErrorf("unhashable map key of type %T", key)
	}
	return nil
}

func readMapAnyAny(r *buffer.Buffer) (map[interface{}]interface{}, error) {
	h, err := readMapHeader(r)
	if err != nil {
		return nil, err
	}
	return readMapElems(r, h)
}

func readMapElems(r *buffer.Buffer, h compound) (map[interface{}]interface{}, error) {
	m := make(map[interface{}]interface{}, h.count/2)
	for i := uint32(0); i < h.count; i += 2 {
		key, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		value, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		if err := checkKey(key); err != nil {
			return nil, err
		}
		m[key] = value
	}
	return m, h.finish(r)
}

func readMapStringAny(r *buffer.Buffer, t *map[string]interface{}) error {
	h, err := readMapHeader(r)
	if err != nil {
		return err
	}

	m := make(map[string]interface{}, h.count/2)
	for i := uint32(0); i < h.count; i += 2 {
		key, err := readString(r)
		if err != nil {
			return err
		}
		value, err := ReadAny(r)
		if err != nil {
			return err
		}
		m[key] = value
	}
	*t = m
	return h.finish(r)
}

func readMapSymbolAny(r *buffer.Buffer, t *map[Symbol]interface{}) error {
	h, err := readMapHeader(r)
	if err != nil {
		return err
	}

	m := make(map[Symbol]interface{}, h.count/2)
	for i := uint32(0); i < h.count; i += 2 {
		key, err := readString(r)
		if err != nil {
			return err
		}
		value, err := ReadAny(r)
		if err != nil {
			return err
		}
		m[Symbol(key)] = value
	}
	*t = m
	return h.finish(r)
}

// newDescribed allocates the Go type for a described list type that can
// appear nested inside other values.
func newDescribed(code AMQPType) unmarshaler {
	switch code {
	case TypeCodeError:
		return new(Error)
	case TypeCodeSource:
		return new(Source)
	case TypeCodeTarget:
		return new(Target)
	case TypeCodeCoordinator:
		return new(Coordinator)
	case TypeCodeDeclare:
		return new(Declare)
	case TypeCodeDischarge:
		return new(Discharge)
	case TypeCodeMessageHeader:
		return new(MessageHeader)
	case TypeCodeMessageProperties:
		return new(MessageProperties)
	case TypeCodeDeleteOnClose, TypeCodeDeleteOnNoLinks,
		TypeCodeDeleteOnNoMessages, TypeCodeDeleteOnNoLinksOrMessages:
		lp := LifetimePolicy(code)
		return &lp
	}
	if s, err := newDeliveryState(code); err == nil {
		return s
	}
	return nil
}
