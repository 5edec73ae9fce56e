package encoding

import (
	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

// SkipValue advances r past one encoded value without decoding it. Only
// constructors, descriptors and size headers are read.
//
// Described types known to this package must use their proper encoding:
// list types a list with at least their mandatory fields, map sections a
// map or null.
func SkipValue(r *buffer.Buffer) error {
	b, err := r.ReadByte()
	if err != nil {
		return errTruncated
	}
	if b == 0x0 {
		return skipDescribed(r)
	}
	return skipBody(r, AMQPType(b))
}

func skipDescribed(r *buffer.Buffer) error {
	code, known, err := skipDescriptor(r)
	if err != nil {
		return err
	}
	if !known {
		return SkipValue(r)
	}

	info := described[code]
	switch info.kind {
	case kindList:
		h, err := readListHeader(r)
		if err != nil {
			return err
		}
		if int(h.count) < info.minFields {
			return decodeErrorf("%s requires at least %d fields, got %d", info.name, info.minFields, h.count)
		}
		r.Skip(r.Len() - h.end)
		return nil

	case kindMap:
		b, err := r.ReadByte()
		if err != nil {
			return errTruncated
		}
		switch AMQPType(b) {
		case TypeCodeNull:
			return nil
		case TypeCodeMap8, TypeCodeMap32:
			return skipBody(r, AMQPType(b))
		default:
			return decodeErrorf("%s must be encoded as a map, got %#02x", info.name, b)
		}

	default:
		return SkipValue(r)
	}
}

// skipDescriptor consumes a descriptor and reports whether it names a
// described type in the descriptor table.
func skipDescriptor(r *buffer.Buffer) (AMQPType, bool, error) {
	b, err := r.PeekByte()
	if err != nil {
		return 0, false, errTruncated
	}

	switch AMQPType(b) {
	case TypeCodeUlong0, TypeCodeSmallUlong, TypeCodeUlong:
		v, err := readUint(r)
		if err != nil {
			return 0, false, err
		}
		if v > 0xff {
			return 0, false, nil
		}
		_, ok := described[AMQPType(v)]
		return AMQPType(v), ok, nil

	case TypeCodeSym8, TypeCodeSym32:
		r.Skip(1)
		s, err := readVariableType(r, AMQPType(b))
		if err != nil {
			return 0, false, err
		}
		code, ok := descriptorSymbols[Symbol(s)]
		return code, ok, nil

	default:
		return 0, false, decodeErrorf("invalid descriptor constructor %#02x", b)
	}
}

// skipBody skips the bytes following constructor code.
func skipBody(r *buffer.Buffer, code AMQPType) error {
	var n int64
	switch code {
	case TypeCodeVbin8, TypeCodeStr8, TypeCodeSym8,
		TypeCodeList8, TypeCodeMap8, TypeCodeArray8:
		b, err := r.ReadByte()
		if err != nil {
			return errTruncated
		}
		n = int64(b)

	case TypeCodeVbin32, TypeCodeStr32, TypeCodeSym32,
		TypeCodeList32, TypeCodeMap32, TypeCodeArray32:
		l, err := r.ReadUint32()
		if err != nil {
			return errTruncated
		}
		n = int64(l)

	default:
		width, ok := minWidth(code)
		if !ok {
			return decodeErrorf("unknown type code %#02x", uint8(code))
		}
		n = int64(width)
	}

	if _, ok := r.Next(n); !ok {
		return errInvalidLength
	}
	return nil
}
