// Package wire is the byte-level serializer for signal content: a
// little-endian framing of the 16-bit header plus the payload, with fast
// paths for bare strings, ints, and byte sequences that skip the codec
// tables entirely.
//
// Layout:
//
//	u16 header                       (packed bit clear: header-only content)
//	u8  flags                        (packed payloads only)
//	  String: i32 length, UTF-8 bytes
//	  Int:    i32 value
//	  Byte:   i32 length, raw bytes
//	  else:   i16 decoder index,
//	          (index < 0: i32 length, type name)
//	          i32 length, encoded payload
package wire

import (
	"encoding/binary"
	"math"
	"reflect"

	"modelbus-go/errcode"
	"modelbus-go/packet"
	"modelbus-go/router"
)

// fastFlags are the payload shapes serialized without the codec tables.
const fastFlags = packet.Int | packet.String | packet.Byte

// Marshal frames content for the wire. Payloads without a fast path are
// packed through the router's encoder tables first.
func Marshal(r *router.Router, c packet.Content) ([]byte, error) {
	if c == nil {
		return nil, errcode.New(errcode.Argument, "wire.Marshal", "nil content")
	}
	base := c.Header() & packet.IndexMask
	data := c.Data()
	if data == nil {
		return putU16(nil, uint16(base)), nil
	}

	if v, ok := data.(int); ok && v >= math.MinInt32 && v <= math.MaxInt32 {
		return putI32(putFast(base, packet.Int), int32(v)), nil
	}
	switch v := data.(type) {
	case int32:
		return putI32(putFast(base, packet.Int), v), nil
	case string:
		b := putI32(putFast(base, packet.String), int32(len(v)))
		return append(b, v...), nil
	case []byte:
		b := putI32(putFast(base, packet.Byte), int32(len(v)))
		return append(b, v...), nil
	case packet.PackedData:
		return marshalPacked(base, v), nil
	}

	pc, err := r.Pack(c)
	if err != nil {
		return nil, err
	}
	pd, _ := pc.Value()
	return marshalPacked(base, pd), nil
}

// Unmarshal rebuilds content from wire bytes. Fast-path payloads come back
// as typed content; everything else comes back packed, to be rehydrated by
// the receiving router's Unpack.
func Unmarshal(r *router.Router, b []byte) (packet.Content, error) {
	rd := reader{b: b}
	hdr := packet.Header(rd.u16())
	if !hdr.Packed() {
		if rd.fail {
			return nil, truncated()
		}
		return packet.NewEmpty(hdr), nil
	}

	base := hdr & packet.IndexMask
	flags := packet.Flags(rd.u8())
	switch {
	case flags.Has(packet.String):
		s := rd.block()
		if rd.fail {
			return nil, truncated()
		}
		return packet.New(base, string(s)), nil
	case flags.Has(packet.Int):
		v := rd.i32()
		if rd.fail {
			return nil, truncated()
		}
		return packet.New(base, int(v)), nil
	case flags.Has(packet.Byte):
		raw := rd.block()
		if rd.fail {
			return nil, truncated()
		}
		return packet.New(base, append([]byte(nil), raw...)), nil
	}

	idx := rd.i16()
	var typ reflect.Type
	if idx < 0 {
		name := string(rd.block())
		if rd.fail {
			return nil, truncated()
		}
		// unknown names stay nil; the generic flag can still rehydrate
		if t, ok := r.TypeByName(name); ok {
			typ = t
		}
	}
	raw := rd.block()
	if rd.fail {
		return nil, truncated()
	}
	pd := packet.PackedData{
		Flags:        flags,
		DecoderIndex: idx,
		Type:         typ,
		Bytes:        append([]byte(nil), raw...),
	}
	return packet.NewPacked(base, pd), nil
}

// marshalPacked frames codec-table output. Shape flags are reserved for the
// fast paths and stripped here.
func marshalPacked(base packet.Header, pd packet.PackedData) []byte {
	b := putFast(base, pd.Flags&^fastFlags)
	b = putI16(b, pd.DecoderIndex)
	if pd.DecoderIndex < 0 {
		name := ""
		if pd.Type != nil {
			name = pd.Type.String()
		}
		b = putI32(b, int32(len(name)))
		b = append(b, name...)
	}
	b = putI32(b, int32(len(pd.Bytes)))
	return append(b, pd.Bytes...)
}

// ----------------------------------------------------------------------------
// primitives
// ----------------------------------------------------------------------------

func putU16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func putI16(b []byte, v int16) []byte {
	return binary.LittleEndian.AppendUint16(b, uint16(v))
}

func putI32(b []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

func putFast(base packet.Header, f packet.Flags) []byte {
	return append(putU16(nil, uint16(base.WithPacked())), byte(f))
}

func truncated() error {
	return errcode.New(errcode.InvalidData, "wire.Unmarshal", "truncated frame")
}

// reader is a cursor with sticky failure on short reads.
type reader struct {
	b    []byte
	off  int
	fail bool
}

func (r *reader) take(n int) []byte {
	if r.fail || n < 0 || r.off+n > len(r.b) {
		r.fail = true
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() byte {
	b := r.take(1)
	if r.fail {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if r.fail {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) i16() int16 {
	return int16(r.u16())
}

func (r *reader) i32() int32 {
	b := r.take(4)
	if r.fail {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

// block reads an i32 length prefix and that many bytes.
func (r *reader) block() []byte {
	n := r.i32()
	return r.take(int(n))
}
