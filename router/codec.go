package router

import (
	"encoding/binary"
	"math"
	"reflect"

	jsoniter "github.com/json-iterator/go"

	"modelbus-go/errcode"
	"modelbus-go/packet"
)

// Encoder maps values of In to encoded bytes that a decoder for Out can
// rehydrate. In and Out usually coincide; the generic object codec maps
// anything to the object type.
type Encoder struct {
	In, Out reflect.Type
	call    func(any) ([]byte, error)
}

// Decoder rehydrates encoded bytes into a value of Out.
type Decoder struct {
	Out  reflect.Type
	call func([]byte) (any, error)
}

// objectType keys the catch-all generic codec.
var objectType = reflect.TypeOf((*any)(nil)).Elem()

var bytesType = reflect.TypeOf([]byte(nil))

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// RegisterEncoder adds an encoder keyed by its input type. Duplicate keys and
// sealed routers are errors.
func RegisterEncoder[I, O any](r *Router, fn func(I) ([]byte, error)) error {
	in := reflect.TypeOf((*I)(nil)).Elem()
	out := reflect.TypeOf((*O)(nil)).Elem()
	enc := &Encoder{In: in, Out: out}
	enc.call = func(data any) ([]byte, error) {
		v, ok := data.(I)
		if !ok {
			return nil, errcode.New(errcode.InvalidEncoder, "router.encode",
				reflect.TypeOf(data).String()+" is not "+in.String())
		}
		return fn(v)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return errcode.New(errcode.RouterSealed, "router.RegisterEncoder", in.String())
	}
	cur := r.t.Load()
	if _, dup := cur.encByType[in]; dup {
		return errcode.New(errcode.SignalExists, "router.RegisterEncoder",
			"encoder already registered for "+in.String())
	}
	nt := cur.clone()
	nt.encByType[in] = len(nt.encoders)
	nt.encoders = append(nt.encoders, enc)
	r.t.Store(nt)
	return nil
}

// RegisterDecoder adds a decoder keyed by its output type, and records the
// type name for wire-format name lookup.
func RegisterDecoder[O any](r *Router, fn func([]byte) (O, error)) error {
	out := reflect.TypeOf((*O)(nil)).Elem()
	dec := &Decoder{Out: out}
	dec.call = func(b []byte) (any, error) { return fn(b) }

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return errcode.New(errcode.RouterSealed, "router.RegisterDecoder", out.String())
	}
	cur := r.t.Load()
	if _, dup := cur.decByType[out]; dup {
		return errcode.New(errcode.SignalExists, "router.RegisterDecoder",
			"decoder already registered for "+out.String())
	}
	nt := cur.clone()
	nt.decByType[out] = len(nt.decoders)
	nt.decoders = append(nt.decoders, dec)
	nt.typeNames[out.String()] = out
	r.t.Store(nt)
	return nil
}

// TypeByName resolves a wire-format type name to a decoder output type.
func (r *Router) TypeByName(name string) (reflect.Type, bool) {
	t, ok := r.snapshot().typeNames[name]
	return t, ok
}

// DecoderFor returns the decoder table index for a payload type, or -1.
func (r *Router) DecoderFor(t reflect.Type) int {
	if idx, ok := r.snapshot().decByType[t]; ok {
		return idx
	}
	return -1
}

// Pack serializes content through the encoder tables. Encoder keys are tried
// in order: the runtime type of the payload, the declared payload type, then
// the generic object key. The result wraps the encoded bytes, the encoder's
// output type, and the matching decoder index (or -1) under the original
// header with the packed bit set.
func (r *Router) Pack(c packet.Content) (*packet.Packed, error) {
	if c == nil {
		return nil, errcode.New(errcode.Argument, "router.Pack", "nil content")
	}
	if p, ok := c.(*packet.Packed); ok && c.Header().Packed() {
		return p, nil
	}
	data := c.Data()
	if data == nil {
		return nil, errcode.New(errcode.Argument, "router.Pack", "content has no payload")
	}

	t := r.snapshot()
	var enc *Encoder
	for _, key := range []reflect.Type{reflect.TypeOf(data), c.Type(), objectType} {
		if key == nil {
			continue
		}
		if idx, ok := t.encByType[key]; ok {
			enc = t.encoders[idx]
			break
		}
	}
	if enc == nil {
		return nil, errcode.New(errcode.NoEncoder, "router.Pack", reflect.TypeOf(data).String())
	}
	if enc.call == nil {
		return nil, errcode.New(errcode.InvalidEncoder, "router.Pack",
			enc.In.String()+" -> "+enc.Out.String())
	}

	raw, err := enc.call(data)
	if err != nil {
		if errcode.Of(err) == errcode.InvalidEncoder {
			return nil, err
		}
		return nil, errcode.Wrap(errcode.EncoderFailed, "router.Pack("+enc.In.String()+")", err)
	}

	pd := packet.PackedData{
		DecoderIndex: -1,
		Type:         enc.Out,
		Bytes:        raw,
	}
	if idx, ok := t.decByType[enc.Out]; ok {
		pd.DecoderIndex = int16(idx)
	}
	if enc.In == objectType && enc.Out == objectType {
		pd.Flags |= packet.Generic
	}
	return packet.NewPacked(c.Header()&packet.IndexMask, pd), nil
}

// Unpack rehydrates packed content. Returns (nil, nil) when the content is
// not packed or carries no bytes. Raw byte payloads are returned directly;
// otherwise the decoder is chosen by index, by resolved type, or by the
// generic fallback when the Generic flag is set.
func (r *Router) Unpack(c packet.Content) (any, error) {
	if c == nil || !c.Header().Packed() {
		return nil, nil
	}
	pc, ok := c.(*packet.Packed)
	if !ok {
		return nil, nil
	}
	pd, ok := pc.Value()
	if !ok || len(pd.Bytes) == 0 {
		return nil, nil
	}
	if pd.Type == bytesType {
		return pd.Bytes, nil
	}

	t := r.snapshot()
	var dec *Decoder
	switch {
	case pd.DecoderIndex >= 0:
		if int(pd.DecoderIndex) >= len(t.decoders) {
			return nil, errcode.New(errcode.InvalidDecoder, "router.Unpack",
				"decoder index out of range")
		}
		dec = t.decoders[pd.DecoderIndex]
	case pd.Type != nil:
		if idx, found := t.decByType[pd.Type]; found {
			dec = t.decoders[idx]
		}
	}
	if dec == nil && pd.Flags.Has(packet.Generic) {
		if idx, found := t.decByType[objectType]; found {
			dec = t.decoders[idx]
		}
	}
	if dec == nil {
		name := "<unknown>"
		if pd.Type != nil {
			name = pd.Type.String()
		}
		return nil, errcode.New(errcode.NoDecoder, "router.Unpack", name)
	}
	if dec.call == nil {
		return nil, errcode.New(errcode.InvalidDecoder, "router.Unpack", dec.Out.String())
	}

	out, err := dec.call(pd.Bytes)
	if err != nil {
		return nil, errcode.Wrap(errcode.DecoderFailed, "router.Unpack("+dec.Out.String()+")", err)
	}
	return out, nil
}

// UnpackAs narrows Unpack's result to T. A payload of a different type yields
// T's zero value, not an error.
func UnpackAs[T any](r *Router, c packet.Content) (T, error) {
	var zero T
	out, err := r.Unpack(c)
	if err != nil {
		return zero, err
	}
	v, ok := out.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}

// fixedCodec registers a little-endian fixed-width encoder/decoder pair.
func fixedCodec[T any](r *Router, size int, put func([]byte, T), get func([]byte) T) {
	_ = RegisterEncoder[T, T](r, func(v T) ([]byte, error) {
		b := make([]byte, size)
		put(b, v)
		return b, nil
	})
	_ = RegisterDecoder(r, func(b []byte) (T, error) {
		var zero T
		if len(b) < size {
			return zero, errcode.New(errcode.InvalidData, "router.decode",
				"short buffer for "+reflect.TypeOf(zero).String())
		}
		return get(b), nil
	})
}

// registerDefaultCodecs installs the built-in codecs: UTF-8 strings,
// little-endian fixed-width scalars, a 128-bit block, raw byte passthrough,
// and a catch-all generic JSON codec keyed by the object type.
func registerDefaultCodecs(r *Router) {
	_ = RegisterEncoder[string, string](r, func(s string) ([]byte, error) { return []byte(s), nil })
	_ = RegisterDecoder(r, func(b []byte) (string, error) { return string(b), nil })

	fixedCodec(r, 1, func(b []byte, v bool) {
		if v {
			b[0] = 1
		}
	}, func(b []byte) bool { return b[0] != 0 })

	fixedCodec(r, 1, func(b []byte, v int8) { b[0] = byte(v) }, func(b []byte) int8 { return int8(b[0]) })
	fixedCodec(r, 1, func(b []byte, v uint8) { b[0] = v }, func(b []byte) uint8 { return b[0] })
	fixedCodec(r, 2, func(b []byte, v int16) { binary.LittleEndian.PutUint16(b, uint16(v)) },
		func(b []byte) int16 { return int16(binary.LittleEndian.Uint16(b)) })
	fixedCodec(r, 2, binary.LittleEndian.PutUint16, binary.LittleEndian.Uint16)
	fixedCodec(r, 4, func(b []byte, v int32) { binary.LittleEndian.PutUint32(b, uint32(v)) },
		func(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) })
	fixedCodec(r, 4, binary.LittleEndian.PutUint32, binary.LittleEndian.Uint32)
	fixedCodec(r, 8, func(b []byte, v int64) { binary.LittleEndian.PutUint64(b, uint64(v)) },
		func(b []byte) int64 { return int64(binary.LittleEndian.Uint64(b)) })
	fixedCodec(r, 8, binary.LittleEndian.PutUint64, binary.LittleEndian.Uint64)
	fixedCodec(r, 8, func(b []byte, v int) { binary.LittleEndian.PutUint64(b, uint64(v)) },
		func(b []byte) int { return int(binary.LittleEndian.Uint64(b)) })
	fixedCodec(r, 8, func(b []byte, v uint) { binary.LittleEndian.PutUint64(b, uint64(v)) },
		func(b []byte) uint { return uint(binary.LittleEndian.Uint64(b)) })
	fixedCodec(r, 4, func(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) },
		func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) })
	fixedCodec(r, 8, func(b []byte, v float64) { binary.LittleEndian.PutUint64(b, math.Float64bits(v)) },
		func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) })

	// 128-bit block, BitConverter style.
	fixedCodec(r, 16, func(b []byte, v [16]byte) { copy(b, v[:]) },
		func(b []byte) (v [16]byte) { copy(v[:], b); return })

	// Raw passthrough for byte sequences.
	_ = RegisterEncoder[[]byte, []byte](r, func(b []byte) ([]byte, error) { return b, nil })
	_ = RegisterDecoder(r, func(b []byte) ([]byte, error) { return b, nil })

	// Catch-all generic codec for arbitrary objects, keyed by the object
	// type. JSON over UTF-8; convenience default, opt out via
	// Options.NoDefaultCodecs.
	_ = RegisterEncoder[any, any](r, func(v any) ([]byte, error) { return jsonAPI.Marshal(v) })
	_ = RegisterDecoder(r, func(b []byte) (any, error) {
		var out any
		err := jsonAPI.Unmarshal(b, &out)
		return out, err
	})
}
