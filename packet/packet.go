// Package packet defines the content envelope carried by signals: a 16-bit
// header addressing a router table slot, plus a typed payload.
package packet

import (
	"reflect"

	"modelbus-go/errcode"
)

// -----------------------------------------------------------------------------
// Header
// -----------------------------------------------------------------------------

// Header is the 16-bit content header. Bit 15 marks a packed (serialized)
// payload; bits 0-14 index the router's signal tables.
type Header uint16

const (
	// PackedBit marks the payload as a PackedData wrapper.
	PackedBit Header = 1 << 15

	// IndexMask extracts the signal index.
	IndexMask Header = 0x7FFF
)

// Index returns the signal table slot this header addresses.
func (h Header) Index() int { return int(h & IndexMask) }

// Packed reports whether the payload is a PackedData wrapper.
func (h Header) Packed() bool { return h&PackedBit != 0 }

// WithPacked returns the header with the packed bit set.
func (h Header) WithPacked() Header { return h | PackedBit }

// -----------------------------------------------------------------------------
// Payload flags
// -----------------------------------------------------------------------------

// Flags is the payload shape bitset carried by packed data and the wire form.
type Flags uint8

const (
	None    Flags = 0
	Generic Flags = 1 << 0 // packed by the catch-all object codec
	Int     Flags = 1 << 1 // payload is a bare int32
	String  Flags = 1 << 2 // payload is a bare UTF-8 string
	Byte    Flags = 1 << 3 // payload is a raw byte sequence
)

// Has reports whether all bits in f are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// -----------------------------------------------------------------------------
// Content
// -----------------------------------------------------------------------------

// Content is the envelope a signal carries: header plus payload. The payload
// variants are Empty, Of[T], and Of[PackedData] (a serialized payload plus
// enough metadata to rehydrate it).
type Content interface {
	Header() Header
	SetHeader(Header)

	// Data returns the payload, or nil when unset.
	Data() any

	// SetData replaces the payload. Accepts nil (clears) and the declared
	// payload type; anything else is a type-mismatch error. Empty content
	// rejects all non-nil values.
	SetData(any) error

	// Type is the declared payload type, nil for empty content.
	Type() reflect.Type
}

// -----------------------------------------------------------------------------
// Empty
// -----------------------------------------------------------------------------

// Empty is content with no payload slot at all.
type Empty struct {
	hdr Header
}

// NewEmpty returns payload-less content for the given header.
func NewEmpty(hdr Header) *Empty { return &Empty{hdr: hdr} }

func (e *Empty) Header() Header        { return e.hdr }
func (e *Empty) SetHeader(h Header)    { e.hdr = h }
func (e *Empty) Data() any             { return nil }
func (e *Empty) Type() reflect.Type    { return nil }
func (e *Empty) SetData(obj any) error {
	if obj == nil {
		return nil
	}
	return errcode.New(errcode.Argument, "packet.Empty.SetData", "empty content carries no payload")
}

// -----------------------------------------------------------------------------
// Typed content
// -----------------------------------------------------------------------------

// Of is content whose payload is declared as T.
type Of[T any] struct {
	hdr  Header
	data T
	set  bool
}

// New returns typed content holding v.
func New[T any](hdr Header, v T) *Of[T] {
	return &Of[T]{hdr: hdr, data: v, set: true}
}

func (c *Of[T]) Header() Header     { return c.hdr }
func (c *Of[T]) SetHeader(h Header) { c.hdr = h }

func (c *Of[T]) Data() any {
	if !c.set {
		return nil
	}
	return c.data
}

// Value returns the payload without boxing, with a presence flag.
func (c *Of[T]) Value() (T, bool) { return c.data, c.set }

func (c *Of[T]) Type() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

func (c *Of[T]) SetData(obj any) error {
	if obj == nil {
		var zero T
		c.data, c.set = zero, false
		return nil
	}
	v, ok := obj.(T)
	if !ok {
		return errcode.New(errcode.TypeMismatch, "packet.SetData",
			reflect.TypeOf(obj).String()+" is not assignable to "+c.Type().String())
	}
	c.data, c.set = v, true
	return nil
}

// -----------------------------------------------------------------------------
// Packed data
// -----------------------------------------------------------------------------

// PackedData is a serialized payload plus the metadata needed to rehydrate it
// without the original type known at the call site.
type PackedData struct {
	// Flags describes the payload shape (Generic, Int, String, Byte).
	Flags Flags

	// DecoderIndex addresses the router's decoder table when >= 0. Negative
	// means the payload was serialized with a fully-qualified type name to be
	// resolved by name lookup.
	DecoderIndex int16

	// Type is the resolved payload type, when known.
	Type reflect.Type

	// Bytes is the encoded payload.
	Bytes []byte
}

// Packed is the wrapper content produced by the router's pack step.
type Packed = Of[PackedData]

// NewPacked wraps pd under hdr with the packed bit set.
func NewPacked(hdr Header, pd PackedData) *Packed {
	return New(hdr.WithPacked(), pd)
}
