package packet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"modelbus-go/errcode"
)

func TestHeaderBits(t *testing.T) {
	h := Header(7)
	require.Equal(t, 7, h.Index())
	require.False(t, h.Packed())

	p := h.WithPacked()
	require.True(t, p.Packed())
	require.Equal(t, 7, p.Index())
}

func TestEmptyRejectsData(t *testing.T) {
	e := NewEmpty(3)
	require.Nil(t, e.Data())
	require.NoError(t, e.SetData(nil))

	err := e.SetData("x")
	require.Error(t, err)
	require.True(t, errors.Is(err, errcode.Argument))
}

func TestTypedSetData(t *testing.T) {
	c := New(5, 42)
	require.Equal(t, 42, c.Data())

	// nil clears
	require.NoError(t, c.SetData(nil))
	require.Nil(t, c.Data())

	// T accepted
	require.NoError(t, c.SetData(7))
	require.Equal(t, 7, c.Data())

	// anything else is a type mismatch
	err := c.SetData("nope")
	require.True(t, errors.Is(err, errcode.TypeMismatch))
	require.Equal(t, 7, c.Data())
}

func TestTypedValue(t *testing.T) {
	c := New(1, "hello")
	v, ok := c.Value()
	require.True(t, ok)
	require.Equal(t, "hello", v)

	require.NoError(t, c.SetData(nil))
	_, ok = c.Value()
	require.False(t, ok)
}

func TestPackedWrapperSetsBit(t *testing.T) {
	p := NewPacked(9, PackedData{Flags: String, Bytes: []byte("hi")})
	require.True(t, p.Header().Packed())
	require.Equal(t, 9, p.Header().Index())
}
