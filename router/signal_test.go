package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"modelbus-go/packet"
)

func TestSignalExpiry(t *testing.T) {
	r := New(Options{})
	sig := r.NewSignal(packet.NewEmpty(0), newTarget(), nil)
	now := time.Now()

	require.False(t, sig.Expired(now), "zero expiry means never")

	sig.ExpireAt(now.Add(-time.Millisecond))
	require.True(t, sig.Expired(now))

	sig.ExpireAt(now.Add(time.Hour))
	require.False(t, sig.Expired(now))
}

func TestSignalDataNarrowing(t *testing.T) {
	r := New(Options{})
	_, err := r.Register("n", nil)
	require.NoError(t, err)

	c, _ := r.NewContent("n", 42)
	sig := r.NewSignal(c, newTarget(), nil)

	v, ok := Data[int](sig)
	require.True(t, ok)
	require.Equal(t, 42, v)

	_, ok = Data[string](sig)
	require.False(t, ok)
}

func TestSignalUnpackData(t *testing.T) {
	r := newCookieRouter(t)
	c, _ := NewContentOf(r, "cookie", Cookie{Data: 11})
	p, err := r.Pack(c)
	require.NoError(t, err)

	sig := r.NewSignal(p, newTarget(), nil)
	v, err := UnpackData[Cookie](sig)
	require.NoError(t, err)
	require.Equal(t, Cookie{Data: 11}, v)

	// direct read without the packed bit
	sig = r.NewSignal(c, newTarget(), nil)
	v, err = UnpackData[Cookie](sig)
	require.NoError(t, err)
	require.Equal(t, Cookie{Data: 11}, v)
}

func TestSignalName(t *testing.T) {
	r := New(Options{})
	_, err := r.Register("named", nil)
	require.NoError(t, err)
	c, _ := r.NewContent("named", nil)
	sig := r.NewSignal(c, newTarget(), nil)
	require.Equal(t, "named", sig.Name())
}

func TestCompleterResolveOnce(t *testing.T) {
	cpl := NewCompleter()
	go func() {
		cpl.Resolve(packet.New(0, "first"))
		cpl.Resolve(packet.New(0, "second")) // no-op
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := cpl.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", out)
}

func TestCompleterTimeout(t *testing.T) {
	cpl := NewCompleter()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cpl.Await(ctx)
	require.Error(t, err)
}

func TestSignalComplete(t *testing.T) {
	r := New(Options{})
	sig := r.NewSignal(packet.NewEmpty(0), newTarget(), nil)
	cpl := sig.WithCompleter()
	require.Same(t, cpl, sig.WithCompleter())

	sig.Response = packet.New(0, "reply")
	sig.Complete()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := cpl.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "reply", out)
}
