package router

import (
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"modelbus-go/errcode"
	"modelbus-go/ident"
	"modelbus-go/packet"
)

type stubControl struct {
	killed, paused, resumed int
}

func (c *stubControl) Kill()   { c.killed++ }
func (c *stubControl) Pause()  { c.paused++ }
func (c *stubControl) Resume() { c.resumed++ }

type stubTarget struct {
	id  ident.ID
	ctl *stubControl
}

func (t *stubTarget) Address() ident.ID { return t.id }
func (t *stubTarget) Control() Control {
	if t.ctl == nil {
		return nil
	}
	return t.ctl
}

func newTarget() *stubTarget {
	return &stubTarget{id: ident.New(), ctl: &stubControl{}}
}

func TestHeaderNameRoundTrip(t *testing.T) {
	r := New(Options{})
	for _, name := range []string{"ping", "pong", "state.update"} {
		_, err := r.Register(name, nil)
		require.NoError(t, err)
	}
	r.Build()

	for _, name := range []string{"ping", "pong", "state.update", ExitSignal, SuspendSignal} {
		c, err := r.NewContent(name, nil)
		require.NoError(t, err)
		require.Equal(t, name, r.HeaderName(c))
	}
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	r := New(Options{})
	hdr, err := r.Register("Ping", nil)
	require.NoError(t, err)

	got, ok := r.Lookup("pInG")
	require.True(t, ok)
	require.Equal(t, hdr, got)

	// case-insensitivity makes differently-cased names duplicates
	_, err = r.Register("PING", nil)
	require.True(t, errors.Is(err, errcode.SignalExists))
}

func TestRegisterErrors(t *testing.T) {
	r := New(Options{})
	_, err := r.Register("dup", nil)
	require.NoError(t, err)

	_, err = r.Register("dup", nil)
	require.True(t, errors.Is(err, errcode.SignalExists))

	r.Build()
	_, err = r.Register("late", nil)
	require.True(t, errors.Is(err, errcode.RouterSealed))
	require.Error(t, RegisterEncoder[uint64, uint64](r, nil))
}

func TestRegistryFull(t *testing.T) {
	r := New(Options{MaxSignals: 8, NoDefaultSignals: true, NoDefaultCodecs: true})
	var err error
	for i := 0; err == nil; i++ {
		_, err = r.Register(string(rune('a'+i)), nil)
	}
	require.True(t, errors.Is(err, errcode.RegistryFull))
	require.Equal(t, 8, r.Len())
}

func TestZeroHeaderIsNullSignal(t *testing.T) {
	r := New(Options{})
	require.Equal(t, NullSignal, r.HeaderName(packet.NewEmpty(0)))

	p := r.Processor(packet.NewEmpty(0))
	require.NotNil(t, p)
	sig := r.NewSignal(packet.NewEmpty(0), newTarget(), nil)
	require.NoError(t, r.Invoke(p, sig, nil))

	// slot 1 is a reserved placeholder
	require.Nil(t, r.Processor(packet.NewEmpty(1)))
}

// Scenario: untyped registration, header indexes back to the name, payload
// carried as-is.
func TestUntypedContent(t *testing.T) {
	r := New(Options{})
	_, err := r.Register("untyped", nil)
	require.NoError(t, err)

	c, err := r.NewContent("untyped", 1)
	require.NoError(t, err)
	require.Equal(t, "untyped", r.Names()[c.Header().Index()])
	require.Equal(t, 1, c.Data())
}

func TestNewContentUnknownName(t *testing.T) {
	r := New(Options{})
	_, err := r.NewContent("missing", 1)
	require.True(t, errors.Is(err, errcode.UnknownSignal))
}

func TestNewContentNilPayload(t *testing.T) {
	r := New(Options{})
	_, err := r.Register("bare", nil)
	require.NoError(t, err)

	c, err := r.NewContent("bare", nil)
	require.NoError(t, err)
	require.Nil(t, c.Data())
	_, empty := c.(*packet.Empty)
	require.True(t, empty)
}

// Scenario: typed handler invoked with the narrowed payload; signal marked
// handled afterwards.
func TestTypedDispatch(t *testing.T) {
	r := New(Options{})
	var got int
	_, err := RegisterTyped(r, "typed", func(_ *Router, _ Target, _ *Signal, data int) {
		got = data
	})
	require.NoError(t, err)
	r.Build()

	c, err := r.NewContent("typed", 42)
	require.NoError(t, err)
	sig := r.NewSignal(c, newTarget(), nil)

	p := r.Processor(c)
	require.NotNil(t, p)
	require.NoError(t, r.Invoke(p, sig, c.Data()))
	require.Equal(t, 42, got)
	require.True(t, sig.Handled())
}

func TestTypedDispatchMismatchGetsZero(t *testing.T) {
	r := New(Options{})
	called := false
	var got int
	_, err := RegisterTyped(r, "typed", func(_ *Router, _ Target, _ *Signal, data int) {
		called = true
		got = data
	})
	require.NoError(t, err)

	c, _ := r.NewContent("typed", "not an int")
	sig := r.NewSignal(c, newTarget(), nil)
	require.NoError(t, r.Invoke(r.Processor(c), sig, c.Data()))
	require.True(t, called)
	require.Equal(t, 0, got)
}

// A name registered without a handler reserves the slot but does not claim
// its signals; the destination's unhandled path must still fire.
func TestNilHandlerLeavesSignalUnclaimed(t *testing.T) {
	r := New(Options{})
	_, err := r.Register("reserved", nil)
	require.NoError(t, err)

	c, err := r.NewContent("reserved", nil)
	require.NoError(t, err)
	sig := r.NewSignal(c, newTarget(), nil)
	require.NoError(t, r.Invoke(r.Processor(c), sig, nil))
	require.False(t, sig.Handled())
}

func TestDefaultSignalsDriveControl(t *testing.T) {
	r := New(Options{})
	dst := newTarget()

	for name, count := range map[string]*int{
		ExitSignal:    &dst.ctl.killed,
		SuspendSignal: &dst.ctl.paused,
	} {
		c, err := r.NewContent(name, nil)
		require.NoError(t, err)
		sig := r.NewSignal(c, dst, nil)
		require.NoError(t, r.Invoke(r.Processor(c), sig, nil))
		require.Equal(t, 1, *count, name)
	}
}

// Registrations swap in a fresh copy of the tables, so a reader racing the
// setup phase always sees a consistent snapshot: every name it observes
// resolves back to its own slot.
func TestRegistrationVisibleToConcurrentReaders(t *testing.T) {
	r := New(Options{})
	before := r.Len()

	stop := make(chan struct{})
	fail := make(chan string, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			names := r.Names()
			for idx, name := range names {
				if name == "" {
					continue
				}
				hdr, ok := r.Lookup(name)
				if !ok || hdr.Index() != idx {
					select {
					case fail <- name:
					default:
					}
					return
				}
			}
		}
	}()

	for i := 0; i < 200; i++ {
		_, err := r.Register("sig."+strconv.Itoa(i), nil)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	select {
	case name := <-fail:
		t.Fatalf("reader saw an inconsistent snapshot for %q", name)
	default:
	}
	require.Equal(t, before+200, r.Len())
}

func TestProcessorOutOfRange(t *testing.T) {
	r := New(Options{})
	require.Nil(t, r.Processor(packet.NewEmpty(packet.Header(2000))))
	require.Equal(t, "", r.HeaderName(packet.NewEmpty(packet.Header(2000))))
}
