package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"modelbus-go/errcode"
	"modelbus-go/model"
	"modelbus-go/router"
	"modelbus-go/schema"
)

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestStartIdempotent(t *testing.T) {
	p := New(Options{})
	var inits atomic.Int32
	p.OnPostInit(func(*Provider) { inits.Inc() })

	p.Start()
	p.Start()
	defer p.Shutdown()

	require.EqualValues(t, 1, inits.Load())
	require.True(t, p.Running())
	require.NotNil(t, p.Core())
	require.Equal(t, 1, p.Registry().Len())
}

func TestRoundTrip(t *testing.T) {
	p := New(Options{})
	var got atomic.Int64
	_, err := router.RegisterTyped(p.Router(), "add",
		func(_ *router.Router, _ router.Target, _ *router.Signal, v int) {
			got.Add(int64(v))
		})
	require.NoError(t, err)

	p.Start()
	defer p.Shutdown()

	m := model.New(p)
	ok, err := p.Registry().Send("add", 7, m, nil)
	require.NoError(t, err)
	require.True(t, ok)
	waitFor(t, time.Second, "handler ran", func() bool { return got.Load() == 7 })
}

// Full lifecycle: several models up, an orderly shutdown, every container
// dead, the worker counter at zero, and the post-shutdown hook fired once.
func TestShutdownTakesAllModelsDown(t *testing.T) {
	p := New(Options{})
	var shuts atomic.Int32
	p.OnPostShutdown(func(*Provider) { shuts.Inc() })
	p.Start()

	models := make([]*model.Model, 3)
	for i := range models {
		models[i] = model.New(p)
	}
	for _, m := range models {
		waitFor(t, time.Second, "model alive", m.Container().Alive)
	}

	p.Shutdown()
	require.NoError(t, p.AwaitClose(5*time.Second))
	require.NoError(t, p.AwaitClose(5*time.Second)) // safe to repeat

	for _, m := range models {
		require.True(t, m.Closing())
		require.Nil(t, m.Container())
	}
	require.True(t, p.Core().Closing())
	require.Equal(t, 0, p.LiveThreads())
	require.False(t, p.Running())
	require.EqualValues(t, 1, shuts.Load())
}

func TestShutdownReachesPausedModels(t *testing.T) {
	p := New(Options{})
	p.Start()

	m := model.New(p)
	waitFor(t, time.Second, "alive", m.Container().Alive)
	m.Control().Pause()

	p.Shutdown()
	require.NoError(t, p.AwaitClose(5*time.Second))
	require.True(t, m.Closing())
}

func TestPoolSchemaLifecycle(t *testing.T) {
	p := New(Options{
		Schema: func(h model.Host) model.Schema {
			return schema.NewPool(h, schema.PoolConfig{TargetPools: 2, TakeTimeout: 50 * time.Millisecond})
		},
	})
	var got atomic.Int64
	_, err := router.RegisterTyped(p.Router(), "add",
		func(_ *router.Router, _ router.Target, _ *router.Signal, v int) {
			got.Add(int64(v))
		})
	require.NoError(t, err)
	p.Start()

	m := model.New(p)
	ok, err := p.Registry().Send("add", 3, m, nil)
	require.NoError(t, err)
	require.True(t, ok)
	waitFor(t, time.Second, "handler ran", func() bool { return got.Load() == 3 })

	p.Shutdown()
	require.NoError(t, p.AwaitClose(5*time.Second))
	require.Equal(t, 0, p.LiveThreads())
}

func TestAwaitCloseTimesOutWhileLive(t *testing.T) {
	p := New(Options{})
	p.Start()
	defer func() {
		p.Shutdown()
		_ = p.AwaitClose(5 * time.Second)
	}()

	m := model.New(p)
	waitFor(t, time.Second, "alive", m.Container().Alive)

	err := p.AwaitClose(20 * time.Millisecond)
	require.Error(t, err)
	require.Equal(t, errcode.Timeout, errcode.Of(err))
}
