package nidaq

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lokomatfes/nidaq/datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSimulatedTaskConfiguration(t *testing.T) {
	st := NewSimulatedTask(SimulatedTaskConfig{})
	assert.Error(t, st.Start(), "start before configuration")
	require.NoError(t, st.AddAnalogInputChannel("Dev1/ai0"))
	assert.Error(t, st.AddAnalogInputChannel("Dev1/ai0"), "duplicate channel")
	assert.Error(t, st.ConfigureSampleClock(100, Finite))
	assert.Error(t, st.ConfigureSampleClock(0, Continuous))
	assert.Error(t, st.ConfigureSampleClock(math.Inf(1), Continuous))
	require.NoError(t, st.ConfigureSampleClock(100, Continuous))
	assert.Error(t, st.RegisterEveryNSamples(0, func(*mat.Dense) error { return nil }))
	assert.Error(t, st.RegisterEveryNSamples(10, nil))
	require.NoError(t, st.RegisterEveryNSamples(10, func(*mat.Dense) error { return nil }))
	assert.Error(t, st.RegisterEveryNSamples(10, func(*mat.Dense) error { return nil }),
		"only one handler may be registered")
}

func TestSimulatedTaskLifecycle(t *testing.T) {
	st := NewSimulatedTask(SimulatedTaskConfig{Speedup: 1})
	require.NoError(t, st.AddAnalogInputChannel("Dev1/ai0"))
	require.NoError(t, st.ConfigureSampleClock(10, Continuous))
	require.NoError(t, st.RegisterEveryNSamples(10, func(*mat.Dense) error { return nil }))

	assert.NoError(t, st.Stop(), "stopping an unstarted task is fine")
	require.NoError(t, st.Start())
	assert.Error(t, st.Start(), "double start")
	require.NoError(t, st.Stop())
	require.NoError(t, st.Stop())
	require.NoError(t, st.Start(), "restart after stop")
	require.NoError(t, st.Close())
	require.NoError(t, st.Close(), "close is idempotent")
	assert.Error(t, st.Start(), "start after close")
	assert.Error(t, st.AddAnalogInputChannel("Dev1/ai1"))
}

func TestSimulatedDevice(t *testing.T) {
	const nchan, rate, nblocks = 3, 1000, 5
	const amplitude, frequency = 2.0, 7.0
	st := NewSimulatedTask(SimulatedTaskConfig{Speedup: 10, Amplitude: amplitude, Frequency: frequency})
	cfg := ChannelConfig{NumChannels: nchan, FrameRate: rate, TimeBetweenSamples: 0.01}
	dev, err := NewDevice(cfg, NIDevice{Name: "SimDev"}, st)
	require.NoError(t, err)
	defer dev.Dispose()

	blocks := make(chan int, 100)
	dev.RegisterToDataReady(func(tv []float64, x *mat.Dense) {
		_, c := x.Dims()
		blocks <- c
	})
	stopped := make(chan *datastore.Store, 1)
	dev.RegisterToStopRecording(func(d *datastore.Store) { stopped <- d })

	require.NoError(t, dev.StartRecording())
	for i := 0; i < nblocks; i++ {
		select {
		case c := <-blocks:
			assert.Equal(t, 10, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d blocks arrived", i)
		}
	}
	require.NoError(t, dev.StopRecording())
	data := <-stopped
	require.GreaterOrEqual(t, data.NumBlocks(), nblocks)
	assert.Equal(t, nchan, data.NumChannels())

	// The first block of the session is the start of each sine wave.
	tv, x := data.SampleBlock(0, false)
	for c := 0; c < nchan; c++ {
		phase := 2 * math.Pi * float64(c) / nchan
		for j := range tv {
			want := amplitude * math.Sin(2*math.Pi*frequency*float64(j)/rate+phase)
			assert.InDelta(t, want, x.At(c, j), 1e-9)
		}
	}
	all := data.Time()
	for i := 1; i < len(all); i++ {
		assert.InDelta(t, 1.0/rate, all[i]-all[i-1], 1e-9)
	}
	assert.GreaterOrEqual(t, st.Delivered(), nblocks)
}

func TestSimulatedTaskHandlerErrorEndsDelivery(t *testing.T) {
	captureProblems(t)
	st := NewSimulatedTask(SimulatedTaskConfig{Speedup: 100})
	require.NoError(t, st.AddAnalogInputChannel("a"))
	require.NoError(t, st.ConfigureSampleClock(100, Continuous))
	calls := make(chan struct{}, 10)
	require.NoError(t, st.RegisterEveryNSamples(10, func(*mat.Dense) error {
		calls <- struct{}{}
		return ErrBlockShape
	}))
	require.NoError(t, st.Start())
	defer st.Close()
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("no block delivered")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, calls, 0, "delivery must end after a handler error")
	assert.Equal(t, 0, st.Delivered())
}

func TestSimulatedTaskHandlerCallsNeverOverlap(t *testing.T) {
	st := NewSimulatedTask(SimulatedTaskConfig{Speedup: 100})
	require.NoError(t, st.AddAnalogInputChannel("a"))
	require.NoError(t, st.ConfigureSampleClock(1000, Continuous))
	var running, maxRunning, calls atomic.Int32
	entered := make(chan struct{}, 100)
	require.NoError(t, st.RegisterEveryNSamples(10, func(*mat.Dense) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		calls.Add(1)
		entered <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		return nil
	}))
	defer st.Close()

	require.NoError(t, st.Start())
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no block delivered")
	}
	// Restart while the first call is still sleeping.
	require.NoError(t, st.Stop())
	require.NoError(t, st.Start())
	stoppedAt := calls.Load()
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, st.Stop())
	assert.Equal(t, int32(1), maxRunning.Load(), "handler calls overlapped")
	assert.Greater(t, calls.Load(), stoppedAt, "the restarted task delivers")

	// Nothing is delivered once stopped, beyond a call already under way.
	time.Sleep(60 * time.Millisecond)
	after := calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}
