package nidaq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lokomatfes/nidaq/datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// fakeTask is a HardwareTask whose blocks are delivered by the test itself.
type fakeTask struct {
	mu        sync.Mutex
	channels  []string
	rate      float64
	mode      AcquisitionMode
	n         int
	handler   BlockHandler
	starts    int
	stops     int
	closes    int
	running   bool
	failStart error
	failStop  error
	failAdd   error
}

func (f *fakeTask) AddAnalogInputChannel(name string) error {
	if f.failAdd != nil {
		return f.failAdd
	}
	f.channels = append(f.channels, name)
	return nil
}

func (f *fakeTask) ConfigureSampleClock(rate float64, mode AcquisitionMode) error {
	f.rate, f.mode = rate, mode
	return nil
}

func (f *fakeTask) RegisterEveryNSamples(n int, handler BlockHandler) error {
	f.n, f.handler = n, handler
	return nil
}

func (f *fakeTask) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart != nil {
		return f.failStart
	}
	f.starts++
	f.running = true
	return nil
}

func (f *fakeTask) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return f.failStop
}

func (f *fakeTask) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// deliver hands one block filled with value to the registered handler.
func (f *fakeTask) deliver(nchan int, value float64) error {
	data := make([]float64, nchan*f.n)
	for i := range data {
		data[i] = value
	}
	return f.handler(mat.NewDense(nchan, f.n, data))
}

func newTestDevice(t *testing.T, opts ...Option) (*Device, *fakeTask) {
	task := new(fakeTask)
	cfg := ChannelConfig{NumChannels: 2, FrameRate: 10, TimeBetweenSamples: 1}
	dev, err := NewDevice(cfg, NIDevice{Name: "Dev1"}, task, opts...)
	require.NoError(t, err)
	return dev, task
}

func TestNewDeviceSetsUpTask(t *testing.T) {
	dev, task := newTestDevice(t)
	assert.Equal(t, []string{"Dev1/ai0", "Dev1/ai1"}, task.channels)
	assert.Equal(t, []string{"Dev1/ai0", "Dev1/ai1"}, dev.ChannelNames())
	assert.Equal(t, 10.0, task.rate)
	assert.Equal(t, Continuous, task.mode)
	assert.Equal(t, 10, task.n)
	assert.NotNil(t, task.handler)

	assert.Equal(t, 2, dev.NumChannels())
	assert.Equal(t, 10, dev.FrameRate())
	assert.Equal(t, 0.1, dev.Dt())
	assert.Equal(t, 1.0, dev.TimeBetweenSamples())
	assert.Equal(t, 10, dev.SamplesPerBlock())
	assert.Equal(t, Idle, dev.State())
	assert.False(t, dev.IsRecording())
	assert.True(t, dev.Data().IsEmpty())
}

func TestNewDeviceErrors(t *testing.T) {
	_, err := NewDevice(ChannelConfig{NumChannels: 1, FrameRate: 3, TimeBetweenSamples: 0.5},
		NIDevice{Name: "Dev1"}, new(fakeTask))
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))

	cfg := ChannelConfig{NumChannels: 1, FrameRate: 10, TimeBetweenSamples: 1}
	_, err = NewDevice(cfg, nil, new(fakeTask))
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	_, err = NewDevice(cfg, NIDevice{Name: "Dev1"}, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))

	boom := errors.New("no such physical channel")
	task := &fakeTask{failAdd: boom}
	_, err = NewDevice(cfg, NIDevice{Name: "Dev9"}, task)
	var herr *HardwareError
	require.True(t, errors.As(err, &herr))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, task.closes, "a task that failed setup should be closed")
}

func TestSingleBlockTimeVector(t *testing.T) {
	dev, task := newTestDevice(t)
	require.NoError(t, dev.StartRecording())
	require.NoError(t, task.deliver(2, 1.0))

	tv, x := dev.Data().SampleBlock(-1, false)
	assert.InDeltaSlice(t, []float64{0.0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}, tv, 1e-12)
	r, c := x.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 10, c)
}

func TestBlocksAreContinuousAndOrdered(t *testing.T) {
	dev, task := newTestDevice(t)
	require.NoError(t, dev.StartRecording())
	for k := 0; k < 20; k++ {
		require.NoError(t, task.deliver(2, float64(k)))
	}
	data := dev.Data()
	require.Equal(t, 20, data.NumBlocks())
	var prev []float64
	for k := 0; k < 20; k++ {
		tv, x := data.SampleBlock(k, false)
		assert.Equal(t, float64(k), x.At(1, 0), "blocks must be stored in delivery order")
		if prev != nil {
			assert.InDelta(t, prev[len(prev)-1]+dev.Dt(), tv[0], 1e-9)
		}
		prev = tv
	}
}

func TestStartNotifiesAndStartsTask(t *testing.T) {
	dev, task := newTestDevice(t)
	starts := 0
	dev.RegisterToStartRecording(func() {
		starts++
		assert.Equal(t, Starting, dev.State())
	})
	require.NoError(t, dev.StartRecording())
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, task.starts)
	assert.Equal(t, Recording, dev.State())
	assert.True(t, dev.IsRecording())
}

func TestDoubleStartRejected(t *testing.T) {
	dev, task := newTestDevice(t)
	starts := 0
	dev.RegisterToStartRecording(func() { starts++ })
	require.NoError(t, dev.StartRecording())
	require.NoError(t, task.deliver(2, 1))

	err := dev.StartRecording()
	assert.True(t, errors.Is(err, ErrAlreadyRecording))
	assert.Equal(t, 1, starts, "no duplicate start notification")
	assert.Equal(t, 1, task.starts)
	assert.Equal(t, 1, dev.Data().NumBlocks(), "a rejected start must not reset the data")
	assert.Equal(t, Recording, dev.State())
}

func TestStopWhileIdle(t *testing.T) {
	dev, task := newTestDevice(t)
	stops := 0
	dev.RegisterToStopRecording(func(*datastore.Store) { stops++ })
	assert.NoError(t, dev.StopRecording())
	assert.Equal(t, 0, stops)
	assert.Equal(t, 0, task.stops)
}

func TestStopNotifiesWithSnapshot(t *testing.T) {
	dev, task := newTestDevice(t)
	var got *datastore.Store
	dev.RegisterToStopRecording(func(d *datastore.Store) {
		got = d
		assert.Equal(t, Stopping, dev.State())
	})
	require.NoError(t, dev.StartRecording())
	for k := 0; k < 3; k++ {
		require.NoError(t, task.deliver(2, float64(k)))
	}
	require.NoError(t, dev.StopRecording())
	require.NotNil(t, got)
	assert.Equal(t, 3, got.NumBlocks())
	assert.Equal(t, 1, task.stops)
	assert.Equal(t, Idle, dev.State())

	// A second stop is a no-op.
	got = nil
	require.NoError(t, dev.StopRecording())
	assert.Nil(t, got)
	assert.Equal(t, 1, task.stops)
}

func TestCallbackExactlyOnce(t *testing.T) {
	dev, task := newTestDevice(t)
	var starts, blocks, stops int
	onStart := func() { starts++ }
	onData := func([]float64, *mat.Dense) { blocks++ }
	onStop := func(*datastore.Store) { stops++ }

	// Registering the same callback twice under one handle keeps one entry.
	hStart := dev.RegisterToStartRecording(onStart)
	dev.RegisterToStartRecordingAs(hStart, onStart)
	hData := dev.RegisterToDataReady(onData)
	dev.RegisterToDataReadyAs(hData, onData)
	hStop := dev.RegisterToStopRecording(onStop)
	dev.RegisterToStopRecordingAs(hStop, onStop)

	require.NoError(t, dev.StartRecording())
	require.NoError(t, task.deliver(2, 1))
	require.NoError(t, dev.StopRecording())
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, blocks)
	assert.Equal(t, 1, stops)

	// A caller-chosen handle works the same way, and unregisters.
	const mine Handle = 1000
	dev.RegisterToDataReadyAs(mine, onData)
	dev.RegisterToDataReadyAs(mine, onData)
	blocks = 0
	require.NoError(t, dev.StartRecording())
	require.NoError(t, task.deliver(2, 1))
	assert.Equal(t, 2, blocks, "one call for hData and one for mine")
	dev.UnregisterToDataReady(mine)
	require.NoError(t, task.deliver(2, 1))
	assert.Equal(t, 3, blocks)
	assert.NotEqual(t, mine, dev.RegisterToDataReady(onData), "issued handles skip caller-chosen ones")
}

func TestDataReadyArguments(t *testing.T) {
	dev, task := newTestDevice(t)
	var times [][]float64
	dev.RegisterToDataReady(func(tv []float64, x *mat.Dense) {
		times = append(times, append([]float64(nil), tv...))
		assert.Equal(t, 7.0, x.At(0, 9))
	})
	require.NoError(t, dev.StartRecording())
	require.NoError(t, task.deliver(2, 7))
	require.NoError(t, task.deliver(2, 7))
	require.Len(t, times, 2)
	assert.InDelta(t, 1.0, times[1][0], 1e-12)
}

func TestUnregisterDataReady(t *testing.T) {
	dev, task := newTestDevice(t)
	calls := 0
	h := dev.RegisterToDataReady(func([]float64, *mat.Dense) { calls++ })
	require.NoError(t, dev.StartRecording())
	require.NoError(t, task.deliver(2, 1))
	dev.UnregisterToDataReady(h)
	require.NoError(t, task.deliver(2, 1))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, dev.Data().NumBlocks())

	// The other registries ignore unknown handles, too.
	dev.UnregisterToStartRecording(h)
	dev.UnregisterToStopRecording(h)
}

func TestUnregisterStartAndStop(t *testing.T) {
	dev, _ := newTestDevice(t)
	starts, stops := 0, 0
	hs := dev.RegisterToStartRecording(func() { starts++ })
	hp := dev.RegisterToStopRecording(func(*datastore.Store) { stops++ })
	require.NoError(t, dev.StartRecording())
	require.NoError(t, dev.StopRecording())
	dev.UnregisterToStartRecording(hs)
	dev.UnregisterToStopRecording(hp)
	require.NoError(t, dev.StartRecording())
	require.NoError(t, dev.StopRecording())
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestDataIsolation(t *testing.T) {
	dev, task := newTestDevice(t)
	require.NoError(t, dev.StartRecording())
	require.NoError(t, task.deliver(2, 1))
	data := dev.Data()
	require.NoError(t, task.deliver(2, 2))
	require.NoError(t, task.deliver(2, 3))
	assert.Equal(t, 1, data.NumBlocks())
	assert.Equal(t, 3, dev.Data().NumBlocks())
}

func TestResetOnStart(t *testing.T) {
	dev, task := newTestDevice(t)
	require.NoError(t, dev.StartRecording())
	for k := 0; k < 5; k++ {
		require.NoError(t, task.deliver(2, 1))
	}
	require.NoError(t, dev.StopRecording())
	assert.Equal(t, 5, dev.Data().NumBlocks(), "data of the last session stays readable after stop")

	require.NoError(t, dev.StartRecording())
	assert.True(t, dev.Data().IsEmpty())
	require.NoError(t, task.deliver(2, 1))
	tv, _ := dev.Data().SampleBlock(0, false)
	assert.Equal(t, 0.0, tv[0])
}

func TestOffsetStore(t *testing.T) {
	dev, task := newTestDevice(t, WithT0Offset(100))
	require.NoError(t, dev.StartRecording())
	require.NoError(t, task.deliver(2, 1))
	require.NoError(t, task.deliver(2, 1))
	data := dev.Data()
	assert.Equal(t, 100.0, data.T0Offset())
	t0, _ := data.SampleBlock(0, false)
	t1, _ := data.SampleBlock(1, false)
	assert.InDelta(t, 100.0, t0[0], 1e-12)
	assert.InDelta(t, 101.0, t1[0], 1e-9)
}

func TestBlocksOutsideSessionDiscarded(t *testing.T) {
	dev, task := newTestDevice(t)
	calls := 0
	dev.RegisterToDataReady(func([]float64, *mat.Dense) { calls++ })
	require.NoError(t, task.deliver(2, 1))
	require.NoError(t, dev.StartRecording())
	require.NoError(t, dev.StopRecording())
	require.NoError(t, task.deliver(2, 1))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 2, dev.DiscardedBlocks())
	assert.True(t, dev.Data().IsEmpty())
}

func TestWrongShapeRejected(t *testing.T) {
	captureProblems(t)
	dev, task := newTestDevice(t)
	require.NoError(t, dev.StartRecording())
	err := task.deliver(3, 1)
	assert.True(t, errors.Is(err, ErrBlockShape))
	assert.True(t, errors.Is(task.handler(nil), ErrBlockShape))
	assert.True(t, dev.Data().IsEmpty())
}

func TestHardwareStartFailure(t *testing.T) {
	captureProblems(t)
	dev, task := newTestDevice(t)
	boom := errors.New("device not found")
	task.failStart = boom
	err := dev.StartRecording()
	var herr *HardwareError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "start", herr.Op)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, Idle, dev.State())

	// The caller may retry once the hardware recovers.
	task.failStart = nil
	require.NoError(t, dev.StartRecording())
	assert.Equal(t, Recording, dev.State())
}

func TestHardwareStopFailure(t *testing.T) {
	captureProblems(t)
	dev, task := newTestDevice(t)
	require.NoError(t, dev.StartRecording())
	task.failStop = errors.New("stop failed")
	err := dev.StopRecording()
	var herr *HardwareError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "stop", herr.Op)
	assert.Equal(t, Idle, dev.State())
}

func TestDispose(t *testing.T) {
	dev, task := newTestDevice(t)
	stops := 0
	dev.RegisterToStopRecording(func(*datastore.Store) { stops++ })
	require.NoError(t, dev.StartRecording())
	require.NoError(t, dev.Dispose())
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, task.stops)
	assert.Equal(t, 1, task.closes)

	require.NoError(t, dev.Dispose())
	assert.Equal(t, 1, task.closes, "second Dispose must not close again")
	assert.Equal(t, 1, stops)

	assert.True(t, errors.Is(dev.StartRecording(), ErrDisposed))
}

func TestDisposeIdle(t *testing.T) {
	dev, task := newTestDevice(t)
	require.NoError(t, dev.Dispose())
	assert.Equal(t, 0, task.stops)
	assert.Equal(t, 1, task.closes)
}

func TestReentrantCallbacks(t *testing.T) {
	dev, task := newTestDevice(t)
	var startErr error
	dev.RegisterToStartRecording(func() {
		startErr = dev.StartRecording()
	})
	blocksSeen := 0
	dev.RegisterToDataReady(func([]float64, *mat.Dense) {
		blocksSeen = dev.Data().NumBlocks()
		if blocksSeen == 2 {
			assert.NoError(t, dev.StopRecording())
		}
	})
	require.NoError(t, dev.StartRecording())
	assert.True(t, errors.Is(startErr, ErrAlreadyRecording))
	require.NoError(t, task.deliver(2, 1))
	require.NoError(t, task.deliver(2, 1))
	assert.Equal(t, Idle, dev.State())
	require.NoError(t, task.deliver(2, 1))
	assert.Equal(t, 2, blocksSeen)
	assert.Equal(t, 2, dev.Data().NumBlocks())
}

func TestObserverPanicDoesNotStopDelivery(t *testing.T) {
	problems := captureProblems(t)
	dev, task := newTestDevice(t)
	good := 0
	dev.RegisterToDataReady(func([]float64, *mat.Dense) { panic("bad observer") })
	dev.RegisterToDataReady(func([]float64, *mat.Dense) { good++ })
	require.NoError(t, dev.StartRecording())
	require.NoError(t, task.deliver(2, 1))
	require.NoError(t, task.deliver(2, 1))
	assert.Equal(t, 2, good)
	assert.Equal(t, 2, dev.Data().NumBlocks())
	assert.Contains(t, problems.String(), "bad observer")
}

func TestConcurrentDeliveryAndControl(t *testing.T) {
	dev, task := newTestDevice(t)
	require.NoError(t, dev.StartRecording())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for k := 0; k < 200; k++ {
			task.deliver(2, float64(k))
		}
	}()
	go func() {
		defer wg.Done()
		for k := 0; k < 50; k++ {
			data := dev.Data()
			// Every block in a copy is whole: time and samples agree.
			for b := 0; b < data.NumBlocks(); b++ {
				tv, x := data.SampleBlock(b, true)
				_, c := x.Dims()
				if len(tv) != c {
					t.Errorf("block %d has %d times and %d samples", b, len(tv), c)
				}
			}
		}
		dev.StopRecording()
	}()
	wg.Wait()
	data := dev.Data()
	assert.Equal(t, 200, data.NumBlocks()+dev.DiscardedBlocks())
	for b := 1; b < data.NumBlocks(); b++ {
		prev, _ := data.SampleBlock(b-1, true)
		tv, _ := data.SampleBlock(b, true)
		assert.InDelta(t, prev[len(prev)-1]+dev.Dt(), tv[0], 1e-9)
	}
}

func TestRecordingStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "recording", Recording.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "RecordingState(7)", RecordingState(7).String())
}

func TestBlockInFlightAcrossRestartNeverJoinsNewSession(t *testing.T) {
	dev, task := newTestDevice(t)
	require.NoError(t, dev.StartRecording())
	require.NoError(t, task.deliver(2, 1))
	require.NoError(t, dev.StopRecording())

	// Hold the lock so a late block from the old session is stuck between
	// the hardware and the store while a new session starts.
	dev.stateLock.Lock()
	delivered := make(chan error, 1)
	go func() { delivered <- task.deliver(2, 99) }()
	require.Eventually(t, func() bool { return dev.arriving.Load() == 1 },
		time.Second, time.Millisecond)
	started := make(chan error, 1)
	go func() { started <- dev.StartRecording() }()
	dev.stateLock.Unlock()

	require.NoError(t, <-started)
	require.NoError(t, <-delivered)
	assert.Equal(t, Recording, dev.State())
	assert.True(t, dev.Data().IsEmpty(), "the late block must not enter the new session")
	assert.Equal(t, 1, dev.DiscardedBlocks())

	require.NoError(t, task.deliver(2, 2))
	tv, x := dev.Data().SampleBlock(0, false)
	assert.Equal(t, 0.0, tv[0])
	assert.Equal(t, 2.0, x.At(0, 0))
}

func TestBlockDuringStartObserversDiscarded(t *testing.T) {
	dev, task := newTestDevice(t)
	dev.RegisterToStartRecording(func() {
		assert.NoError(t, task.deliver(2, 5))
	})
	require.NoError(t, dev.StartRecording())
	assert.True(t, dev.Data().IsEmpty())
	assert.Equal(t, 1, dev.DiscardedBlocks())
}

func TestStopWhileStartingIsCarriedOut(t *testing.T) {
	dev, task := newTestDevice(t)
	var stateInStop RecordingState
	stopEarly := dev.RegisterToStartRecording(func() {
		assert.NoError(t, dev.StopRecording())
		assert.True(t, dev.IsRecording())
	})
	stops := 0
	dev.RegisterToStopRecording(func(*datastore.Store) {
		stops++
		stateInStop = dev.State()
	})
	require.NoError(t, dev.StartRecording())
	assert.Equal(t, Idle, dev.State())
	assert.Equal(t, 1, stops)
	assert.Equal(t, Stopping, stateInStop)
	assert.Equal(t, 1, task.starts)
	assert.Equal(t, 1, task.stops)

	// The request is used up: the next session runs until stopped.
	dev.UnregisterToStartRecording(stopEarly)
	require.NoError(t, dev.StartRecording())
	assert.Equal(t, Recording, dev.State())
}
