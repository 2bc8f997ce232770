package nidaq

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimulatedTaskConfig holds the arguments needed to configure a SimulatedTask.
type SimulatedTaskConfig struct {
	Speedup   float64 `mapstructure:"speedup"`   // deliver blocks this many times faster than real time
	Amplitude float64 `mapstructure:"amplitude"` // sine amplitude (volts)
	Frequency float64 `mapstructure:"frequency"` // sine frequency (Hz)
	Noise     float64 `mapstructure:"noise"`     // rms of added gaussian noise (volts)
	Seed      uint64  `mapstructure:"seed"`
}

// SimulatedTask is a HardwareTask that requires no hardware. Once started,
// it delivers one block of phase-shifted sine waves (one phase per channel)
// every n samples' worth of time, from its own goroutine. Handler calls
// never overlap, even across a Stop and a new Start.
type SimulatedTask struct {
	config SimulatedTaskConfig

	mu        sync.Mutex // guards everything below
	channels  []string
	rate      float64
	nsamp     int
	handler   BlockHandler
	abort     chan struct{}
	done      chan struct{} // closed when the latest delivery goroutine exits
	gen       uint64        // bumped by every Start and Stop
	nextFrame int
	isStarted bool
	isClosed  bool

	delivered atomic.Int64
}

// NewSimulatedTask creates a SimulatedTask. A non-positive Speedup means real time.
func NewSimulatedTask(config SimulatedTaskConfig) *SimulatedTask {
	if config.Speedup <= 0 {
		config.Speedup = 1
	}
	return &SimulatedTask{config: config}
}

// AddAnalogInputChannel adds a channel; names must be unique.
func (st *SimulatedTask) AddAnalogInputChannel(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.isClosed {
		return fmt.Errorf("SimulatedTask.AddAnalogInputChannel: task closed")
	}
	for _, c := range st.channels {
		if c == name {
			return fmt.Errorf("SimulatedTask.AddAnalogInputChannel: channel %q already added", name)
		}
	}
	st.channels = append(st.channels, name)
	return nil
}

// ConfigureSampleClock sets the per-channel sample rate. Only Continuous
// acquisition is simulated.
func (st *SimulatedTask) ConfigureSampleClock(rate float64, mode AcquisitionMode) error {
	if mode != Continuous {
		return fmt.Errorf("SimulatedTask.ConfigureSampleClock: %v acquisition is not simulated", mode)
	}
	if !(rate > 0) || math.IsInf(rate, 0) {
		return fmt.Errorf("SimulatedTask.ConfigureSampleClock: rate %v Hz is invalid", rate)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rate = rate
	return nil
}

// RegisterEveryNSamples sets the one handler called for each block of n samples.
func (st *SimulatedTask) RegisterEveryNSamples(n int, handler BlockHandler) error {
	if n < 1 || handler == nil {
		return fmt.Errorf("SimulatedTask.RegisterEveryNSamples: need n >= 1 and a handler, have n=%d", n)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.handler != nil {
		return fmt.Errorf("SimulatedTask.RegisterEveryNSamples: a handler is already registered")
	}
	st.nsamp = n
	st.handler = handler
	return nil
}

// Start begins block delivery. It errors if closed, already started, or not
// fully configured. It does not wait for the first block.
func (st *SimulatedTask) Start() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case st.isClosed:
		return fmt.Errorf("SimulatedTask.Start: task closed")
	case st.isStarted:
		return fmt.Errorf("SimulatedTask.Start: already started")
	case len(st.channels) == 0 || st.rate == 0 || st.handler == nil:
		return fmt.Errorf("SimulatedTask.Start: task not configured (%d channels, rate %v, handler set %t)",
			len(st.channels), st.rate, st.handler != nil)
	}
	previous := st.done
	st.gen++
	st.abort = make(chan struct{})
	st.done = make(chan struct{})
	st.isStarted = true
	period := time.Duration(float64(time.Second) * float64(st.nsamp) / st.rate / st.config.Speedup)
	go st.deliver(st.gen, st.abort, previous, st.done, period)
	return nil
}

// Stop ends block delivery: no handler call begins after Stop returns.
// Stopping a task that isn't started is not an error. Stop does not wait
// for a handler call already under way, so the handler may call it.
func (st *SimulatedTask) Stop() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.isStarted {
		close(st.abort)
		st.gen++
		st.isStarted = false
	}
	return nil
}

// Close stops the task and releases it. Closing twice is not an error.
func (st *SimulatedTask) Close() error {
	if err := st.Stop(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.isClosed = true
	return nil
}

// Delivered counts blocks accepted by the handler since the task was created.
func (st *SimulatedTask) Delivered() int {
	return int(st.delivered.Load())
}

// deliver runs one started period of the task. It waits for the goroutine
// of the previous period to exit, so that handler calls stay in order.
func (st *SimulatedTask) deliver(gen uint64, abort <-chan struct{}, previous <-chan struct{}, done chan<- struct{}, period time.Duration) {
	defer close(done)
	if previous != nil {
		// The previous period was stopped, so its goroutine is at most
		// finishing one handler call.
		<-previous
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	noise := distuv.Normal{Mu: 0, Sigma: st.config.Noise, Src: rand.NewPCG(st.config.Seed, 0x6e69646171)}
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
		}
		block, handler := st.synthesize(gen, noise)
		if block == nil {
			return
		}
		if err := handler(block); err != nil {
			ProblemLogger.Printf("SimulatedTask: block handler returned %v; ending delivery", err)
			return
		}
		st.delivered.Add(1)
	}
}

// synthesize makes the next block and advances the frame counter. It
// returns a nil block once generation gen has been stopped.
func (st *SimulatedTask) synthesize(gen uint64, noise distuv.Normal) (*mat.Dense, BlockHandler) {
	st.mu.Lock()
	if st.gen != gen {
		st.mu.Unlock()
		return nil, nil
	}
	nchan, nsamp, rate, first := len(st.channels), st.nsamp, st.rate, st.nextFrame
	st.nextFrame += nsamp
	handler := st.handler
	st.mu.Unlock()

	block := mat.NewDense(nchan, nsamp, nil)
	omega := 2 * math.Pi * st.config.Frequency
	for c := 0; c < nchan; c++ {
		phase := 2 * math.Pi * float64(c) / float64(nchan)
		row := block.RawRowView(c)
		for j := range row {
			t := float64(first+j) / rate
			row[j] = st.config.Amplitude * math.Sin(omega*t+phase)
			if st.config.Noise > 0 {
				row[j] += noise.Rand()
			}
		}
	}
	return block, handler
}
