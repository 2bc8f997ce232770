package nidaq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lokomatfes/nidaq/datastore"
	"gonum.org/v1/gonum/mat"
)

// RecordingState is used to indicate the idle/recording/transition state of a Device
type RecordingState int

// Names for the possible values of RecordingState
const (
	Idle      RecordingState = iota // Device is not recording
	Starting                        // Device is in transition to Recording state
	Recording                       // Device is actively acquiring data
	Stopping                        // Device is in transition to Idle state
)

func (s RecordingState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("RecordingState(%d)", int(s))
}

// Device drives one HardwareTask through recording sessions. It rebuilds
// the time axis of every delivered block, keeps the blocks of the current
// (or most recent) session, and notifies observers at start, at each new
// block, and at stop.
type Device struct {
	cfg       ChannelConfig
	timing    BlockTiming
	nsamp     int
	chanNames []string
	task      HardwareTask
	newStore  func() *datastore.Store

	onStart     *CallbackRegistry[StartFunc]
	onDataReady *CallbackRegistry[DataReadyFunc]
	onStop      *CallbackRegistry[StopFunc]

	stateLock   sync.Mutex // guards everything below except arriving
	state       RecordingState
	data        *datastore.Store
	accepting   bool // data is the store of a session that takes new blocks
	stopPending bool // StopRecording was called while Starting
	disposed    bool
	discarded   int

	arriving atomic.Int32 // blocks handed to dataHasArrived but not yet stored or discarded
	arrived  *sync.Cond   // signalled (with stateLock) when arriving drops

	closeOnce sync.Once
}

// Option configures optional Device behavior.
type Option func(*Device)

// WithStoreFactory sets the function that makes the empty store of each
// new session.
func WithStoreFactory(f func() *datastore.Store) Option {
	return func(d *Device) {
		d.newStore = f
	}
}

// WithT0Offset makes each session's store shift its timestamps by offset seconds.
func WithT0Offset(offset float64) Option {
	return WithStoreFactory(func() *datastore.Store {
		return datastore.NewWithOffset(offset)
	})
}

// NewDevice validates cfg and sets up task: one analog input channel per
// cfg.NumChannels (named by namer), a continuous sample clock at
// cfg.FrameRate, and a handler for every block of cfg.SamplesPerBlock()
// samples. On failure the task is closed.
func NewDevice(cfg ChannelConfig, namer ChannelNamer, task HardwareTask, opts ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if namer == nil {
		return nil, fmt.Errorf("%w: no ChannelNamer", ErrInvalidConfiguration)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: no HardwareTask", ErrInvalidConfiguration)
	}
	d := &Device{
		cfg:         cfg,
		timing:      cfg.Timing(),
		nsamp:       cfg.SamplesPerBlock(),
		task:        task,
		newStore:    datastore.New,
		onStart:     NewCallbackRegistry[StartFunc](),
		onDataReady: NewCallbackRegistry[DataReadyFunc](),
		onStop:      NewCallbackRegistry[StopFunc](),
	}
	d.arrived = sync.NewCond(&d.stateLock)
	for _, opt := range opts {
		opt(d)
	}
	d.data = d.newStore()
	if err := d.setupTask(namer); err != nil {
		if cerr := task.Close(); cerr != nil {
			ProblemLogger.Printf("closing hardware task after failed setup: %v", cerr)
		}
		return nil, err
	}
	return d, nil
}

func (d *Device) setupTask(namer ChannelNamer) error {
	d.chanNames = make([]string, d.cfg.NumChannels)
	for i := range d.chanNames {
		name := namer.ChannelName(i)
		if err := d.task.AddAnalogInputChannel(name); err != nil {
			return hardwareError("add channel "+name, err)
		}
		d.chanNames[i] = name
	}
	if err := d.task.ConfigureSampleClock(float64(d.cfg.FrameRate), Continuous); err != nil {
		return hardwareError("configure sample clock", err)
	}
	if err := d.task.RegisterEveryNSamples(d.nsamp, d.dataHasArrived); err != nil {
		return hardwareError("register block handler", err)
	}
	return nil
}

// NumChannels is the number of analog input channels.
func (d *Device) NumChannels() int {
	return d.cfg.NumChannels
}

// FrameRate is the sample rate per channel, in Hz.
func (d *Device) FrameRate() int {
	return d.cfg.FrameRate
}

// Dt is the time between samples, in seconds.
func (d *Device) Dt() float64 {
	return d.cfg.Dt()
}

// TimeBetweenSamples is the time spanned by one block, in seconds.
func (d *Device) TimeBetweenSamples() float64 {
	return d.cfg.TimeBetweenSamples
}

// SamplesPerBlock is the number of samples per channel in each block.
func (d *Device) SamplesPerBlock() int {
	return d.nsamp
}

// ChannelNames returns the hardware channel names, in channel order.
func (d *Device) ChannelNames() []string {
	names := make([]string, len(d.chanNames))
	copy(names, d.chanNames)
	return names
}

// State returns the RecordingState in a race-free fashion
func (d *Device) State() RecordingState {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.state
}

// IsRecording tells whether a session is in progress (or in transition).
func (d *Device) IsRecording() bool {
	return d.State() != Idle
}

// DiscardedBlocks counts blocks the hardware delivered while no session
// was accepting data.
func (d *Device) DiscardedBlocks() int {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.discarded
}

// Data returns a copy of the current (or most recent) session's data.
func (d *Device) Data() *datastore.Store {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.data.Copy()
}

// RegisterToStartRecording adds a callback run at each StartRecording.
func (d *Device) RegisterToStartRecording(cb StartFunc) Handle {
	return d.onStart.Register(cb)
}

// RegisterToStartRecordingAs stores cb under h, replacing any start
// callback already registered under h, so it is notified once per start.
func (d *Device) RegisterToStartRecordingAs(h Handle, cb StartFunc) {
	d.onStart.RegisterAs(h, cb)
}

// UnregisterToStartRecording removes a start callback. Unknown handles are ignored.
func (d *Device) UnregisterToStartRecording(h Handle) {
	d.onStart.Unregister(h)
}

// RegisterToDataReady adds a callback run for every new block.
func (d *Device) RegisterToDataReady(cb DataReadyFunc) Handle {
	return d.onDataReady.Register(cb)
}

// RegisterToDataReadyAs stores cb under h, replacing any data-ready
// callback already registered under h.
func (d *Device) RegisterToDataReadyAs(h Handle, cb DataReadyFunc) {
	d.onDataReady.RegisterAs(h, cb)
}

// UnregisterToDataReady removes a data-ready callback. Unknown handles are ignored.
func (d *Device) UnregisterToDataReady(h Handle) {
	d.onDataReady.Unregister(h)
}

// RegisterToStopRecording adds a callback run at each StopRecording that
// ends a session. All stop callbacks of one session share the same copy
// of the data, so they must treat it as read-only.
func (d *Device) RegisterToStopRecording(cb StopFunc) Handle {
	return d.onStop.Register(cb)
}

// RegisterToStopRecordingAs stores cb under h, replacing any stop
// callback already registered under h.
func (d *Device) RegisterToStopRecordingAs(h Handle, cb StopFunc) {
	d.onStop.RegisterAs(h, cb)
}

// UnregisterToStopRecording removes a stop callback. Unknown handles are ignored.
func (d *Device) UnregisterToStopRecording(h Handle) {
	d.onStop.Unregister(h)
}

// StartRecording begins a new session. Steps are: 1) notify the start
// callbacks, 2) replace the data with an empty store, 3) start the hardware
// task. It's an error to start a Device that isn't Idle; in that case
// nothing else happens. If the hardware fails to start, the Device returns
// to Idle and the caller may try again.
//
// Blocks still being handed over from an earlier session are stored or
// discarded before the store is replaced, so they never enter the new one.
// If StopRecording was called while starting, the new session is stopped
// as soon as it is Recording, and that stop's error is returned.
func (d *Device) StartRecording() error {
	d.stateLock.Lock()
	if d.disposed {
		d.stateLock.Unlock()
		return ErrDisposed
	}
	if d.state != Idle {
		state := d.state
		d.stateLock.Unlock()
		return fmt.Errorf("%w: cannot start a device that is %v", ErrAlreadyRecording, state)
	}
	d.state = Starting
	d.stateLock.Unlock()

	d.onStart.Notify(func(cb StartFunc) { cb() })

	d.stateLock.Lock()
	for d.arriving.Load() > 0 {
		d.arrived.Wait()
	}
	d.data = d.newStore()
	d.accepting = true
	d.stateLock.Unlock()

	if err := d.task.Start(); err != nil {
		d.stateLock.Lock()
		d.state = Idle
		d.accepting = false
		d.stopPending = false
		d.stateLock.Unlock()
		ProblemLogger.Printf("could not start hardware task: %v", err)
		return hardwareError("start", err)
	}

	d.stateLock.Lock()
	if d.disposed {
		// Dispose ran while we were starting; it could not stop a session
		// that was not yet Recording, so undo the start here.
		d.state = Idle
		d.accepting = false
		d.stopPending = false
		d.stateLock.Unlock()
		if err := d.task.Stop(); err != nil {
			ProblemLogger.Printf("stopping hardware task of a disposed device: %v", err)
		}
		return ErrDisposed
	}
	d.state = Recording
	stop := d.stopPending
	d.stopPending = false
	d.stateLock.Unlock()
	UpdateLogger.Printf("Recording started: %d channels at %d Hz, %d samples per block",
		d.cfg.NumChannels, d.cfg.FrameRate, d.nsamp)
	if stop {
		return d.StopRecording()
	}
	return nil
}

// StopRecording ends the current session: it notifies the stop callbacks
// with a copy of the session data, then stops the hardware task. Stopping
// an Idle or Stopping Device does nothing. Stopping a Device that is still
// Starting returns nil at once and records the request; StartRecording
// carries it out when the session reaches Recording.
func (d *Device) StopRecording() error {
	d.stateLock.Lock()
	switch d.state {
	case Starting:
		d.stopPending = true
		d.stateLock.Unlock()
		return nil
	case Recording:
	default:
		d.stateLock.Unlock()
		return nil
	}
	d.state = Stopping
	d.accepting = false
	snapshot := d.data.Copy()
	d.stateLock.Unlock()

	d.onStop.Notify(func(cb StopFunc) { cb(snapshot) })

	err := d.task.Stop()
	d.setState(Idle)
	if err != nil {
		ProblemLogger.Printf("could not stop hardware task: %v", err)
		return hardwareError("stop", err)
	}
	UpdateLogger.Printf("Recording stopped after %d blocks (%d samples per channel)",
		snapshot.NumBlocks(), snapshot.NumSamples())
	return nil
}

// Dispose stops any session and closes the hardware task. Only the first
// call does anything; a disposed Device cannot record again.
func (d *Device) Dispose() error {
	d.stateLock.Lock()
	d.disposed = true
	d.stateLock.Unlock()

	stopErr := d.StopRecording()
	var closeErr error
	d.closeOnce.Do(func() {
		closeErr = hardwareError("close", d.task.Close())
		UpdateLogger.Printf("Hardware task closed")
	})
	return errors.Join(stopErr, closeErr)
}

func (d *Device) setState(s RecordingState) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	d.state = s
}

// blockDecided ends one hand-over counted in arriving. Call with stateLock held.
func (d *Device) blockDecided() {
	d.arriving.Add(-1)
	d.arrived.Broadcast()
}

// dataHasArrived is the BlockHandler given to the hardware task. It stamps
// the block with its time vector, appends it, and notifies the data-ready
// callbacks. Blocks that arrive while no session accepts data (Idle,
// Stopping, or Starting before the new store is in place) are discarded whole.
func (d *Device) dataHasArrived(samples *mat.Dense) error {
	if samples == nil {
		return fmt.Errorf("%w: nil block", ErrBlockShape)
	}
	if r, c := samples.Dims(); r != d.cfg.NumChannels || c != d.nsamp {
		ProblemLogger.Printf("hardware delivered a %dx%d block, want %dx%d", r, c, d.cfg.NumChannels, d.nsamp)
		return fmt.Errorf("%w: have %dx%d, want %dx%d", ErrBlockShape, r, c, d.cfg.NumChannels, d.nsamp)
	}

	d.arriving.Add(1)
	d.stateLock.Lock()
	if !d.accepting {
		d.discarded++
		d.blockDecided()
		d.stateLock.Unlock()
		return nil
	}
	prev, _ := d.data.SampleBlock(-1, true)
	t, err := d.timing.Next(prev, d.data.T0Offset())
	if err == nil {
		err = d.data.Add(t, samples)
	}
	if err != nil {
		d.blockDecided()
		d.stateLock.Unlock()
		ProblemLogger.Printf("could not store block: %v", err)
		return err
	}
	notify := d.onDataReady.Len() > 0
	var bt []float64
	var bx *mat.Dense
	if notify {
		// Stored blocks are never modified in place, so this alias stays
		// valid after the lock is released.
		bt, bx = d.data.SampleBlock(-1, true)
	}
	d.blockDecided()
	d.stateLock.Unlock()

	if notify {
		d.onDataReady.Notify(func(cb DataReadyFunc) { cb(bt, bx) })
	}
	return nil
}
