package nidaq

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// AcquisitionMode selects how the sample clock runs.
type AcquisitionMode int

// Names for the possible values of AcquisitionMode
const (
	Continuous AcquisitionMode = iota // Acquire until stopped
	Finite                            // Acquire a fixed number of samples
)

func (m AcquisitionMode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case Finite:
		return "finite"
	}
	return fmt.Sprintf("AcquisitionMode(%d)", int(m))
}

// BlockHandler receives one block of raw samples, a (channels x samples)
// matrix, from the hardware. A nil return tells the hardware to keep
// delivering.
type BlockHandler func(samples *mat.Dense) error

// HardwareTask is the interface for hardware (or simulated) acquisition
// tasks. The task calls its registered BlockHandler from its own goroutine,
// once per n samples per channel.
type HardwareTask interface {
	AddAnalogInputChannel(name string) error
	ConfigureSampleClock(rate float64, mode AcquisitionMode) error
	RegisterEveryNSamples(n int, handler BlockHandler) error
	Start() error
	Stop() error
	Close() error
}

// ChannelNamer maps a channel index to the physical channel name a device
// expects. It is the only device-specific part of a Device.
type ChannelNamer interface {
	ChannelName(index int) string
}

// ChannelNamerFunc adapts an ordinary function to a ChannelNamer.
type ChannelNamerFunc func(index int) string

// ChannelName calls f(index).
func (f ChannelNamerFunc) ChannelName(index int) string {
	return f(index)
}

// NIDevice names the analog inputs of a stand-alone device, e.g. "Dev1/ai0".
type NIDevice struct {
	Name string
}

// ChannelName returns "<Name>/ai<index>".
func (d NIDevice) ChannelName(index int) string {
	return fmt.Sprintf("%s/ai%d", d.Name, index)
}

// CompactDAQModule names the analog inputs of a module in a CompactDAQ
// chassis, e.g. "cDAQ1Mod2/ai0". Chassis and Module count from 1.
type CompactDAQModule struct {
	Chassis int
	Module  int
}

// ChannelName returns "cDAQ<Chassis>Mod<Module>/ai<index>".
func (m CompactDAQModule) ChannelName(index int) string {
	return fmt.Sprintf("cDAQ%dMod%d/ai%d", m.Chassis, m.Module, index)
}
