package nidaq

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/viper"
)

// DefaultTimeBetweenSamples is the block duration (seconds) used when the
// configuration doesn't give one.
const DefaultTimeBetweenSamples = 1.0

// ChannelConfig is the immutable acquisition geometry of a device.
type ChannelConfig struct {
	NumChannels        int     // analog input channels, >= 1
	FrameRate          int     // samples per second per channel
	TimeBetweenSamples float64 // seconds spanned by one delivered block
}

// Validate checks that all fields are positive and that a block holds a
// whole, positive number of samples.
func (c ChannelConfig) Validate() error {
	if c.NumChannels < 1 {
		return fmt.Errorf("%w: channel count %d, want >= 1", ErrInvalidConfiguration, c.NumChannels)
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("%w: frame rate %d Hz, want > 0", ErrInvalidConfiguration, c.FrameRate)
	}
	if !(c.TimeBetweenSamples > 0) || math.IsInf(c.TimeBetweenSamples, 0) {
		return fmt.Errorf("%w: time between samples %v s, want finite and > 0",
			ErrInvalidConfiguration, c.TimeBetweenSamples)
	}
	_, err := c.samplesPerBlock()
	return err
}

func (c ChannelConfig) samplesPerBlock() (int, error) {
	exact := float64(c.FrameRate) * c.TimeBetweenSamples
	n := math.Round(exact)
	if n < 1 || math.Abs(exact-n) > 1e-9*math.Max(1, exact) {
		return 0, fmt.Errorf("%w: %d Hz x %v s = %v samples per block, want a positive integer",
			ErrInvalidConfiguration, c.FrameRate, c.TimeBetweenSamples, exact)
	}
	return int(n), nil
}

// SamplesPerBlock is FrameRate x TimeBetweenSamples. It returns 0 for a
// configuration that doesn't Validate.
func (c ChannelConfig) SamplesPerBlock() int {
	n, err := c.samplesPerBlock()
	if err != nil {
		return 0
	}
	return n
}

// Dt is the time between two consecutive samples of one channel.
func (c ChannelConfig) Dt() float64 {
	return 1 / float64(c.FrameRate)
}

// Timing returns the BlockTiming that reconstructs time vectors for blocks
// of this configuration.
func (c ChannelConfig) Timing() BlockTiming {
	return BlockTiming{Dt: c.Dt(), NFrames: c.SamplesPerBlock(), BlockDuration: c.TimeBetweenSamples}
}

// DeviceConfig is the "device" section of the configuration file.
type DeviceConfig struct {
	NumChannels        int     `mapstructure:"num_channels"`
	FrameRate          int     `mapstructure:"frame_rate"`
	TimeBetweenSamples float64 `mapstructure:"time_between_samples"`
	T0Offset           float64 `mapstructure:"t0_offset"`
	Naming             string  `mapstructure:"naming"`  // "ni" or "cdaq"
	Device             string  `mapstructure:"device"`  // e.g. Dev1 (naming "ni")
	Chassis            int     `mapstructure:"chassis"` // naming "cdaq"
	Module             int     `mapstructure:"module"`  // naming "cdaq"
}

// ChannelConfig extracts the acquisition geometry.
func (dc DeviceConfig) ChannelConfig() ChannelConfig {
	return ChannelConfig{
		NumChannels:        dc.NumChannels,
		FrameRate:          dc.FrameRate,
		TimeBetweenSamples: dc.TimeBetweenSamples,
	}
}

// Namer returns the ChannelNamer selected by dc.Naming.
func (dc DeviceConfig) Namer() (ChannelNamer, error) {
	switch strings.ToLower(dc.Naming) {
	case "", "ni":
		name := dc.Device
		if name == "" {
			name = "Dev1"
		}
		return NIDevice{Name: name}, nil
	case "cdaq":
		if dc.Chassis < 1 || dc.Module < 1 {
			return nil, fmt.Errorf("%w: cdaq naming needs chassis and module >= 1, have %d and %d",
				ErrInvalidConfiguration, dc.Chassis, dc.Module)
		}
		return CompactDAQModule{Chassis: dc.Chassis, Module: dc.Module}, nil
	default:
		return nil, fmt.Errorf("%w: naming=%q, must be one of (ni, cdaq)", ErrInvalidConfiguration, dc.Naming)
	}
}

// ConfigFromViper reads and validates the DeviceConfig stored under key.
func ConfigFromViper(v *viper.Viper, key string) (DeviceConfig, error) {
	v.SetDefault(key+".time_between_samples", DefaultTimeBetweenSamples)
	v.SetDefault(key+".naming", "ni")
	v.SetDefault(key+".device", "Dev1")

	var dc DeviceConfig
	if err := v.UnmarshalKey(key, &dc); err != nil {
		return dc, fmt.Errorf("%w: cannot read %q: %v", ErrInvalidConfiguration, key, err)
	}
	if err := dc.ChannelConfig().Validate(); err != nil {
		return dc, err
	}
	if _, err := dc.Namer(); err != nil {
		return dc, err
	}
	return dc, nil
}
