package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the nidaqactivity table: one row
// per run of the program.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information for the sessions table: one row per
// recording session. It is inserted at start and again, completed, at stop.
type SessionMessage struct {
	ID              string
	ActivityID      string
	Nchannels       int
	FrameRate       int
	SamplesPerBlock int
	T0Offset        float64
	Blocks          int
	Samples         int
	Start           time.Time
	End             time.Time
}

// ChannelMessage is the information for the channels table.
type ChannelMessage struct {
	SessionID string
	ChanIndex int
	ChanName  string
}

const timeFormat = "2006-01-02 15:04:05.000000"
