package sessiondb

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/lokomatfes/nidaq"
	"github.com/lokomatfes/nidaq/datastore"
	"github.com/oklog/ulid/v2"
)

// NewActivity describes this run of the program, with a fresh ID.
func NewActivity() *ActivityMessage {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  hostname,
		Githash:   nidaq.Build.Githash,
		Version:   nidaq.Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     nidaq.StartTime,
	}
}

// Observable is the part of a nidaq.Device a Recorder attaches to.
type Observable interface {
	NumChannels() int
	FrameRate() int
	SamplesPerBlock() int
	ChannelNames() []string
	RegisterToStartRecording(nidaq.StartFunc) nidaq.Handle
	RegisterToStopRecording(nidaq.StopFunc) nidaq.Handle
	UnregisterToStartRecording(nidaq.Handle)
	UnregisterToStopRecording(nidaq.Handle)
}

// Recorder enters each recording session of one device in the database.
type Recorder struct {
	db         *Connection
	activityID string

	mu       sync.Mutex // guards current
	current  *SessionMessage
	sessions int
}

// NewRecorder makes a Recorder that writes through db, which may be
// disconnected. Sessions are tied to the activity with ID activityID.
func NewRecorder(db *Connection, activityID string) *Recorder {
	return &Recorder{db: db, activityID: activityID}
}

// Attach registers start and stop observers on dev. The returned function
// detaches them.
func (r *Recorder) Attach(dev Observable) (detach func()) {
	hStart := dev.RegisterToStartRecording(func() {
		r.sessionStarted(dev)
	})
	hStop := dev.RegisterToStopRecording(func(data *datastore.Store) {
		r.sessionStopped(data)
	})
	return func() {
		dev.UnregisterToStartRecording(hStart)
		dev.UnregisterToStopRecording(hStop)
	}
}

func (r *Recorder) sessionStarted(dev Observable) {
	msg := &SessionMessage{
		ID:              ulid.Make().String(),
		ActivityID:      r.activityID,
		Nchannels:       dev.NumChannels(),
		FrameRate:       dev.FrameRate(),
		SamplesPerBlock: dev.SamplesPerBlock(),
		Start:           time.Now(),
	}
	names := dev.ChannelNames()
	channels := make([]ChannelMessage, len(names))
	for i, name := range names {
		channels[i] = ChannelMessage{SessionID: msg.ID, ChanIndex: i, ChanName: name}
	}

	r.mu.Lock()
	r.current = msg
	r.sessions++
	r.mu.Unlock()

	r.db.RecordSession(msg)
	r.db.RecordChannels(channels)
}

func (r *Recorder) sessionStopped(data *datastore.Store) {
	r.mu.Lock()
	if r.current == nil {
		r.mu.Unlock()
		return
	}
	r.current.End = time.Now()
	r.current.Blocks = data.NumBlocks()
	r.current.Samples = data.NumSamples()
	r.current.T0Offset = data.T0Offset()
	msg := *r.current
	r.mu.Unlock()

	r.db.RecordSession(&msg)
}

// Current returns a copy of the current (or most recent) session's
// message, or nil if no session was started.
func (r *Recorder) Current() *SessionMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	m := *r.current
	return &m
}

// Sessions counts the sessions started since the Recorder was attached.
func (r *Recorder) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}
