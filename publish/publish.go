// Package publish forwards recording status and every acquired block to
// ZMQ subscribers.
//
// Each message has two frames: a tag and a body. Status messages carry a
// JSON body under the tags RECORDING and STOPPED. Blocks use the tag BLOCK
// and the binary body described at EncodeBlock.
package publish

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lokomatfes/nidaq"
	"github.com/lokomatfes/nidaq/datastore"
	"github.com/lokomatfes/nidaq/internal/unboundedchan"
	zmq "github.com/pebbe/zmq4"
	"gonum.org/v1/gonum/mat"
)

// Message tags
const (
	TagRecording = "RECORDING"
	TagStopped   = "STOPPED"
	TagBlock     = "BLOCK"
)

// Observable is the part of a nidaq.Device a Publisher attaches to.
type Observable interface {
	NumChannels() int
	FrameRate() int
	SamplesPerBlock() int
	ChannelNames() []string
	RegisterToStartRecording(nidaq.StartFunc) nidaq.Handle
	RegisterToDataReady(nidaq.DataReadyFunc) nidaq.Handle
	RegisterToStopRecording(nidaq.StopFunc) nidaq.Handle
	UnregisterToStartRecording(nidaq.Handle)
	UnregisterToDataReady(nidaq.Handle)
	UnregisterToStopRecording(nidaq.Handle)
}

// RecordingStatus is the body of a RECORDING message.
type RecordingStatus struct {
	Session         int
	Nchannels       int
	FrameRate       int
	SamplesPerBlock int
	ChannelNames    []string
}

// StoppedStatus is the body of a STOPPED message.
type StoppedStatus struct {
	Session    int
	Blocks     int
	Samples    int
	DurationS  float64
	QueueDepth int
}

type message struct {
	tag  string
	body []byte
}

// Publisher owns a ZMQ PUB socket. Observers enqueue messages without
// blocking; one goroutine sends them in order.
type Publisher struct {
	socket  *zmq.Socket
	queue   *unboundedchan.UnboundedChannel[message]
	done    chan struct{}
	session atomic.Int32
	seq     atomic.Uint32

	mu     sync.RWMutex // guards closed, held for reading while pushing
	closed bool
}

// Endpoint returns the TCP endpoint on all interfaces at port.
func Endpoint(port int) string {
	return fmt.Sprintf("tcp://*:%d", port)
}

// NewPublisher binds a PUB socket at endpoint and starts sending.
func NewPublisher(endpoint string) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("could not bind PUB socket to %s: %w", endpoint, err)
	}
	p := &Publisher{
		socket: socket,
		queue:  unboundedchan.NewUnboundedChannel[message](),
		done:   make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func (p *Publisher) run() {
	defer close(p.done)
	for m := range p.queue.Out() {
		if _, err := p.socket.SendMessage(m.tag, m.body); err != nil {
			nidaq.ProblemLogger.Printf("publish %s message: %v", m.tag, err)
		}
	}
}

// Pending is the number of messages waiting to be sent.
func (p *Publisher) Pending() int {
	return p.queue.Len()
}

// PublishStatus queues a JSON-encoded status message. After Close it is a no-op.
func (p *Publisher) PublishStatus(tag string, state any) error {
	body, err := json.Marshal(state)
	if err != nil {
		return err
	}
	p.push(message{tag: tag, body: body})
	return nil
}

// push queues m, or drops it once the Publisher is closed.
func (p *Publisher) push(m message) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.queue.Push(m)
}

// PublishBlock encodes one block (copying it) and queues it.
func (p *Publisher) PublishBlock(t []float64, samples *mat.Dense) error {
	body, err := EncodeBlock(uint32(p.session.Load()), p.seq.Add(1)-1, t, samples)
	if err != nil {
		return err
	}
	p.push(message{tag: TagBlock, body: body})
	return nil
}

// Attach registers observers on dev so that each session is announced,
// each block is published and each stop is summarized. The returned
// function detaches them.
func (p *Publisher) Attach(dev Observable) (detach func()) {
	hStart := dev.RegisterToStartRecording(func() {
		session := p.session.Add(1)
		p.seq.Store(0)
		status := RecordingStatus{
			Session:         int(session),
			Nchannels:       dev.NumChannels(),
			FrameRate:       dev.FrameRate(),
			SamplesPerBlock: dev.SamplesPerBlock(),
			ChannelNames:    dev.ChannelNames(),
		}
		if err := p.PublishStatus(TagRecording, status); err != nil {
			nidaq.ProblemLogger.Printf("publish recording status: %v", err)
		}
	})
	hData := dev.RegisterToDataReady(func(t []float64, samples *mat.Dense) {
		if err := p.PublishBlock(t, samples); err != nil {
			nidaq.ProblemLogger.Printf("publish block: %v", err)
		}
	})
	hStop := dev.RegisterToStopRecording(func(data *datastore.Store) {
		status := StoppedStatus{
			Session:    int(p.session.Load()),
			Blocks:     data.NumBlocks(),
			Samples:    data.NumSamples(),
			DurationS:  float64(data.NumSamples()) / float64(dev.FrameRate()),
			QueueDepth: p.Pending(),
		}
		if err := p.PublishStatus(TagStopped, status); err != nil {
			nidaq.ProblemLogger.Printf("publish stopped status: %v", err)
		}
	})
	return func() {
		dev.UnregisterToStartRecording(hStart)
		dev.UnregisterToDataReady(hData)
		dev.UnregisterToStopRecording(hStop)
	}
}

// Close sends everything already queued, then closes the socket. Messages
// published after Close are dropped.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue.Close()
	p.mu.Unlock()
	<-p.done
	return p.socket.Close()
}
