// Package peertest provides an in-memory peer.Connection for tests.
package peertest

import (
	"sync"

	pion "github.com/pion/webrtc/v4"
)

// Connection records every call and lets the test drive gathering and
// connectivity state by hand.
type Connection struct {
	CreateOfferErr  error
	CreateAnswerErr error
	SetLocalErr     error
	SetRemoteErr    error
	AddTrackErr     error

	OfferSDP  string
	AnswerSDP string

	mu           sync.Mutex
	calls        []string
	local        *pion.SessionDescription
	remote       *pion.SessionDescription
	tracks       []pion.TrackLocal
	channels     []string
	gather       chan struct{}
	gatherOnce   sync.Once
	stateHandler func(pion.PeerConnectionState)
	dcHandler    func(*pion.DataChannel)
	closed       bool
}

// New returns a connection producing the given offer and answer bodies.
func New(offerSDP, answerSDP string) *Connection {
	return &Connection{
		OfferSDP:  offerSDP,
		AnswerSDP: answerSDP,
		gather:    make(chan struct{}),
	}
}

func (c *Connection) record(name string) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
}

func (c *Connection) CreateOffer(*pion.OfferOptions) (pion.SessionDescription, error) {
	c.record("CreateOffer")
	if c.CreateOfferErr != nil {
		return pion.SessionDescription{}, c.CreateOfferErr
	}
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: c.OfferSDP}, nil
}

func (c *Connection) CreateAnswer(*pion.AnswerOptions) (pion.SessionDescription, error) {
	c.record("CreateAnswer")
	if c.CreateAnswerErr != nil {
		return pion.SessionDescription{}, c.CreateAnswerErr
	}
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: c.AnswerSDP}, nil
}

func (c *Connection) SetLocalDescription(desc pion.SessionDescription) error {
	c.record("SetLocalDescription")
	if c.SetLocalErr != nil {
		return c.SetLocalErr
	}
	c.mu.Lock()
	c.local = &desc
	c.mu.Unlock()
	return nil
}

func (c *Connection) SetRemoteDescription(desc pion.SessionDescription) error {
	c.record("SetRemoteDescription")
	if c.SetRemoteErr != nil {
		return c.SetRemoteErr
	}
	c.mu.Lock()
	c.remote = &desc
	c.mu.Unlock()
	return nil
}

func (c *Connection) LocalDescription() *pion.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteDescription returns the last remote description applied.
func (c *Connection) RemoteDescription() *pion.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Connection) AddTrack(track pion.TrackLocal) (*pion.RTPSender, error) {
	c.record("AddTrack")
	if c.AddTrackErr != nil {
		return nil, c.AddTrackErr
	}
	c.mu.Lock()
	c.tracks = append(c.tracks, track)
	c.mu.Unlock()
	return nil, nil
}

// CreateDataChannel records the label; the returned channel is nil.
func (c *Connection) CreateDataChannel(label string, _ *pion.DataChannelInit) (*pion.DataChannel, error) {
	c.record("CreateDataChannel")
	c.mu.Lock()
	c.channels = append(c.channels, label)
	c.mu.Unlock()
	return nil, nil
}

func (c *Connection) OnConnectionStateChange(f func(pion.PeerConnectionState)) {
	c.mu.Lock()
	c.stateHandler = f
	c.mu.Unlock()
}

func (c *Connection) OnDataChannel(f func(*pion.DataChannel)) {
	c.mu.Lock()
	c.dcHandler = f
	c.mu.Unlock()
}

func (c *Connection) GatheringComplete() <-chan struct{} {
	return c.gather
}

func (c *Connection) Close() error {
	c.record("Close")
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// CompleteGathering signals the end of candidate gathering.
func (c *Connection) CompleteGathering() {
	c.gatherOnce.Do(func() { close(c.gather) })
}

// SetConnectionState fires the connection state handler, as pion would.
func (c *Connection) SetConnectionState(state pion.PeerConnectionState) {
	c.mu.Lock()
	f := c.stateHandler
	c.mu.Unlock()
	if f != nil {
		f(state)
	}
}

// HasDataChannelHandler reports whether OnDataChannel was registered.
func (c *Connection) HasDataChannelHandler() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dcHandler != nil
}

// Calls returns how many times the named method was called.
func (c *Connection) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == name {
			n++
		}
	}
	return n
}

// Tracks returns the tracks attached so far.
func (c *Connection) Tracks() []pion.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pion.TrackLocal(nil), c.tracks...)
}

// DataChannels returns the labels of data channels created so far.
func (c *Connection) DataChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.channels...)
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
