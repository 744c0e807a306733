// Package peer wraps pion peer connections into the narrow primitive the
// negotiation core drives: produce and consume descriptors, attach media,
// report connectivity and gathering progress.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lichon/screen-share-cli/internal/config"
	"github.com/lichon/screen-share-cli/internal/reason"
	pion "github.com/pion/webrtc/v4"
)

// Connection is the subset of *pion.PeerConnection the core uses, plus
// GatheringComplete so candidate gathering can be raced against a timer.
type Connection interface {
	CreateOffer(options *pion.OfferOptions) (pion.SessionDescription, error)
	CreateAnswer(options *pion.AnswerOptions) (pion.SessionDescription, error)
	SetLocalDescription(desc pion.SessionDescription) error
	SetRemoteDescription(desc pion.SessionDescription) error
	LocalDescription() *pion.SessionDescription
	AddTrack(track pion.TrackLocal) (*pion.RTPSender, error)
	CreateDataChannel(label string, options *pion.DataChannelInit) (*pion.DataChannel, error)
	OnConnectionStateChange(f func(pion.PeerConnectionState))
	OnDataChannel(f func(*pion.DataChannel))
	GatheringComplete() <-chan struct{}
	Close() error
}

// Factory creates a fresh, independent connection.
type Factory func() (Connection, error)

// Peer is a pion peer connection satisfying Connection.
type Peer struct {
	*pion.PeerConnection
}

// GatheringComplete closes once local candidate gathering has finished.
func (p *Peer) GatheringComplete() <-chan struct{} {
	return pion.GatheringCompletePromise(p.PeerConnection)
}

// New creates a peer connection configured with the ICE servers of cfg.
func New(cfg *config.Config) (*Peer, error) {
	pc, err := pion.NewPeerConnection(Configuration(cfg, restrictedNetwork()))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &Peer{PeerConnection: pc}, nil
}

// NewFactory returns a Factory producing peers configured from cfg.
func NewFactory(cfg *config.Config) Factory {
	return func() (Connection, error) {
		return New(cfg)
	}
}

// Configuration builds the pion configuration. Relay-only transport is
// used when asked for, or when the host looks like it sits behind a VPN or
// CGNAT and a TURN server is available.
func Configuration(cfg *config.Config, restricted bool) pion.Configuration {
	var iceServers []pion.ICEServer
	if stun := cfg.GetSTUNServers(); len(stun) > 0 {
		iceServers = append(iceServers, pion.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := pion.ICETransportPolicyAll
	if turnServers != nil && (cfg.ForceRelay || restricted) {
		policy = pion.ICETransportPolicyRelay
	}

	return pion.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	}
}

// AttachTracks adds every track to pc and drains RTCP for each sender so
// pion's interceptors keep running.
func AttachTracks(pc Connection, tracks []pion.TrackLocal) error {
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		if sender != nil {
			go drainRTCP(sender)
		}
	}
	return nil
}

func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Offer creates an offer and applies it locally.
func Offer(pc Connection) (pion.SessionDescription, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return pion.SessionDescription{}, reason.NewError("create offer", reason.FailedToCreateOffer, err)
	}

	if err = pc.SetLocalDescription(offer); err != nil {
		return pion.SessionDescription{}, reason.NewError("set local description", reason.FailedToCreateOffer, err)
	}

	return offer, nil
}

// Answer applies offer as the remote description, then creates and applies
// the local answer.
func Answer(pc Connection, offer string) (pion.SessionDescription, error) {
	desc := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return pion.SessionDescription{}, reason.NewError("set remote description", reason.FailedToSetOffer, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return pion.SessionDescription{}, reason.NewError("create answer", reason.FailedToSetOffer, err)
	}

	if err = pc.SetLocalDescription(answer); err != nil {
		return pion.SessionDescription{}, reason.NewError("set local description", reason.FailedToSetOffer, err)
	}

	return answer, nil
}

// ApplyAnswer sets the remote answer on an offering connection.
func ApplyAnswer(pc Connection, answer string) error {
	desc := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return reason.NewError("set remote description", reason.FailedToSetRemoteDescription, err)
	}
	return nil
}

// LocalSDP returns the current local description, which includes the
// candidates gathered so far, or fallback when none is set.
func LocalSDP(pc Connection, fallback pion.SessionDescription) string {
	if local := pc.LocalDescription(); local != nil && local.SDP != "" {
		return local.SDP
	}
	return fallback.SDP
}

var ErrGatherTimeout = errors.New("candidate gathering timed out")

// AwaitGathering blocks until gathering completes or timeout elapses. A
// timeout is not fatal: the descriptor is usable with the candidates found
// so far, so the error is only informational.
func AwaitGathering(ctx context.Context, pc Connection, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pc.GatheringComplete():
		return nil
	case <-timer.C:
		slog.Debug("gathering timed out, sending partial candidates", "timeout", timeout)
		return ErrGatherTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
