package main

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/beam/signaling"
)

// dataChannelLabel names the single channel both frame kinds share.
const dataChannelLabel = "beam"

// peer wires a pion PeerConnection to the signaling client: local ICE
// candidates go out as candidate envelopes, and inbound offer/answer/
// candidate envelopes feed the connection. Candidates arriving before the
// remote description are buffered, since the two races freely.
type peer struct {
	pc     *webrtc.PeerConnection
	client *signaling.Client

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newPeer(client *signaling.Client) (*peer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &peer{pc: pc, client: client}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := client.Send(&signaling.Envelope{
			Action:  signaling.ActionCandidate,
			Payload: payload,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OnICECandidate",
				"error":    err.Error(),
			}).Warn("Failed to send ICE candidate")
		}
	})

	return p, nil
}

// sendOffer creates and publishes the local offer.
func (p *peer) sendOffer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return p.client.Send(&signaling.Envelope{
		Action:  signaling.ActionOffer,
		Payload: payload,
	})
}

// handleOffer applies a remote offer and publishes the answer.
func (p *peer) handleOffer(payload json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	if err := p.setRemote(offer); err != nil {
		return err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	data, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return p.client.Send(&signaling.Envelope{
		Action:  signaling.ActionAnswer,
		Payload: data,
	})
}

// handleAnswer applies the remote answer.
func (p *peer) handleAnswer(payload json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return p.setRemote(answer)
}

// handleCandidate applies or buffers a remote ICE candidate.
func (p *peer) handleCandidate(payload json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.pc.AddICECandidate(candidate)
}

// setRemote installs the remote description and flushes buffered
// candidates.
func (p *peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, candidate := range pending {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "setRemote",
				"error":    err.Error(),
			}).Warn("Failed to add buffered ICE candidate")
		}
	}
	return nil
}

// dispatch routes signaling envelopes into the peer connection.
func (p *peer) dispatch(env *signaling.Envelope) {
	var err error
	switch env.Kind() {
	case signaling.TypeOffer:
		err = p.handleOffer(env.Payload)
	case signaling.TypeAnswer:
		err = p.handleAnswer(env.Payload)
	case signaling.TypeCandidate:
		err = p.handleCandidate(env.Payload)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"kind":     env.Kind(),
			"error":    err.Error(),
		}).Warn("Signaling dispatch failed")
	}
}

func (p *peer) close() {
	if err := p.pc.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "close",
			"error":    err.Error(),
		}).Debug("Peer connection close failed")
	}
}
